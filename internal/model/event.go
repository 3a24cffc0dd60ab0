package model

import (
	"fmt"
	"time"
)

// EventKind identifies the category of an asset event.
type EventKind string

const (
	EventCondition              EventKind = "condition_update"
	EventServiceStatus          EventKind = "service_status_update"
	EventLocation               EventKind = "location_update"
	EventDisposition            EventKind = "disposition_update"
	EventScheduleReplacement    EventKind = "schedule_replacement_update"
	EventScheduleRehabilitation EventKind = "schedule_rehabilitation_update"
	EventScheduleDisposition    EventKind = "schedule_disposition_update"
	EventRehabilitation         EventKind = "rehabilitation_update"
)

// AllEventKinds lists every event kind in recalculation order.
var AllEventKinds = []EventKind{
	EventDisposition,
	EventServiceStatus,
	EventCondition,
	EventLocation,
	EventRehabilitation,
	EventScheduleReplacement,
	EventScheduleRehabilitation,
	EventScheduleDisposition,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range AllEventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseEventKind converts a string into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("model: unknown event kind %q", s)
	}
	return k, nil
}

// EventPayload carries the kind-specific fields of an event. Only the fields
// relevant to the event's kind are set.
type EventPayload struct {
	AssessedRating      *float64        `json:"assessed_rating,omitempty"`
	ServiceStatus       ServiceStatus   `json:"service_status,omitempty"`
	ParentID            *int64          `json:"parent_id,omitempty"`
	DispositionType     DispositionType `json:"disposition_type,omitempty"`
	ReplacementYear     *int            `json:"replacement_year,omitempty"`
	ReplacementReasonID *int            `json:"replacement_reason_id,omitempty"`
	RebuildYear         *int            `json:"rebuild_year,omitempty"`
	DispositionYear     *int            `json:"disposition_year,omitempty"`
	TotalCost           *int64          `json:"total_cost,omitempty"`
	ExtendedLifeMonths  *int            `json:"extended_life_months,omitempty"`
}

// AssetEvent is a timestamped change record attached to one asset.
type AssetEvent struct {
	ID        int64        `json:"-"`
	ObjectKey string       `json:"object_key"`
	AssetID   int64        `json:"-"`
	Kind      EventKind    `json:"kind"`
	EventDate time.Time    `json:"event_date"`
	Comments  string       `json:"comments,omitempty"`
	CreatedBy string       `json:"created_by,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Payload   EventPayload `json:"payload"`
}

const (
	minYear = 1900
	maxYear = 2200
)

// Validate checks that the payload required by the event's kind is present
// and in range.
func (e *AssetEvent) Validate() error {
	if !e.Kind.Valid() {
		return e.invalid("unknown event kind")
	}
	if e.EventDate.IsZero() {
		return e.invalid("event date is required")
	}

	p := e.Payload
	switch e.Kind {
	case EventCondition:
		if p.AssessedRating == nil {
			return e.invalid("assessed rating is required")
		}
		if *p.AssessedRating < MinRating || *p.AssessedRating > MaxRating {
			return e.invalid(fmt.Sprintf("assessed rating %.2f outside %.0f-%.0f", *p.AssessedRating, MinRating, MaxRating))
		}
	case EventServiceStatus:
		if !p.ServiceStatus.Valid() || p.ServiceStatus == ServiceDisposed {
			return e.invalid(fmt.Sprintf("service status %q is not assignable", p.ServiceStatus))
		}
	case EventLocation:
		if p.ParentID != nil && *p.ParentID == e.AssetID {
			return e.invalid("asset cannot be its own parent")
		}
	case EventDisposition:
		if !p.DispositionType.Valid() {
			return e.invalid(fmt.Sprintf("disposition type %q is unknown", p.DispositionType))
		}
	case EventScheduleReplacement:
		if p.ReplacementYear == nil && p.ReplacementReasonID == nil {
			return e.invalid("replacement year or reason is required")
		}
		if err := e.checkYear("replacement year", p.ReplacementYear); err != nil {
			return err
		}
	case EventScheduleRehabilitation:
		if p.RebuildYear == nil {
			return e.invalid("rebuild year is required")
		}
		if err := e.checkYear("rebuild year", p.RebuildYear); err != nil {
			return err
		}
	case EventScheduleDisposition:
		if p.DispositionYear == nil {
			return e.invalid("disposition year is required")
		}
		if err := e.checkYear("disposition year", p.DispositionYear); err != nil {
			return err
		}
	case EventRehabilitation:
		if p.TotalCost != nil && *p.TotalCost < 0 {
			return e.invalid("total cost must be >= 0")
		}
		if p.ExtendedLifeMonths != nil && *p.ExtendedLifeMonths < 0 {
			return e.invalid("extended life months must be >= 0")
		}
	}
	return nil
}

func (e *AssetEvent) checkYear(field string, year *int) error {
	if year == nil {
		return nil
	}
	if *year < minYear || *year > maxYear {
		return e.invalid(fmt.Sprintf("%s %d out of range", field, *year))
	}
	return nil
}

func (e *AssetEvent) invalid(reason string) error {
	return &InvalidEventDataError{EventKey: e.ObjectKey, Kind: e.Kind, Reason: reason}
}

// EventFilter narrows an event listing.
type EventFilter struct {
	Kinds []EventKind
	Limit int
}

// Matches reports whether the event passes the kind filter.
func (f EventFilter) Matches(e *AssetEvent) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}
