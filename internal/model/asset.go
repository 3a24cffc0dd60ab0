package model

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

var validate = validator.New()

// Asset is a tracked capital asset. Authoritative fields are edited by users
// and imports; DerivedState is recomputed from events and policy.
type Asset struct {
	ID             int64      `json:"-"`
	ObjectKey      string     `json:"object_key"`
	OrganizationID int64      `json:"organization_id" validate:"required"`
	AssetTypeID    int64      `json:"asset_type_id" validate:"required"`
	AssetSubtypeID int64      `json:"asset_subtype_id" validate:"required"`
	Class          AssetClass `json:"class" validate:"required,oneof=vehicle equipment facility track"`
	AssetTag       string     `json:"asset_tag" validate:"required,max=12"`
	ExternalID     string     `json:"external_id,omitempty" validate:"max=32"`
	Description    string     `json:"description,omitempty" validate:"max=128"`

	ManufactureYear int        `json:"manufacture_year" validate:"required,gte=1900,lte=2200"`
	PurchaseCost    int64      `json:"purchase_cost" validate:"gte=0"`
	PurchaseDate    *time.Time `json:"purchase_date,omitempty"`
	InServiceDate   *time.Time `json:"in_service_date,omitempty"`
	PurchasedNew    bool       `json:"purchased_new"`
	SupersededByID  *int64     `json:"superseded_by_id,omitempty"`

	DerivedState

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DerivedState holds every field the recalculation engine owns.
type DerivedState struct {
	ExpectedUsefulLife int `json:"expected_useful_life"`

	ReportedConditionType    ConditionType `json:"reported_condition_type"`
	ReportedConditionRating  *float64      `json:"reported_condition_rating,omitempty"`
	ReportedConditionDate    *time.Time    `json:"reported_condition_date,omitempty"`
	EstimatedConditionType   ConditionType `json:"estimated_condition_type"`
	EstimatedConditionRating *float64      `json:"estimated_condition_rating,omitempty"`

	ServiceStatus     ServiceStatus `json:"service_status"`
	ServiceStatusDate *time.Time    `json:"service_status_date,omitempty"`

	PolicyReplacementYear    *int `json:"policy_replacement_year,omitempty"`
	ScheduledReplacementYear *int `json:"scheduled_replacement_year,omitempty"`
	EstimatedReplacementYear *int `json:"estimated_replacement_year,omitempty"`
	ReplacementReasonID      *int `json:"replacement_reason_id,omitempty"`
	InBacklog                bool `json:"in_backlog"`

	PolicyRehabilitationYear    *int       `json:"policy_rehabilitation_year,omitempty"`
	ScheduledRehabilitationYear *int       `json:"scheduled_rehabilitation_year,omitempty"`
	LastRehabilitationDate      *time.Time `json:"last_rehabilitation_date,omitempty"`

	ScheduledDispositionYear *int            `json:"scheduled_disposition_year,omitempty"`
	DispositionDate          *time.Time      `json:"disposition_date,omitempty"`
	DispositionType          DispositionType `json:"disposition_type,omitempty"`

	EstimatedReplacementCost *int64 `json:"estimated_replacement_cost,omitempty"`
	ScheduledReplacementCost *int64 `json:"scheduled_replacement_cost,omitempty"`

	ParentID         *int64 `json:"parent_id,omitempty"`
	LocationComments string `json:"location_comments,omitempty"`
}

// Equal reports whether two derived states hold the same values.
func (d DerivedState) Equal(o DerivedState) bool {
	return reflect.DeepEqual(d.normalized(), o.normalized())
}

// normalized strips time zone and monotonic data so dates compare by value.
func (d DerivedState) normalized() DerivedState {
	for _, p := range []**time.Time{
		&d.ReportedConditionDate,
		&d.ServiceStatusDate,
		&d.LastRehabilitationDate,
		&d.DispositionDate,
	} {
		if *p != nil {
			t := (**p).UTC().Round(0)
			*p = &t
		}
	}
	return d
}

// Disposed reports whether the asset has left the inventory.
func (a *Asset) Disposed() bool {
	return a.DispositionDate != nil
}

// Disposable reports whether a disposition may be recorded: the asset is
// still active and its policy replacement year has been reached.
func (a *Asset) Disposable(planningYear int) bool {
	if a.Disposed() || a.PolicyReplacementYear == nil {
		return false
	}
	return *a.PolicyReplacementYear <= planningYear
}

// MonthsInService returns the whole months between the in-service date and on.
func (a *Asset) MonthsInService(on time.Time) int {
	if a.InServiceDate == nil || on.Before(*a.InServiceDate) {
		return 0
	}
	start := *a.InServiceDate
	months := (on.Year()-start.Year())*12 + int(on.Month()) - int(start.Month())
	if on.Day() < start.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// Age returns the asset's age in whole years on the given date.
func (a *Asset) Age(on time.Time) int {
	if a.InServiceDate == nil {
		if a.ManufactureYear == 0 || on.Year() < a.ManufactureYear {
			return 0
		}
		return on.Year() - a.ManufactureYear
	}
	return a.MonthsInService(on) / 12
}

// Behavior returns the class behavior for the asset.
func (a *Asset) Behavior() (ClassBehavior, error) {
	return BehaviorFor(a.Class)
}

// Cleanse resets every derived field, as done when an asset is copied.
func (a *Asset) Cleanse() {
	a.DerivedState = DerivedState{
		ReportedConditionType:  ConditionUnknown,
		EstimatedConditionType: ConditionUnknown,
		ServiceStatus:          ServiceUnknown,
	}
}

// Validate checks the authoritative fields of a user-initiated edit. System
// writes of derived state do not go through validation.
func (a *Asset) Validate() error {
	if err := validate.Struct(a); err != nil {
		return eris.Wrap(err, "model: validate asset")
	}
	if a.PurchaseDate != nil && a.InServiceDate != nil && a.InServiceDate.Before(*a.PurchaseDate) {
		return eris.New("model: in service date precedes purchase date")
	}
	return nil
}

// Date returns the UTC midnight of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DatePtr is Date returning a pointer.
func DatePtr(year int, month time.Month, day int) *time.Time {
	t := Date(year, month, day)
	return &t
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
