// Package events implements user-initiated asset event operations. Every
// successful mutation enqueues a recalculation of the event's asset.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

var (
	// ErrAlreadyDisposed is returned when a disposition is recorded for an
	// asset that has already left the inventory.
	ErrAlreadyDisposed = errors.New("events: asset is already disposed")
	// ErrNotDisposable is returned when a disposition is recorded before the
	// asset's policy replacement year.
	ErrNotDisposable = errors.New("events: asset is not yet disposable")
)

// Enqueuer schedules the recalculation of an asset.
type Enqueuer interface {
	Enqueue(ctx context.Context, assetKey string) error
}

// Request is the user-supplied part of an event.
type Request struct {
	Kind      model.EventKind    `json:"kind" validate:"required"`
	EventDate time.Time          `json:"event_date" validate:"required"`
	Comments  string             `json:"comments" validate:"max=254"`
	CreatedBy string             `json:"-" validate:"max=64"`
	Payload   model.EventPayload `json:"payload"`
}

// Service validates and persists events.
type Service struct {
	store    store.Store
	jobs     Enqueuer
	calendar fiscal.Calendar
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a Service.
func NewService(st store.Store, jobs Enqueuer, cal fiscal.Calendar) *Service {
	return &Service{
		store:    st,
		jobs:     jobs,
		calendar: cal,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Create records a new event on an asset.
func (s *Service) Create(ctx context.Context, assetKey string, req Request) (*model.AssetEvent, error) {
	a, err := s.store.GetAsset(ctx, assetKey)
	if err != nil {
		return nil, eris.Wrapf(err, "events: asset %s", assetKey)
	}

	ev := &model.AssetEvent{
		AssetID:   a.ID,
		Kind:      req.Kind,
		EventDate: dateOnly(req.EventDate),
		Comments:  req.Comments,
		CreatedBy: req.CreatedBy,
		Payload:   req.Payload,
	}
	if err := s.check(a, ev, req); err != nil {
		return nil, err
	}
	if ev.Kind == model.EventDisposition {
		if a.Disposed() {
			return nil, eris.Wrapf(ErrAlreadyDisposed, "events: asset %s", assetKey)
		}
		if !a.Disposable(s.calendar.PlanningYear(s.now())) {
			return nil, eris.Wrapf(ErrNotDisposable, "events: asset %s", assetKey)
		}
	}

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, eris.Wrap(err, "events: create")
	}
	s.enqueue(ctx, assetKey, "create", ev)
	return ev, nil
}

// Update replaces the user fields of an existing event. The event stays
// bound to its asset and keeps its kind.
func (s *Service) Update(ctx context.Context, assetKey, eventKey string, req Request) (*model.AssetEvent, error) {
	a, err := s.store.GetAsset(ctx, assetKey)
	if err != nil {
		return nil, eris.Wrapf(err, "events: asset %s", assetKey)
	}
	ev, err := s.store.GetEvent(ctx, eventKey)
	if err != nil {
		return nil, eris.Wrapf(err, "events: event %s", eventKey)
	}
	if ev.AssetID != a.ID || (req.Kind != "" && req.Kind != ev.Kind) {
		return nil, eris.Wrapf(store.ErrEventMismatch, "events: event %s", eventKey)
	}

	req.Kind = ev.Kind
	ev.EventDate = dateOnly(req.EventDate)
	ev.Comments = req.Comments
	ev.Payload = req.Payload
	if err := s.check(a, ev, req); err != nil {
		return nil, err
	}

	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		return nil, eris.Wrapf(err, "events: update %s", eventKey)
	}
	s.enqueue(ctx, assetKey, "update", ev)
	return ev, nil
}

// Delete removes an event. Recalculation then falls back to the previous
// event of the same kind.
func (s *Service) Delete(ctx context.Context, assetKey, eventKey string) error {
	a, err := s.store.GetAsset(ctx, assetKey)
	if err != nil {
		return eris.Wrapf(err, "events: asset %s", assetKey)
	}
	ev, err := s.store.GetEvent(ctx, eventKey)
	if err != nil {
		return eris.Wrapf(err, "events: event %s", eventKey)
	}
	if ev.AssetID != a.ID {
		return eris.Wrapf(store.ErrEventMismatch, "events: event %s", eventKey)
	}
	if err := s.store.DeleteEvent(ctx, eventKey); err != nil {
		return eris.Wrapf(err, "events: delete %s", eventKey)
	}
	s.enqueue(ctx, assetKey, "delete", ev)
	return nil
}

// History lists an asset's events, most recent first.
func (s *Service) History(ctx context.Context, assetKey string, filter model.EventFilter) ([]model.AssetEvent, error) {
	a, err := s.store.GetAsset(ctx, assetKey)
	if err != nil {
		return nil, eris.Wrapf(err, "events: asset %s", assetKey)
	}
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return nil, &model.InvalidEventDataError{Kind: k, Reason: "unknown event kind"}
		}
	}
	list, err := s.store.ListEvents(ctx, a.ID, filter)
	if err != nil {
		return nil, eris.Wrapf(err, "events: history of %s", assetKey)
	}
	return list, nil
}

// check runs the field validator, the asset class's kind filter and the
// kind-specific payload rules.
func (s *Service) check(a *model.Asset, ev *model.AssetEvent, req Request) error {
	if err := s.validate.Struct(req); err != nil {
		return &model.InvalidEventDataError{EventKey: ev.ObjectKey, Kind: ev.Kind, Reason: err.Error()}
	}
	if !ev.Kind.Valid() {
		return &model.InvalidEventDataError{EventKey: ev.ObjectKey, Kind: ev.Kind, Reason: "unknown event kind"}
	}
	behavior, err := a.Behavior()
	if err != nil {
		return eris.Wrapf(err, "events: asset %s", a.ObjectKey)
	}
	if !behavior.AllowsEvent(ev.Kind) {
		return eris.Wrapf(model.ErrEventKindNotAllowed, "events: %s on %s asset", ev.Kind, a.Class)
	}
	return ev.Validate()
}

func (s *Service) enqueue(ctx context.Context, assetKey, op string, ev *model.AssetEvent) {
	if err := s.jobs.Enqueue(ctx, assetKey); err != nil {
		zap.L().Error("events: enqueue recalculation failed",
			zap.String("asset", assetKey),
			zap.String("event", ev.ObjectKey),
			zap.String("op", op),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("events: recalculation enqueued",
		zap.String("asset", assetKey),
		zap.String("event", ev.ObjectKey),
		zap.String("kind", string(ev.Kind)),
		zap.String("op", op),
	)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
