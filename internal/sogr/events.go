package sogr

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

// history holds the latest usable event of each kind for one asset. An
// invalid latest event is dropped and its category treated as absent; the
// reason is kept in invalid.
type history struct {
	latest  map[model.EventKind]*model.AssetEvent
	invalid map[model.EventKind]error
	rehabs  []model.AssetEvent
}

func (h *history) get(kind model.EventKind) *model.AssetEvent {
	return h.latest[kind]
}

// loadHistory reads the latest event of each kind. Store errors are
// returned; bad event data, including an undecodable stored payload, is not.
func loadHistory(ctx context.Context, tx store.Store, a *model.Asset, kinds ...model.EventKind) (*history, error) {
	h := &history{
		latest:  make(map[model.EventKind]*model.AssetEvent, len(kinds)),
		invalid: make(map[model.EventKind]error),
	}
	behavior, err := a.Behavior()
	if err != nil {
		return nil, eris.Wrapf(err, "sogr: asset %s", a.ObjectKey)
	}

	for _, kind := range kinds {
		ev, err := tx.LatestEvent(ctx, a.ID, kind)
		if isInvalid(err) {
			h.invalid[kind] = err
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sogr: latest %s event", kind)
		}
		if ev == nil {
			continue
		}
		if err := checkEvent(a, behavior, ev); err != nil {
			h.invalid[kind] = err
			continue
		}
		if kind == model.EventLocation && ev.Payload.ParentID != nil {
			if err := checkParent(ctx, tx, a, ev); err != nil {
				if !isInvalid(err) {
					return nil, err
				}
				h.invalid[kind] = err
				continue
			}
		}
		h.latest[kind] = ev
	}
	return h, nil
}

// loadRehabilitations reads every valid rehabilitation event, most recent
// first.
func (h *history) loadRehabilitations(ctx context.Context, tx store.Store, a *model.Asset) error {
	events, err := tx.ListEvents(ctx, a.ID, model.EventFilter{Kinds: []model.EventKind{model.EventRehabilitation}})
	if err != nil {
		return eris.Wrap(err, "sogr: list rehabilitation events")
	}
	h.rehabs = h.rehabs[:0]
	for i := range events {
		if events[i].Validate() == nil {
			h.rehabs = append(h.rehabs, events[i])
		}
	}
	return nil
}

func checkEvent(a *model.Asset, behavior model.ClassBehavior, ev *model.AssetEvent) error {
	if !behavior.AllowsEvent(ev.Kind) {
		return &model.InvalidEventDataError{
			EventKey: ev.ObjectKey,
			Kind:     ev.Kind,
			Reason:   "kind not accepted by " + string(a.Class) + " assets",
		}
	}
	return ev.Validate()
}

// checkParent rejects a location parent that is unknown, belongs to another
// organization or would close a cycle.
func checkParent(ctx context.Context, tx store.Store, a *model.Asset, ev *model.AssetEvent) error {
	links, err := tx.ListAssetLinks(ctx, a.OrganizationID)
	if err != nil {
		return eris.Wrap(err, "sogr: list asset links")
	}
	arena := model.NewArena(links)
	if err := arena.ValidateParent(a.ID, *ev.Payload.ParentID); err != nil {
		return &model.InvalidEventDataError{EventKey: ev.ObjectKey, Kind: ev.Kind, Reason: err.Error()}
	}
	return nil
}

func isInvalid(err error) bool {
	var invalid *model.InvalidEventDataError
	return errors.As(err, &invalid)
}
