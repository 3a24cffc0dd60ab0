package store

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/transam/sogr/internal/model"
)

// decodePayload fills the event payload from its stored JSON. Undecodable
// data is reported as invalid event data so a recalculation treats the
// category as absent.
func decodePayload(e *model.AssetEvent, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &e.Payload); err != nil {
		return &model.InvalidEventDataError{
			EventKey: e.ObjectKey,
			Kind:     e.Kind,
			Reason:   "undecodable payload: " + err.Error(),
		}
	}
	return nil
}

func isUndecodable(err error) bool {
	var invalid *model.InvalidEventDataError
	return errors.As(err, &invalid)
}

// skipUndecodable logs an event dropped from a listing.
func skipUndecodable(err error) {
	zap.L().Warn("store: skipping event with undecodable payload", zap.Error(err))
}

// validateSuccessor checks a superseded-by link against the organization's
// current links. A successor outside the organization is unknown to it.
func validateSuccessor(ctx context.Context, st Store, organizationID, assetID, successorID int64) error {
	links, err := st.ListAssetLinks(ctx, organizationID)
	if err != nil {
		return err
	}
	return model.NewArena(links).ValidateSuccessor(assetID, successorID)
}
