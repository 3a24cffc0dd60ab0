package model

import (
	"errors"
	"fmt"
)

var (
	// ErrEventKindNotAllowed is returned when an asset class does not accept
	// an event kind.
	ErrEventKindNotAllowed = errors.New("model: event kind not allowed for asset class")
	// ErrSelfLink is returned when an asset would link to itself.
	ErrSelfLink = errors.New("model: asset cannot link to itself")
	// ErrCycle is returned when a link would create a cycle.
	ErrCycle = errors.New("model: link would create a cycle")
	// ErrForeignLink is returned when linked assets belong to different
	// organizations.
	ErrForeignLink = errors.New("model: linked assets belong to different organizations")
	// ErrUnknownAsset is returned when a link target is not in the arena.
	ErrUnknownAsset = errors.New("model: unknown asset")
)

// InvalidEventDataError reports an event whose payload is missing or out of
// range for its kind.
type InvalidEventDataError struct {
	EventKey string
	Kind     EventKind
	Reason   string
}

func (e *InvalidEventDataError) Error() string {
	if e.EventKey == "" {
		return fmt.Sprintf("invalid %s event: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s event %s: %s", e.Kind, e.EventKey, e.Reason)
}
