// Package jobs dispatches asset recalculations: inline, through a local
// worker pool, or as Temporal workflows.
package jobs

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/policy"
	"github.com/transam/sogr/internal/resilience"
	"github.com/transam/sogr/internal/sogr"
	"github.com/transam/sogr/internal/store"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("jobs: dispatcher closed")
	// ErrQueueFull is returned when the local queue cannot take more keys.
	ErrQueueFull = errors.New("jobs: queue full")
)

// Dispatcher schedules asset recalculations. Delivery is at least once;
// recalculation is idempotent so duplicates are harmless.
type Dispatcher interface {
	Enqueue(ctx context.Context, assetKey string) error
	Close() error
}

// Recalculator is the engine entry point a dispatcher drives.
type Recalculator interface {
	Recalculate(ctx context.Context, assetKey string) (*sogr.Result, error)
}

// DeadLetterWriter records jobs that exhausted their attempts.
type DeadLetterWriter interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// Inline runs recalculations synchronously in the caller's goroutine.
type Inline struct {
	engine Recalculator
}

// NewInline creates an Inline dispatcher.
func NewInline(engine Recalculator) *Inline {
	return &Inline{engine: engine}
}

// Enqueue recalculates the asset before returning.
func (d *Inline) Enqueue(ctx context.Context, assetKey string) error {
	_, err := d.engine.Recalculate(ctx, assetKey)
	if err != nil {
		metrics.IncJob("inline", "error")
		return eris.Wrapf(err, "jobs: recalculate %s", assetKey)
	}
	metrics.IncJob("inline", "ok")
	return nil
}

// Close is a no-op.
func (d *Inline) Close() error { return nil }

// permanent marks errors no retry can fix: a missing policy or asset.
func permanent(err error) error {
	if policy.IsNotFound(err) || errors.Is(err, store.ErrNotFound) {
		return resilience.Permanent(err)
	}
	return err
}

// deadLetterable reports whether a failed job belongs in the dead-letter
// queue. Jobs for assets that no longer exist are dropped.
func deadLetterable(err error) bool {
	return !errors.Is(err, store.ErrNotFound)
}
