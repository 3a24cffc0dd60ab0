package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/resilience"
)

// DeadLetterStore reads and updates the dead-letter queue.
type DeadLetterStore interface {
	DeadLetterWriter
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// ReplayResult counts the outcome of a dead-letter replay.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replay re-enqueues the due dead-letter entries matching filter. Entries
// whose enqueue succeeds are removed; the others have their retry counter
// incremented and their next attempt pushed back. With an Inline dispatcher
// success means the recalculation itself went through.
func Replay(ctx context.Context, dlq DeadLetterStore, d Dispatcher, filter resilience.DLQFilter, retry resilience.RetryConfig) (ReplayResult, error) {
	var res ReplayResult

	entries, err := dlq.DequeueDLQ(ctx, filter)
	if err != nil {
		return res, eris.Wrap(err, "jobs: list dead letters")
	}

	for _, e := range entries {
		log := zap.L().With(zap.String("asset", e.AssetKey), zap.String("entry", e.ID))

		enqErr := d.Enqueue(ctx, e.AssetKey)
		if enqErr == nil {
			if err := dlq.RemoveDLQ(ctx, e.ID); err != nil {
				return res, eris.Wrapf(err, "jobs: remove dead letter %s", e.ID)
			}
			res.Replayed++
			log.Info("jobs: dead letter replayed")
			continue
		}

		res.Failed++
		next := time.Now().Add(retry.Delay(e.RetryCount))
		if err := dlq.IncrementDLQRetry(ctx, e.ID, next, enqErr.Error()); err != nil {
			return res, eris.Wrapf(err, "jobs: bump dead letter %s", e.ID)
		}
		log.Warn("jobs: dead letter replay failed",
			zap.Int("retry_count", e.RetryCount+1),
			zap.Time("next_retry_at", next),
			zap.Error(enqErr),
		)
	}
	return res, nil
}
