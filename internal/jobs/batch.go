package jobs

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transam/sogr/internal/policy"
)

// BatchResult counts the outcome of a batch recalculation.
type BatchResult struct {
	Succeeded int64 `json:"succeeded"`
	Changed   int64 `json:"changed"`
	NoPolicy  int64 `json:"no_policy"`
	Failed    int64 `json:"failed"`
}

// RecalculateAll recalculates keys with at most concurrency in flight.
// Individual failures are logged and counted; only context cancellation
// aborts the batch.
func RecalculateAll(ctx context.Context, engine Recalculator, keys []string, concurrency int) (BatchResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	zap.L().Info("jobs: batch recalculation",
		zap.Int("assets", len(keys)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, changed, noPolicy, failed atomic.Int64
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := engine.Recalculate(gctx, key)
			switch {
			case err == nil:
				succeeded.Add(1)
				if res.Changed {
					changed.Add(1)
				}
			case policy.IsNotFound(err):
				noPolicy.Add(1)
			default:
				failed.Add(1)
				zap.L().Error("jobs: recalculation failed", zap.String("asset", key), zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	res := BatchResult{
		Succeeded: succeeded.Load(),
		Changed:   changed.Load(),
		NoPolicy:  noPolicy.Load(),
		Failed:    failed.Load(),
	}
	zap.L().Info("jobs: batch complete",
		zap.Int64("succeeded", res.Succeeded),
		zap.Int64("changed", res.Changed),
		zap.Int64("no_policy", res.NoPolicy),
		zap.Int64("failed", res.Failed),
	)
	return res, eris.Wrap(err, "jobs: batch recalculation")
}
