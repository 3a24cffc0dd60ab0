package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/store"
)

// StatsSource is the subset of store.Store the collector reads.
type StatsSource interface {
	CountAssets(ctx context.Context) (store.AssetCounts, error)
	CountDLQ(ctx context.Context) (int, error)
}

// MetricsSnapshot holds the inventory and queue health at one point in time.
type MetricsSnapshot struct {
	AssetsTotal  int       `json:"assets_total"`
	InBacklog    int       `json:"in_backlog"`
	Disposed     int       `json:"disposed"`
	BacklogRatio float64   `json:"backlog_ratio"`
	DLQDepth     int       `json:"dlq_depth"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store StatsSource
}

// NewCollector creates a new Collector.
func NewCollector(st StatsSource) *Collector {
	return &Collector{store: st}
}

// Collect reads asset counts and DLQ depth and publishes them as gauges.
// The backlog ratio is taken over assets that are not disposed.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	counts, err := c.store.CountAssets(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count assets")
	}
	depth, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}

	snap := &MetricsSnapshot{
		AssetsTotal: counts.Total,
		InBacklog:   counts.InBacklog,
		Disposed:    counts.Disposed,
		DLQDepth:    depth,
		CollectedAt: time.Now().UTC(),
	}
	if active := counts.Total - counts.Disposed; active > 0 {
		snap.BacklogRatio = float64(counts.InBacklog) / float64(active)
	}

	metrics.SetDLQDepth(snap.DLQDepth)
	metrics.SetBacklogRatio(snap.BacklogRatio)
	return snap, nil
}
