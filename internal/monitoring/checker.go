package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/transam/sogr/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically compares queue health against the configured
// thresholds.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker wires a collector to an alerter.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().Named("monitor"),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs > 0 {
		return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}
	return defaultCheckInterval
}

// Run checks immediately and then once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	every := c.interval()
	c.log.Info("monitor started",
		zap.Duration("every", every),
		zap.Int("dlq_threshold", c.cfg.DLQThreshold),
		zap.Float64("backlog_threshold", c.cfg.BacklogThreshold),
	)
	defer c.log.Info("monitor stopped")

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check takes one snapshot and delivers the alerts it raises, returning how
// many were raised.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("collect snapshot", zap.Error(err))
		return 0
	}

	raised := c.alerter.Evaluate(snap)
	if n := len(raised); n > 0 {
		delivered := c.alerter.SendAlerts(ctx, raised)
		c.log.Info("alerts raised", zap.Int("raised", n), zap.Int("delivered", delivered))
		return n
	}
	c.log.Debug("healthy",
		zap.Int("dlq_depth", snap.DLQDepth),
		zap.Float64("backlog_ratio", snap.BacklogRatio),
	)
	return 0
}
