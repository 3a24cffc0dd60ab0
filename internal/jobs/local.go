package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/resilience"
)

// LocalOptions configures a Local dispatcher.
type LocalOptions struct {
	Workers    int
	QueueSize  int
	RatePerSec float64
	Retry      resilience.RetryConfig
}

type keyState int

const (
	stateQueued keyState = iota + 1
	stateRunning
	stateRunningDirty
)

// Local is an in-process worker pool. A key already waiting in the queue is
// not queued twice; a key enqueued while it runs is run once more after the
// current run finishes.
type Local struct {
	engine  Recalculator
	dlq     DeadLetterWriter
	opts    LocalOptions
	limiter *rate.Limiter
	queue   chan string
	now     func() time.Time

	mu     sync.Mutex
	keys   map[string]keyState
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a Local dispatcher and starts its workers.
func NewLocal(engine Recalculator, dlq DeadLetterWriter, opts LocalOptions) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = resilience.DefaultRetryConfig().MaxAttempts
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	l := &Local{
		engine:  engine,
		dlq:     dlq,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Workers),
		queue:   make(chan string, opts.QueueSize),
		now:     time.Now,
		keys:    make(map[string]keyState),
	}
	for i := 0; i < opts.Workers; i++ {
		l.wg.Add(1)
		go l.work()
	}
	return l
}

// Enqueue schedules a recalculation of assetKey.
func (l *Local) Enqueue(_ context.Context, assetKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	switch l.keys[assetKey] {
	case stateQueued, stateRunningDirty:
		metrics.IncJob("local", "coalesced")
		return nil
	case stateRunning:
		l.keys[assetKey] = stateRunningDirty
		metrics.IncJob("local", "coalesced")
		return nil
	}

	select {
	case l.queue <- assetKey:
		l.keys[assetKey] = stateQueued
		metrics.SetJobsQueued(len(l.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting keys and waits for queued work to finish.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Local) work() {
	defer l.wg.Done()
	for key := range l.queue {
		metrics.SetJobsQueued(len(l.queue))
		l.process(key)
	}
}

func (l *Local) process(key string) {
	ctx := context.Background()

	l.mu.Lock()
	l.keys[key] = stateRunning
	l.mu.Unlock()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			zap.L().Error("jobs: rate limiter", zap.String("asset", key), zap.Error(err))
		}
		l.run(ctx, key)

		l.mu.Lock()
		if l.keys[key] == stateRunningDirty {
			l.keys[key] = stateRunning
			l.mu.Unlock()
			continue
		}
		delete(l.keys, key)
		l.mu.Unlock()
		return
	}
}

func (l *Local) run(ctx context.Context, key string) {
	cfg := l.opts.Retry
	cfg.OnRetry = resilience.RetryLogger(key)

	attempts, err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		_, err := l.engine.Recalculate(ctx, key)
		return permanent(err)
	})
	if err == nil {
		metrics.IncJob("local", "ok")
		return
	}

	log := zap.L().With(zap.String("asset", key), zap.Int("attempts", attempts))
	if !deadLetterable(err) {
		metrics.IncJob("local", "dropped")
		log.Warn("jobs: asset no longer exists, job dropped", zap.Error(err))
		return
	}

	metrics.IncJob("local", "dead_lettered")
	entry := resilience.NewDLQEntry(key, "local", err, l.opts.Retry.MaxAttempts, l.now())
	metrics.IncDLQ(entry.ErrorType)
	if dErr := l.dlq.EnqueueDLQ(ctx, entry); dErr != nil {
		log.Error("jobs: dead-letter write failed", zap.Error(dErr), zap.NamedError("job_error", err))
		return
	}
	log.Error("jobs: recalculation dead-lettered",
		zap.String("error_type", entry.ErrorType),
		zap.Error(err),
	)
}
