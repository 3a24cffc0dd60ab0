package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/config"
	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/resilience"
)

const (
	// WorkflowName is the registered name of the recalculation workflow.
	WorkflowName = "RecalculateAsset"
	// SignalRecalculate asks a running workflow to recalculate again.
	SignalRecalculate = "recalculate"
	// ErrTypePermanent marks activity errors that must not be retried.
	ErrTypePermanent = "PermanentRecalculationError"
)

// WorkflowID is the workflow id for an asset. One workflow runs per asset.
func WorkflowID(assetKey string) string {
	return "sogr-recalc-" + assetKey
}

// WorkflowInput starts a recalculation workflow. The retry settings travel
// with the input so workers apply the dispatcher's policy.
type WorkflowInput struct {
	AssetKey           string        `json:"asset_key"`
	MaximumAttempts    int32         `json:"maximum_attempts"`
	InitialInterval    time.Duration `json:"initial_interval"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
}

// Outcome summarizes one recalculation activity.
type Outcome struct {
	Changed     bool `json:"changed"`
	Frozen      bool `json:"frozen"`
	FailedSteps int  `json:"failed_steps"`
	Runs        int  `json:"runs"`
}

// DeadLetterInput records a workflow that gave up.
type DeadLetterInput struct {
	AssetKey  string `json:"asset_key"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
	Attempts  int    `json:"attempts"`
}

// Activities hosts the recalculation activities on a worker.
type Activities struct {
	engine Recalculator
	dlq    DeadLetterWriter
	now    func() time.Time
}

// NewActivities creates the activity set.
func NewActivities(engine Recalculator, dlq DeadLetterWriter) *Activities {
	return &Activities{engine: engine, dlq: dlq, now: time.Now}
}

// Recalculate runs the engine for one asset. Missing policies and missing
// assets fail without retry.
func (a *Activities) Recalculate(ctx context.Context, assetKey string) (*Outcome, error) {
	res, err := a.engine.Recalculate(ctx, assetKey)
	if err != nil {
		if resilience.IsPermanent(permanent(err)) {
			metrics.IncJob("temporal", "permanent")
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePermanent, err)
		}
		metrics.IncJob("temporal", "error")
		return nil, err
	}
	metrics.IncJob("temporal", "ok")
	return &Outcome{Changed: res.Changed, Frozen: res.Frozen, FailedSteps: len(res.Failed())}, nil
}

// DeadLetter writes a dead-letter entry for a workflow that gave up.
func (a *Activities) DeadLetter(ctx context.Context, in DeadLetterInput) error {
	cause := errors.New(in.Error)
	if in.Permanent {
		cause = resilience.Permanent(cause)
	} else {
		cause = resilience.NewTransientError(cause)
	}
	entry := resilience.NewDLQEntry(in.AssetKey, "temporal", cause, in.Attempts, a.now())
	metrics.IncDLQ(entry.ErrorType)
	return eris.Wrapf(a.dlq.EnqueueDLQ(ctx, entry), "jobs: dead-letter %s", in.AssetKey)
}

// RecalculateWorkflow recalculates one asset, then once more for every batch
// of recalculate signals that arrived while it ran. When the activity gives
// up the asset is dead-lettered and the workflow fails.
func RecalculateWorkflow(ctx workflow.Context, in WorkflowInput) (*Outcome, error) {
	var acts *Activities
	signals := workflow.GetSignalChannel(ctx, SignalRecalculate)
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.InitialInterval,
			BackoffCoefficient:     in.BackoffCoefficient,
			MaximumInterval:        in.MaximumInterval,
			MaximumAttempts:        in.MaximumAttempts,
			NonRetryableErrorTypes: []string{ErrTypePermanent},
		},
	})

	total := &Outcome{}
	for {
		drain(signals)

		var out Outcome
		if err := workflow.ExecuteActivity(actx, acts.Recalculate, in.AssetKey).Get(actx, &out); err != nil {
			var appErr *temporal.ApplicationError
			dl := DeadLetterInput{
				AssetKey:  in.AssetKey,
				Error:     err.Error(),
				Permanent: errors.As(err, &appErr) && appErr.NonRetryable(),
				Attempts:  int(in.MaximumAttempts),
			}
			dctx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second})
			if dErr := workflow.ExecuteActivity(dctx, acts.DeadLetter, dl).Get(dctx, nil); dErr != nil {
				workflow.GetLogger(ctx).Error("dead-letter failed", "asset", in.AssetKey, "error", dErr)
			}
			return nil, err
		}

		total.Runs++
		total.Changed = total.Changed || out.Changed
		total.Frozen = out.Frozen
		total.FailedSteps = out.FailedSteps

		if !drain(signals) {
			return total, nil
		}
	}
}

// drain consumes pending signals and reports whether there were any.
func drain(ch workflow.ReceiveChannel) bool {
	got := false
	var key string
	for ch.ReceiveAsync(&key) {
		got = true
	}
	return got
}

// Temporal dispatches recalculations as workflows. Enqueue signals the
// asset's running workflow or starts a new one.
type Temporal struct {
	client    client.Client
	taskQueue string
	retry     resilience.RetryConfig
}

// NewTemporal creates a Temporal dispatcher on an existing client.
func NewTemporal(c client.Client, taskQueue string, retry resilience.RetryConfig) *Temporal {
	return &Temporal{client: c, taskQueue: taskQueue, retry: retry}
}

// Enqueue signals or starts the asset's workflow.
func (t *Temporal) Enqueue(ctx context.Context, assetKey string) error {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(assetKey),
		TaskQueue: t.taskQueue,
	}
	_, err := t.client.SignalWithStartWorkflow(ctx, opts.ID, SignalRecalculate, assetKey, opts, WorkflowName, t.input(assetKey))
	if err != nil {
		metrics.IncJob("temporal", "enqueue_error")
		return eris.Wrapf(err, "jobs: start workflow for %s", assetKey)
	}
	metrics.IncJob("temporal", "enqueued")
	return nil
}

// Close closes the underlying client.
func (t *Temporal) Close() error {
	t.client.Close()
	return nil
}

func (t *Temporal) input(assetKey string) WorkflowInput {
	in := WorkflowInput{
		AssetKey:           assetKey,
		MaximumAttempts:    int32(t.retry.MaxAttempts),
		InitialInterval:    t.retry.InitialBackoff,
		MaximumInterval:    t.retry.MaxBackoff,
		BackoffCoefficient: t.retry.Multiplier,
	}
	if in.MaximumAttempts <= 0 {
		in.MaximumAttempts = 3
	}
	if in.BackoffCoefficient < 1 {
		in.BackoffCoefficient = 2
	}
	return in
}

// Dial connects to Temporal using the configured host and namespace.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{s: zap.L().Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker registers the workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(RecalculateWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(acts)
	return w
}

// zapLogger adapts zap to the Temporal SDK logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

var _ log.Logger = zapLogger{}

func (l zapLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
