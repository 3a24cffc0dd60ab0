package sogr

import (
	"context"
	"errors"
	"time"

	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/policy"
)

// Step names one unit of the recalculation.
type Step string

const (
	StepDisposition            Step = "disposition"
	StepServiceStatus          Step = "service_status"
	StepReportedCondition      Step = "reported_condition"
	StepLocation               Step = "location"
	StepRehabilitation         Step = "rehabilitation"
	StepScheduleReplacement    Step = "schedule_replacement"
	StepScheduleRehabilitation Step = "schedule_rehabilitation"
	StepScheduleDisposition    Step = "schedule_disposition"
	StepPolicyReplacement      Step = "policy_replacement_year"
	StepEstimatedCondition     Step = "estimated_condition"
	StepPolicyRehabilitation   Step = "policy_rehabilitation_year"
	StepEstimatedCost          Step = "estimated_replacement_cost"
	StepScheduledCost          Step = "scheduled_replacement_cost"
)

// frozenSteps are the steps a disposed asset skips.
var frozenSteps = []Step{
	StepServiceStatus,
	StepReportedCondition,
	StepLocation,
	StepRehabilitation,
	StepScheduleReplacement,
	StepScheduleRehabilitation,
	StepScheduleDisposition,
	StepPolicyReplacement,
	StepEstimatedCondition,
	StepPolicyRehabilitation,
	StepEstimatedCost,
	StepScheduledCost,
}

// Outcome is the result of one step.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

var (
	// ErrFrozen marks steps skipped because the asset is disposed.
	ErrFrozen = errors.New("sogr: asset is disposed")
	// ErrNoReplacementYear is returned by the cost steps when no policy or
	// scheduled replacement year is known.
	ErrNoReplacementYear = errors.New("sogr: no replacement year to price")
)

// StepResult records the outcome of one step. Err is nil for ok steps; for
// ok steps with an ignored invalid event it carries the reason.
type StepResult struct {
	Step    Step    `json:"step"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
	Err     error   `json:"-"`
}

// Result is the outcome of one recalculation.
type Result struct {
	AssetKey     string             `json:"asset_key"`
	PlanningYear int                `json:"planning_year"`
	Frozen       bool               `json:"frozen"`
	Changed      bool               `json:"changed"`
	Steps        []StepResult       `json:"steps"`
	State        model.DerivedState `json:"state"`
	Duration     time.Duration      `json:"duration"`
}

// Outcome returns the outcome of a step, or "" when the step did not run.
func (r *Result) Outcome(step Step) Outcome {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Outcome
		}
	}
	return ""
}

// Failed returns the failed steps.
func (r *Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			out = append(out, s)
		}
	}
	return out
}

func (r *Result) record(step Step, outcome Outcome, err error) {
	sr := StepResult{Step: step, Outcome: outcome, Err: err}
	if err != nil {
		sr.Error = err.Error()
	}
	r.Steps = append(r.Steps, sr)
}

// Alert describes a failed step.
type Alert struct {
	AssetKey       string    `json:"asset_key"`
	OrganizationID int64     `json:"organization_id"`
	Step           Step      `json:"step"`
	Error          string    `json:"error"`
	At             time.Time `json:"at"`
}

// Sink receives alerts for failed steps. Report is called after the
// recalculation commits and must not block for long.
type Sink interface {
	Report(ctx context.Context, alert Alert)
}

type nopSink struct{}

func (nopSink) Report(context.Context, Alert) {}

// skippable reports whether a step error means the step could not apply
// rather than that a calculator broke.
func skippable(err error) bool {
	var invalid *model.InvalidEventDataError
	var unresolved *calculator.ResolutionError
	return errors.As(err, &invalid) ||
		errors.As(err, &unresolved) ||
		errors.Is(err, policy.ErrNoPolicyRule) ||
		errors.Is(err, ErrNoReplacementYear) ||
		errors.Is(err, ErrFrozen)
}
