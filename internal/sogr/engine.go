// Package sogr recomputes the derived state-of-good-repair fields of an
// asset from its latest events and its organization's lifecycle policy.
package sogr

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/policy"
	"github.com/transam/sogr/internal/store"
)

// PolicyResolver finds the policy governing an asset.
type PolicyResolver interface {
	Resolve(ctx context.Context, a *model.Asset) (*model.Policy, error)
}

// Engine runs recalculations. It is safe for concurrent use; each call
// locks its asset for the duration of one transaction.
type Engine struct {
	store    store.Store
	resolver PolicyResolver
	registry *calculator.Registry
	calendar fiscal.Calendar
	cache    cache.Cache
	sink     Sink
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the cache whose asset entry is dropped after each
// recalculation.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithSink sets the alert sink for failed steps.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the clock used for the evaluation date and planning
// year.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(st store.Store, resolver PolicyResolver, registry *calculator.Registry, cal fiscal.Calendar, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		resolver: resolver,
		registry: registry,
		calendar: cal,
		cache:    cache.Nop{},
		sink:     nopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlanningYear returns the planning year the engine evaluates against.
func (e *Engine) PlanningYear() int {
	return e.calendar.PlanningYear(e.now())
}

// Recalculate recomputes every derived field of an asset and persists the
// changes in one write. Step failures are isolated and reported in the
// Result; only a missing policy and store errors are returned. A missing
// policy leaves the stored state untouched.
func (e *Engine) Recalculate(ctx context.Context, assetKey string) (*Result, error) {
	return e.run(ctx, assetKey, false)
}

// RecordDisposition applies the latest disposition event alone and persists
// the result.
func (e *Engine) RecordDisposition(ctx context.Context, assetKey string) (*Result, error) {
	return e.run(ctx, assetKey, true)
}

func (e *Engine) run(ctx context.Context, assetKey string, dispositionOnly bool) (*Result, error) {
	start := time.Now()
	now := e.now()
	res := &Result{AssetKey: assetKey, PlanningYear: e.calendar.PlanningYear(now)}
	var orgID int64

	err := e.store.WithinTx(ctx, func(tx store.Store) error {
		a, err := tx.LockAsset(ctx, assetKey)
		if err != nil {
			return eris.Wrapf(err, "sogr: lock asset %s", assetKey)
		}
		orgID = a.OrganizationID

		r := &recalc{
			engine: e,
			tx:     tx,
			asset:  a,
			state:  a.DerivedState,
			asOf:   dateOf(now),
			result: res,
		}
		if dispositionOnly {
			err = r.dispositionOnly(ctx)
		} else {
			err = r.all(ctx)
		}
		if err != nil {
			return err
		}

		res.State = r.state
		res.Changed = !a.DerivedState.Equal(r.state)
		if !res.Changed {
			return nil
		}
		return eris.Wrapf(tx.SaveDerivedState(ctx, a.ID, r.state), "sogr: save asset %s", assetKey)
	})
	res.Duration = time.Since(start)

	if err != nil {
		outcome := "error"
		if policy.IsNotFound(err) {
			outcome = "no_policy"
			zap.L().Warn("sogr: no policy, recalculation aborted", zap.String("asset", assetKey), zap.Error(err))
		}
		metrics.ObserveRecalculation(outcome, res.Duration)
		return nil, err
	}

	for _, s := range res.Steps {
		metrics.IncStep(string(s.Step), string(s.Outcome))
	}
	metrics.ObserveRecalculation("ok", res.Duration)

	// Authoritative fields may have changed even when the derived state did
	// not, so the read model is dropped after every run.
	if err := e.cache.Invalidate(ctx, cache.AssetKey(assetKey)); err != nil {
		zap.L().Warn("sogr: cache invalidation failed", zap.String("asset", assetKey), zap.Error(err))
	}
	for _, f := range res.Failed() {
		e.sink.Report(ctx, Alert{
			AssetKey:       assetKey,
			OrganizationID: orgID,
			Step:           f.Step,
			Error:          f.Error,
			At:             now,
		})
	}

	zap.L().Debug("sogr: recalculated",
		zap.String("asset", assetKey),
		zap.Bool("changed", res.Changed),
		zap.Bool("frozen", res.Frozen),
		zap.Int("failed_steps", len(res.Failed())),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// recalc is the working state of one recalculation.
type recalc struct {
	engine *Engine
	tx     store.Store
	asset  *model.Asset
	state  model.DerivedState
	asOf   time.Time
	result *Result
}

func (r *recalc) dispositionOnly(ctx context.Context) error {
	h, err := loadHistory(ctx, r.tx, r.asset, model.EventDisposition, model.EventServiceStatus)
	if err != nil {
		return err
	}
	r.disposition(h)
	r.result.Frozen = r.state.DispositionDate != nil
	return nil
}

func (r *recalc) all(ctx context.Context) error {
	h, err := loadHistory(ctx, r.tx, r.asset, model.AllEventKinds...)
	if err != nil {
		return err
	}

	r.disposition(h)
	if r.state.DispositionDate != nil {
		r.result.Frozen = true
		for _, s := range frozenSteps {
			r.result.record(s, OutcomeSkipped, ErrFrozen)
		}
		return nil
	}

	p, err := r.engine.resolver.Resolve(ctx, r.asset)
	if err != nil {
		return err
	}
	if err := h.loadRehabilitations(ctx, r.tx, r.asset); err != nil {
		return err
	}

	r.step(StepServiceStatus, h.invalid[model.EventServiceStatus], func(st *model.DerivedState) error {
		return applyServiceStatus(st, h.get(model.EventServiceStatus))
	})
	r.step(StepReportedCondition, h.invalid[model.EventCondition], func(st *model.DerivedState) error {
		return applyReportedCondition(st, h.get(model.EventCondition))
	})
	if r.allows(model.EventLocation) {
		r.step(StepLocation, h.invalid[model.EventLocation], func(st *model.DerivedState) error {
			return applyLocation(st, h.get(model.EventLocation))
		})
	}
	r.step(StepRehabilitation, h.invalid[model.EventRehabilitation], func(st *model.DerivedState) error {
		return applyRehabilitation(st, h.get(model.EventRehabilitation))
	})
	r.step(StepScheduleReplacement, h.invalid[model.EventScheduleReplacement], func(st *model.DerivedState) error {
		return applyScheduleReplacement(st, h.get(model.EventScheduleReplacement))
	})
	r.step(StepScheduleRehabilitation, h.invalid[model.EventScheduleRehabilitation], func(st *model.DerivedState) error {
		return applyScheduleRehabilitation(st, h.get(model.EventScheduleRehabilitation))
	})
	r.step(StepScheduleDisposition, h.invalid[model.EventScheduleDisposition], func(st *model.DerivedState) error {
		return applyScheduleDisposition(st, h.get(model.EventScheduleDisposition))
	})

	rule, ruleErr := policy.Rule(p, r.asset.AssetSubtypeID)
	proj := &projection{
		registry:     r.engine.registry,
		calendar:     r.engine.calendar,
		policy:       p,
		rule:         rule,
		ruleErr:      ruleErr,
		planningYear: r.result.PlanningYear,
		asOf:         r.asOf,
		rehabs:       h.rehabs,
	}
	r.step(StepPolicyReplacement, nil, func(st *model.DerivedState) error {
		return proj.policyReplacement(r.asset, st)
	})
	r.step(StepEstimatedCondition, nil, func(st *model.DerivedState) error {
		return proj.estimatedCondition(r.asset, st)
	})
	r.step(StepPolicyRehabilitation, nil, func(st *model.DerivedState) error {
		return proj.policyRehabilitation(r.asset, st)
	})
	r.step(StepEstimatedCost, nil, func(st *model.DerivedState) error {
		return proj.estimatedCost(r.asset, st)
	})
	r.step(StepScheduledCost, nil, func(st *model.DerivedState) error {
		return proj.scheduledCost(r.asset, st)
	})
	return nil
}

func (r *recalc) allows(kind model.EventKind) bool {
	b, err := r.asset.Behavior()
	return err == nil && b.AllowsEvent(kind)
}

// disposition moves the asset between active and disposed.
func (r *recalc) disposition(h *history) {
	applyDisposition(&r.state, h.get(model.EventDisposition), h.get(model.EventServiceStatus))
	if err := h.invalid[model.EventDisposition]; err != nil {
		r.warn(StepDisposition, err)
		r.result.record(StepDisposition, OutcomeSkipped, err)
		return
	}
	r.result.record(StepDisposition, OutcomeOK, nil)
}

// step runs fn against a scratch copy of the state and keeps the copy only
// when fn succeeds, so a failing step leaves its fields at their previous
// values. Panics are recovered and reported as failures. ignored is the
// reason an invalid latest event was treated as absent.
func (r *recalc) step(name Step, ignored error, fn func(st *model.DerivedState) error) {
	scratch := r.state
	err := safely(func() error { return fn(&scratch) })

	switch {
	case err == nil && ignored != nil:
		r.state = scratch
		r.warn(name, ignored)
		r.result.record(name, OutcomeSkipped, ignored)
	case err == nil:
		r.state = scratch
		r.result.record(name, OutcomeOK, nil)
	case skippable(err):
		r.warn(name, err)
		r.result.record(name, OutcomeSkipped, err)
	default:
		zap.L().Error("sogr: step failed",
			zap.String("asset", r.asset.ObjectKey),
			zap.String("step", string(name)),
			zap.Error(err),
		)
		r.result.record(name, OutcomeFailed, err)
	}
}

func (r *recalc) warn(name Step, err error) {
	zap.L().Warn("sogr: step skipped",
		zap.String("asset", r.asset.ObjectKey),
		zap.String("step", string(name)),
		zap.Error(err),
	)
}

func safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sogr: panic: %v", p)
		}
	}()
	return fn()
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
