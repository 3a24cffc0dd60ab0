package sogr

import (
	"time"

	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
)

// applyDisposition copies the latest disposition onto the state. Without a
// disposition event a disposed asset reverts to active with its service
// status restored from the latest service status event.
func applyDisposition(st *model.DerivedState, disposition, status *model.AssetEvent) {
	if disposition != nil {
		st.DispositionDate = model.Ptr(disposition.EventDate)
		st.DispositionType = disposition.Payload.DispositionType
		st.ServiceStatus = model.ServiceDisposed
		st.ServiceStatusDate = model.Ptr(disposition.EventDate)
		return
	}
	if st.DispositionDate == nil && st.ServiceStatus != model.ServiceDisposed {
		return
	}
	st.DispositionDate = nil
	st.DispositionType = ""
	_ = applyServiceStatus(st, status)
}

func applyServiceStatus(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.ServiceStatus = model.ServiceUnknown
		st.ServiceStatusDate = nil
		return nil
	}
	st.ServiceStatus = ev.Payload.ServiceStatus
	st.ServiceStatusDate = model.Ptr(ev.EventDate)
	return nil
}

func applyReportedCondition(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.ReportedConditionType = model.ConditionUnknown
		st.ReportedConditionRating = nil
		st.ReportedConditionDate = nil
		return nil
	}
	rating := *ev.Payload.AssessedRating
	st.ReportedConditionRating = &rating
	st.ReportedConditionDate = model.Ptr(ev.EventDate)
	st.ReportedConditionType = model.ConditionTypeFromRating(&rating)
	return nil
}

func applyLocation(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.ParentID = nil
		st.LocationComments = ""
		return nil
	}
	st.ParentID = nil
	if ev.Payload.ParentID != nil {
		st.ParentID = model.Ptr(*ev.Payload.ParentID)
	}
	st.LocationComments = ev.Comments
	return nil
}

func applyRehabilitation(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.LastRehabilitationDate = nil
		return nil
	}
	st.LastRehabilitationDate = model.Ptr(ev.EventDate)
	st.ScheduledRehabilitationYear = nil
	return nil
}

// applyScheduleReplacement keeps the previous schedule when no event exists,
// unlike the rehabilitation and disposition schedules. An event without a
// reason keeps the previous reason.
func applyScheduleReplacement(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		return nil
	}
	if ev.Payload.ReplacementYear != nil {
		st.ScheduledReplacementYear = model.Ptr(*ev.Payload.ReplacementYear)
	}
	if ev.Payload.ReplacementReasonID != nil {
		st.ReplacementReasonID = model.Ptr(*ev.Payload.ReplacementReasonID)
	}
	return nil
}

// applyScheduleRehabilitation only honors a schedule made after the last
// rehabilitation.
func applyScheduleRehabilitation(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.ScheduledRehabilitationYear = nil
		return nil
	}
	if last := st.LastRehabilitationDate; last != nil && !ev.EventDate.After(*last) {
		st.ScheduledRehabilitationYear = nil
		return nil
	}
	st.ScheduledRehabilitationYear = model.Ptr(*ev.Payload.RebuildYear)
	return nil
}

func applyScheduleDisposition(st *model.DerivedState, ev *model.AssetEvent) error {
	if ev == nil {
		st.ScheduledDispositionYear = nil
		return nil
	}
	st.ScheduledDispositionYear = model.Ptr(*ev.Payload.DispositionYear)
	return nil
}

// projection runs the policy calculators for one asset.
type projection struct {
	registry     *calculator.Registry
	calendar     fiscal.Calendar
	policy       *model.Policy
	rule         model.PolicyRule
	ruleErr      error
	planningYear int
	asOf         time.Time
	rehabs       []model.AssetEvent
}

// input snapshots the asset with the state computed so far.
func (p *projection) input(a *model.Asset, st *model.DerivedState, asOf time.Time) calculator.Input {
	snap := *a
	snap.DerivedState = *st
	return calculator.Input{
		Asset:           &snap,
		Policy:          p.policy,
		Rule:            p.rule,
		Calendar:        p.calendar,
		AsOf:            asOf,
		Rehabilitations: p.rehabs,
	}
}

// policyReplacement sets the policy replacement year and the backlog flag. A
// backlogged asset is scheduled for the planning year; otherwise the
// schedule follows the policy year.
func (p *projection) policyReplacement(a *model.Asset, st *model.DerivedState) error {
	if p.ruleErr != nil {
		return p.ruleErr
	}
	calc, err := p.registry.ServiceLife(p.rule.ServiceLifeCalculation)
	if err != nil {
		return err
	}
	year, err := calc.Calculate(p.input(a, st, p.asOf))
	if err != nil {
		return err
	}

	st.ExpectedUsefulLife = p.rule.MinServiceLifeMonths
	st.PolicyReplacementYear = &year
	st.InBacklog = year < p.planningYear
	if st.InBacklog {
		st.ScheduledReplacementYear = model.Ptr(p.planningYear)
	} else {
		st.ScheduledReplacementYear = model.Ptr(year)
	}
	return nil
}

func (p *projection) estimatedCondition(a *model.Asset, st *model.DerivedState) error {
	if p.ruleErr != nil {
		return p.ruleErr
	}
	est, err := p.registry.Condition(p.rule.ConditionEstimation)
	if err != nil {
		return err
	}
	e, err := est.Estimate(p.input(a, st, p.asOf))
	if err != nil {
		return err
	}
	st.EstimatedReplacementYear = model.Ptr(e.LastServiceableYear + 1)
	st.EstimatedConditionRating = model.Ptr(e.Rating)
	st.EstimatedConditionType = model.ConditionTypeFromRating(st.EstimatedConditionRating)
	return nil
}

func (p *projection) policyRehabilitation(a *model.Asset, st *model.DerivedState) error {
	if p.ruleErr != nil {
		return p.ruleErr
	}
	calc, err := p.registry.Rehabilitation(p.rule.RehabilitationCalculation)
	if err != nil {
		return err
	}
	year, err := calc.Calculate(p.input(a, st, p.asOf))
	if err != nil {
		return err
	}
	st.PolicyRehabilitationYear = year
	return nil
}

// estimatedCost prices the replacement at the start of the governing year:
// the scheduled year for backlogged assets, the policy year otherwise.
func (p *projection) estimatedCost(a *model.Asset, st *model.DerivedState) error {
	year := st.PolicyReplacementYear
	if st.InBacklog {
		year = st.ScheduledReplacementYear
	}
	cost, err := p.cost(a, st, year)
	if err != nil {
		return err
	}
	st.EstimatedReplacementCost = &cost
	return nil
}

// scheduledCost prices the replacement at the scheduled year, falling back
// to the policy year.
func (p *projection) scheduledCost(a *model.Asset, st *model.DerivedState) error {
	year := st.ScheduledReplacementYear
	if year == nil {
		year = st.PolicyReplacementYear
	}
	cost, err := p.cost(a, st, year)
	if err != nil {
		return err
	}
	st.ScheduledReplacementCost = &cost
	return nil
}

func (p *projection) cost(a *model.Asset, st *model.DerivedState, year *int) (int64, error) {
	if p.ruleErr != nil {
		return 0, p.ruleErr
	}
	if year == nil {
		return 0, ErrNoReplacementYear
	}
	calc, err := p.registry.Cost(p.rule.CostCalculation)
	if err != nil {
		return 0, err
	}
	return calc.Calculate(p.input(a, st, p.calendar.StartOf(*year)))
}
