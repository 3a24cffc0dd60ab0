package sogr

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/policy"
	"github.com/transam/sogr/internal/store"
)

// testNow falls in FY2023, so the planning year is 2024.
var testNow = time.Date(2023, time.September, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Report(_ context.Context, a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	st     *store.SQLiteStore
	dbPath string
	org    *model.Organization
	engine *Engine
	cache  *cache.Memory
	sink   *recordingSink
}

func baseRule() model.PolicyRule {
	return model.PolicyRule{
		AssetSubtypeID:             10,
		ServiceLifeCalculation:     model.ServiceLifeAgeOnly,
		ConditionEstimation:        model.ConditionStraightLine,
		CostCalculation:            model.CostReplacement,
		MinServiceLifeMonths:       144,
		ReplacementCost:            100000,
		CostFiscalYear:             2020,
		RehabilitationServiceMonth: 72,
		ExtendedServiceLifeMonths:  12,
	}
}

func newFixture(t *testing.T, rules ...model.PolicyRule) *fixture {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sogr.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	org := &model.Organization{ShortName: "metro", Name: "Metro Transit"}
	require.NoError(t, st.SaveOrganization(ctx, org))

	if len(rules) > 0 {
		p := &model.Policy{
			OrganizationID:     org.ID,
			Name:               "metro policy",
			ConditionThreshold: 2.5,
			InflationRate:      decimal.RequireFromString("0.03"),
			Rules:              map[int64]model.PolicyRule{},
		}
		for _, r := range rules {
			p.Rules[r.AssetSubtypeID] = r
		}
		require.NoError(t, st.SavePolicy(ctx, p))
	}

	mem := cache.NewMemory()
	sink := &recordingSink{}
	engine := New(st,
		policy.NewResolver(st, mem, time.Minute),
		calculator.NewRegistry(),
		fiscal.New(7, 0),
		WithCache(mem),
		WithSink(sink),
		WithClock(func() time.Time { return testNow }),
	)
	return &fixture{t: t, ctx: ctx, st: st, dbPath: dbPath, org: org, engine: engine, cache: mem, sink: sink}
}

func (f *fixture) newAsset(tag string, subtype int64, class model.AssetClass) *model.Asset {
	f.t.Helper()
	a := &model.Asset{
		OrganizationID:  f.org.ID,
		AssetTypeID:     1,
		AssetSubtypeID:  subtype,
		Class:           class,
		AssetTag:        tag,
		ManufactureYear: 2014,
		PurchaseCost:    50000,
		PurchaseDate:    model.DatePtr(2015, time.January, 1),
		InServiceDate:   model.DatePtr(2015, time.January, 1),
	}
	a.Cleanse()
	require.NoError(f.t, f.st.CreateAsset(f.ctx, a))
	return a
}

func (f *fixture) bus(tag string) *model.Asset {
	return f.newAsset(tag, 10, model.ClassVehicle)
}

func (f *fixture) event(a *model.Asset, kind model.EventKind, date time.Time, payload model.EventPayload) *model.AssetEvent {
	f.t.Helper()
	e := &model.AssetEvent{AssetID: a.ID, Kind: kind, EventDate: date, Payload: payload}
	require.NoError(f.t, f.st.CreateEvent(f.ctx, e))
	return e
}

// corruptLatest overwrites the stored payload of the asset's latest event of
// kind with truncated JSON.
func (f *fixture) corruptLatest(a *model.Asset, kind model.EventKind) {
	f.t.Helper()
	db, err := sql.Open("sqlite", f.dbPath)
	require.NoError(f.t, err)
	defer db.Close() //nolint:errcheck

	ev, err := f.st.LatestEvent(f.ctx, a.ID, kind)
	require.NoError(f.t, err)
	require.NotNil(f.t, ev)
	_, err = db.ExecContext(f.ctx, `UPDATE asset_events SET payload = '{"assessed_rating":' WHERE id = ?`, ev.ID)
	require.NoError(f.t, err)
}

func (f *fixture) recalc(a *model.Asset) *Result {
	f.t.Helper()
	res, err := f.engine.Recalculate(f.ctx, a.ObjectKey)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) stored(a *model.Asset) model.DerivedState {
	f.t.Helper()
	got, err := f.st.GetAsset(f.ctx, a.ObjectKey)
	require.NoError(f.t, err)
	return got.DerivedState
}

func TestRecalculate_NoEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")

	res := f.recalc(a)
	assert.True(t, res.Changed)
	assert.False(t, res.Frozen)
	assert.Equal(t, 2024, res.PlanningYear)
	assert.Empty(t, res.Failed())

	st := f.stored(a)
	assert.Equal(t, model.ServiceUnknown, st.ServiceStatus)
	assert.Nil(t, st.ServiceStatusDate)
	assert.Equal(t, model.ConditionUnknown, st.ReportedConditionType)
	assert.Nil(t, st.ReportedConditionRating)
	assert.Equal(t, 144, st.ExpectedUsefulLife)
	assert.Equal(t, model.Ptr(2026), st.PolicyReplacementYear)
	assert.False(t, st.InBacklog)
	assert.Equal(t, model.Ptr(2026), st.ScheduledReplacementYear)
	assert.Equal(t, model.Ptr(2027), st.EstimatedReplacementYear)
	require.NotNil(t, st.EstimatedConditionRating)
	assert.InDelta(t, 3.19, *st.EstimatedConditionRating, 0.01)
	assert.Equal(t, model.ConditionAdequate, st.EstimatedConditionType)
	assert.Equal(t, model.Ptr(2020), st.PolicyRehabilitationYear)
	assert.Equal(t, model.Ptr(int64(119405)), st.EstimatedReplacementCost)
	assert.Equal(t, model.Ptr(int64(119405)), st.ScheduledReplacementCost)
}

func TestRecalculate_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2021, time.March, 1), model.EventPayload{AssessedRating: model.Ptr(3.5)})
	f.event(a, model.EventServiceStatus, model.Date(2022, time.May, 1), model.EventPayload{ServiceStatus: model.ServiceSpare})
	f.event(a, model.EventRehabilitation, model.Date(2022, time.February, 1), model.EventPayload{ExtendedLifeMonths: model.Ptr(24)})

	first := f.recalc(a)
	assert.True(t, first.Changed)
	second := f.recalc(a)
	assert.False(t, second.Changed)
	assert.True(t, first.State.Equal(second.State))
	assert.True(t, second.State.Equal(f.stored(a)))
}

func TestRecalculate_LatestConditionWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2020, time.January, 1), model.EventPayload{AssessedRating: model.Ptr(3.0)})
	latest := f.event(a, model.EventCondition, model.Date(2021, time.June, 1), model.EventPayload{AssessedRating: model.Ptr(4.0)})

	f.recalc(a)
	st := f.stored(a)
	assert.Equal(t, model.Ptr(4.0), st.ReportedConditionRating)
	assert.Equal(t, model.DatePtr(2021, time.June, 1), st.ReportedConditionDate)
	assert.Equal(t, model.ConditionGood, st.ReportedConditionType)

	// Deleting the latest event falls back to the previous one.
	require.NoError(t, f.st.DeleteEvent(f.ctx, latest.ObjectKey))
	f.recalc(a)
	st = f.stored(a)
	assert.Equal(t, model.Ptr(3.0), st.ReportedConditionRating)
	assert.Equal(t, model.DatePtr(2020, time.January, 1), st.ReportedConditionDate)
	assert.Equal(t, model.ConditionAdequate, st.ReportedConditionType)
}

func TestRecalculate_DeleteMatchesNeverHad(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	with := f.bus("BUS-1")
	without := f.bus("BUS-2")

	for _, a := range []*model.Asset{with, without} {
		f.event(a, model.EventServiceStatus, model.Date(2019, time.July, 1), model.EventPayload{ServiceStatus: model.ServiceInService})
	}
	extra := f.event(with, model.EventServiceStatus, model.Date(2022, time.July, 1), model.EventPayload{ServiceStatus: model.ServiceOutOfService})

	f.recalc(with)
	assert.Equal(t, model.ServiceOutOfService, f.stored(with).ServiceStatus)
	require.NoError(t, f.st.DeleteEvent(f.ctx, extra.ObjectKey))

	f.recalc(with)
	f.recalc(without)
	assert.True(t, f.stored(with).Equal(f.stored(without)))
}

func TestRecalculate_Backlog(t *testing.T) {
	t.Parallel()
	rule := baseRule()
	rule.MinServiceLifeMonths = 48
	f := newFixture(t, rule)
	a := f.bus("BUS-1")

	f.recalc(a)
	st := f.stored(a)
	assert.Equal(t, model.Ptr(2018), st.PolicyReplacementYear)
	assert.True(t, st.InBacklog)
	assert.Equal(t, model.Ptr(2024), st.ScheduledReplacementYear)
	assert.Equal(t, model.Ptr(int64(112551)), st.EstimatedReplacementCost)
	assert.Equal(t, model.Ptr(int64(112551)), st.ScheduledReplacementCost)
}

func TestRecalculate_DisposalFreeze(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventServiceStatus, model.Date(2020, time.January, 1), model.EventPayload{ServiceStatus: model.ServiceSpare})
	f.recalc(a)
	before := f.stored(a)

	disposal := f.event(a, model.EventDisposition, model.Date(2023, time.March, 1),
		model.EventPayload{DispositionType: model.DispositionPublicSale})
	res := f.recalc(a)
	assert.True(t, res.Frozen)
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepReportedCondition))

	st := f.stored(a)
	assert.Equal(t, model.DatePtr(2023, time.March, 1), st.DispositionDate)
	assert.Equal(t, model.DispositionPublicSale, st.DispositionType)
	assert.Equal(t, model.ServiceDisposed, st.ServiceStatus)

	// Later events do not move a disposed asset.
	f.event(a, model.EventCondition, model.Date(2023, time.April, 1), model.EventPayload{AssessedRating: model.Ptr(1.5)})
	f.event(a, model.EventScheduleDisposition, model.Date(2023, time.April, 1), model.EventPayload{DispositionYear: model.Ptr(2030)})
	f.recalc(a)
	frozen := f.stored(a)
	assert.Equal(t, before.ReportedConditionType, frozen.ReportedConditionType)
	assert.Equal(t, before.ReportedConditionRating, frozen.ReportedConditionRating)
	assert.Equal(t, before.ScheduledDispositionYear, frozen.ScheduledDispositionYear)
	assert.Equal(t, before.ScheduledReplacementYear, frozen.ScheduledReplacementYear)

	// Deleting the only disposition event reverts the asset.
	require.NoError(t, f.st.DeleteEvent(f.ctx, disposal.ObjectKey))
	res = f.recalc(a)
	assert.False(t, res.Frozen)
	st = f.stored(a)
	assert.Nil(t, st.DispositionDate)
	assert.Empty(t, st.DispositionType)
	assert.Equal(t, model.ServiceSpare, st.ServiceStatus)
	assert.Equal(t, model.Ptr(1.5), st.ReportedConditionRating)
}

func TestRecordDisposition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventDisposition, model.Date(2023, time.March, 1), model.EventPayload{DispositionType: model.DispositionScrapped})

	res, err := f.engine.RecordDisposition(f.ctx, a.ObjectKey)
	require.NoError(t, err)
	assert.True(t, res.Frozen)
	assert.Len(t, res.Steps, 1)

	st := f.stored(a)
	assert.Equal(t, model.DispositionScrapped, st.DispositionType)
	assert.Equal(t, model.ServiceDisposed, st.ServiceStatus)
	assert.Nil(t, st.PolicyReplacementYear)
}

func TestRecordDisposition_RevertsWithoutEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	state := a.DerivedState
	state.DispositionDate = model.DatePtr(2022, time.January, 1)
	state.DispositionType = model.DispositionLost
	state.ServiceStatus = model.ServiceDisposed
	require.NoError(t, f.st.SaveDerivedState(f.ctx, a.ID, state))

	_, err := f.engine.RecordDisposition(f.ctx, a.ObjectKey)
	require.NoError(t, err)
	st := f.stored(a)
	assert.Nil(t, st.DispositionDate)
	assert.Equal(t, model.ServiceUnknown, st.ServiceStatus)
}

func TestRecalculate_MissingPolicyLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2021, time.June, 1), model.EventPayload{AssessedRating: model.Ptr(4.0)})
	before := f.stored(a)

	_, err := f.engine.Recalculate(f.ctx, a.ObjectKey)
	var nf *policy.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, f.org.ID, nf.OrganizationID)
	assert.True(t, before.Equal(f.stored(a)))
}

func TestRecalculate_UnknownAsset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	_, err := f.engine.Recalculate(f.ctx, "no-such-asset")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRecalculate_UnresolvedCalculatorIsSkipped(t *testing.T) {
	t.Parallel()
	rule := baseRule()
	rule.CostCalculation = "cost_by_guesswork"
	f := newFixture(t, rule)
	a := f.bus("BUS-1")

	res := f.recalc(a)
	assert.Equal(t, OutcomeOK, res.Outcome(StepPolicyReplacement))
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepEstimatedCost))
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepScheduledCost))
	assert.Empty(t, f.sink.alerts)

	st := f.stored(a)
	assert.Equal(t, model.Ptr(2026), st.PolicyReplacementYear)
	assert.Nil(t, st.EstimatedReplacementCost)
}

func TestRecalculate_MissingRuleSkipsPolicySteps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.newAsset("EQ-1", 99, model.ClassEquipment)
	f.event(a, model.EventServiceStatus, model.Date(2022, time.July, 1), model.EventPayload{ServiceStatus: model.ServiceInService})

	res := f.recalc(a)
	assert.Equal(t, OutcomeOK, res.Outcome(StepServiceStatus))
	for _, s := range []Step{StepPolicyReplacement, StepEstimatedCondition, StepPolicyRehabilitation, StepEstimatedCost, StepScheduledCost} {
		assert.Equal(t, OutcomeSkipped, res.Outcome(s), s)
	}
	assert.Equal(t, model.ServiceInService, f.stored(a).ServiceStatus)
}

func TestRecalculate_CalculatorFailureIsIsolated(t *testing.T) {
	t.Parallel()
	rule := baseRule()
	rule.MinServiceLifeMonths = 0
	f := newFixture(t, rule)
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2021, time.June, 1), model.EventPayload{AssessedRating: model.Ptr(4.0)})

	res := f.recalc(a)
	assert.Equal(t, OutcomeFailed, res.Outcome(StepPolicyReplacement))
	assert.Equal(t, OutcomeFailed, res.Outcome(StepEstimatedCondition))
	assert.Equal(t, OutcomeOK, res.Outcome(StepPolicyRehabilitation))
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepEstimatedCost))
	assert.Len(t, res.Failed(), 2)

	st := f.stored(a)
	assert.Equal(t, model.Ptr(4.0), st.ReportedConditionRating)
	assert.Nil(t, st.PolicyReplacementYear)
	assert.Equal(t, model.Ptr(2020), st.PolicyRehabilitationYear)

	require.Len(t, f.sink.alerts, 2)
	assert.Equal(t, a.ObjectKey, f.sink.alerts[0].AssetKey)
	assert.Equal(t, StepPolicyReplacement, f.sink.alerts[0].Step)
	assert.Equal(t, f.org.ID, f.sink.alerts[0].OrganizationID)
}

func TestRecalculate_InvalidEventTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2021, time.June, 1), model.EventPayload{AssessedRating: model.Ptr(7.0)})

	res := f.recalc(a)
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepReportedCondition))
	st := f.stored(a)
	assert.Equal(t, model.ConditionUnknown, st.ReportedConditionType)
	assert.Nil(t, st.ReportedConditionRating)
}

func TestRecalculate_LocationCycleRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	depot := f.bus("DEPOT")
	bus := f.bus("BUS-1")

	f.event(bus, model.EventLocation, model.Date(2022, time.January, 1), model.EventPayload{ParentID: model.Ptr(depot.ID)})
	f.recalc(bus)
	assert.Equal(t, model.Ptr(depot.ID), f.stored(bus).ParentID)

	f.event(depot, model.EventLocation, model.Date(2022, time.February, 1), model.EventPayload{ParentID: model.Ptr(bus.ID)})
	res := f.recalc(depot)
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepLocation))
	assert.Nil(t, f.stored(depot).ParentID)
}

func TestRecalculate_FacilitiesHaveNoLocationStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, model.PolicyRule{
		AssetSubtypeID:         20,
		ServiceLifeCalculation: model.ServiceLifeAgeOnly,
		ConditionEstimation:    model.ConditionAgeBased,
		CostCalculation:        model.CostPurchasePrice,
		MinServiceLifeMonths:   480,
	})
	a := f.newAsset("FAC-1", 20, model.ClassFacility)

	res := f.recalc(a)
	assert.Equal(t, Outcome(""), res.Outcome(StepLocation))
	assert.Equal(t, model.Ptr(int64(50000)), f.stored(a).EstimatedReplacementCost)
}

func TestRecalculate_RehabilitationSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventRehabilitation, model.Date(2022, time.January, 1), model.EventPayload{})
	f.event(a, model.EventScheduleRehabilitation, model.Date(2021, time.June, 1), model.EventPayload{RebuildYear: model.Ptr(2025)})

	f.recalc(a)
	st := f.stored(a)
	assert.Equal(t, model.DatePtr(2022, time.January, 1), st.LastRehabilitationDate)
	assert.Nil(t, st.ScheduledRehabilitationYear)
	assert.Nil(t, st.PolicyRehabilitationYear)
	// The rule adds 12 months per rehabilitation.
	assert.Equal(t, model.Ptr(2027), st.PolicyReplacementYear)

	f.event(a, model.EventScheduleRehabilitation, model.Date(2022, time.June, 1), model.EventPayload{RebuildYear: model.Ptr(2026)})
	f.recalc(a)
	assert.Equal(t, model.Ptr(2026), f.stored(a).ScheduledRehabilitationYear)
}

func TestRecalculate_ScheduleAsymmetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.st.SavePolicy(f.ctx, &model.Policy{OrganizationID: f.org.ID, Name: "empty", Rules: map[int64]model.PolicyRule{}}))
	a := f.bus("BUS-1")

	replacement := f.event(a, model.EventScheduleReplacement, model.Date(2022, time.January, 1),
		model.EventPayload{ReplacementYear: model.Ptr(2030), ReplacementReasonID: model.Ptr(2)})
	disposition := f.event(a, model.EventScheduleDisposition, model.Date(2022, time.January, 1),
		model.EventPayload{DispositionYear: model.Ptr(2031)})

	f.recalc(a)
	st := f.stored(a)
	assert.Equal(t, model.Ptr(2030), st.ScheduledReplacementYear)
	assert.Equal(t, model.Ptr(2), st.ReplacementReasonID)
	assert.Equal(t, model.Ptr(2031), st.ScheduledDispositionYear)

	require.NoError(t, f.st.DeleteEvent(f.ctx, replacement.ObjectKey))
	require.NoError(t, f.st.DeleteEvent(f.ctx, disposition.ObjectKey))
	f.recalc(a)
	st = f.stored(a)
	assert.Equal(t, model.Ptr(2030), st.ScheduledReplacementYear)
	assert.Nil(t, st.ScheduledDispositionYear)
}

func TestRecalculate_InvalidatesAssetCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	require.NoError(t, f.cache.Set(f.ctx, cache.AssetKey(a.ObjectKey), []byte("stale"), time.Hour))

	f.recalc(a)
	_, ok, err := f.cache.Get(f.ctx, cache.AssetKey(a.ObjectKey))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecalculate_InvalidatesCacheWithoutDerivedChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	require.True(t, f.recalc(a).Changed)

	key := cache.AssetKey(a.ObjectKey)
	require.NoError(t, f.cache.Set(f.ctx, key, []byte(`{"description":"old"}`), time.Hour))
	a.Description = "articulated bus"
	require.NoError(t, f.st.UpdateAsset(f.ctx, a))

	res := f.recalc(a)
	assert.False(t, res.Changed)
	_, ok, err := f.cache.Get(f.ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecalculate_ScheduleReplacementKeepsReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.st.SavePolicy(f.ctx, &model.Policy{OrganizationID: f.org.ID, Name: "empty", Rules: map[int64]model.PolicyRule{}}))
	a := f.bus("BUS-1")

	f.event(a, model.EventScheduleReplacement, model.Date(2022, time.January, 1),
		model.EventPayload{ReplacementYear: model.Ptr(2030), ReplacementReasonID: model.Ptr(2)})
	f.recalc(a)
	require.Equal(t, model.Ptr(2), f.stored(a).ReplacementReasonID)

	f.event(a, model.EventScheduleReplacement, model.Date(2022, time.June, 1),
		model.EventPayload{ReplacementYear: model.Ptr(2032)})
	f.recalc(a)
	st := f.stored(a)
	assert.Equal(t, model.Ptr(2032), st.ScheduledReplacementYear)
	assert.Equal(t, model.Ptr(2), st.ReplacementReasonID)
}

func TestRecalculate_UndecodablePayloadTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseRule())
	a := f.bus("BUS-1")
	f.event(a, model.EventCondition, model.Date(2021, time.June, 1), model.EventPayload{AssessedRating: model.Ptr(3.0)})
	f.corruptLatest(a, model.EventCondition)

	res := f.recalc(a)
	assert.Equal(t, OutcomeSkipped, res.Outcome(StepReportedCondition))
	assert.Equal(t, OutcomeOK, res.Outcome(StepServiceStatus))
	assert.Equal(t, model.ConditionUnknown, f.stored(a).ReportedConditionType)
}

func TestStep_RecoversPanics(t *testing.T) {
	t.Parallel()
	r := &recalc{
		asset:  &model.Asset{ObjectKey: "bus-1"},
		state:  model.DerivedState{ServiceStatus: model.ServiceInService},
		result: &Result{},
	}
	r.step(StepServiceStatus, nil, func(st *model.DerivedState) error {
		st.ServiceStatus = model.ServiceSpare
		panic("calculator exploded")
	})

	assert.Equal(t, OutcomeFailed, r.result.Outcome(StepServiceStatus))
	assert.Contains(t, r.result.Steps[0].Error, "calculator exploded")
	assert.Equal(t, model.ServiceInService, r.state.ServiceStatus)
}

func TestSkippable(t *testing.T) {
	t.Parallel()
	assert.True(t, skippable(&model.InvalidEventDataError{Kind: model.EventCondition}))
	assert.True(t, skippable(&calculator.ResolutionError{Capability: calculator.CapCost}))
	assert.True(t, skippable(ErrNoReplacementYear))
	assert.False(t, skippable(errors.New("division by zero")))
}
