package calculator

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
)

func testInput() Input {
	a := &model.Asset{
		ObjectKey:       "bus-1",
		AssetSubtypeID:  10,
		ManufactureYear: 2014,
		PurchaseCost:    50000,
		PurchaseDate:    model.DatePtr(2015, time.January, 1),
		InServiceDate:   model.DatePtr(2015, time.January, 1),
	}
	a.Cleanse()
	return Input{
		Asset: a,
		Policy: &model.Policy{
			ConditionThreshold: 2.5,
			InflationRate:      decimal.RequireFromString("0.03"),
		},
		Rule: model.PolicyRule{
			AssetSubtypeID:             10,
			ServiceLifeCalculation:     model.ServiceLifeAgeOnly,
			ConditionEstimation:        model.ConditionStraightLine,
			CostCalculation:            model.CostReplacement,
			MinServiceLifeMonths:       144,
			ReplacementCost:            100000,
			CostFiscalYear:             2020,
			RehabilitationServiceMonth: 72,
			ExtendedServiceLifeMonths:  6,
		},
		Calendar: fiscal.New(7, 0),
		AsOf:     model.Date(2021, time.January, 1),
	}
}

func TestServiceLife(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	tests := []struct {
		name   string
		kind   model.CalculatorKind
		modify func(*Input)
		want   int
	}{
		{"age only", model.ServiceLifeAgeOnly, nil, 2026},
		{"age only with explicit extension", model.ServiceLifeAgeOnly, func(in *Input) {
			in.Rehabilitations = []model.AssetEvent{{Kind: model.EventRehabilitation,
				Payload: model.EventPayload{ExtendedLifeMonths: model.Ptr(24)}}}
		}, 2028},
		{"age only with rule extension", model.ServiceLifeAgeOnly, func(in *Input) {
			in.Rehabilitations = []model.AssetEvent{{Kind: model.EventRehabilitation}}
		}, 2027},
		{"condition only", model.ServiceLifeConditionOnly, nil, 2027},
		{"age and condition takes later", model.ServiceLifeAgeAndCondition, nil, 2027},
		{"age or condition takes earlier", model.ServiceLifeAgeOrCondition, nil, 2026},
		{"condition only anchored on poor rating", model.ServiceLifeConditionOnly, func(in *Input) {
			in.Asset.ReportedConditionRating = model.Ptr(3.0)
			in.Asset.ReportedConditionDate = model.DatePtr(2020, time.January, 1)
		}, 2022},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := testInput()
			if tt.modify != nil {
				tt.modify(&in)
			}
			calc, err := reg.ServiceLife(tt.kind)
			require.NoError(t, err)
			got, err := calc.Calculate(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServiceLife_InvalidRule(t *testing.T) {
	t.Parallel()
	in := testInput()
	in.Rule.MinServiceLifeMonths = 0
	_, err := ageOnly{}.Calculate(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestServiceLife_NoServiceStart(t *testing.T) {
	t.Parallel()
	in := testInput()
	in.Asset.InServiceDate = nil
	in.Asset.PurchaseDate = nil
	in.Asset.ManufactureYear = 0
	_, err := ageOnly{}.Calculate(in)
	assert.True(t, errors.Is(err, ErrNoServiceStart))
}

func TestServiceStart_Fallbacks(t *testing.T) {
	t.Parallel()
	a := &model.Asset{ManufactureYear: 2010, PurchaseDate: model.DatePtr(2011, time.March, 3)}
	got, err := serviceStart(a)
	require.NoError(t, err)
	assert.Equal(t, model.Date(2011, time.March, 3), got)

	a.PurchaseDate = nil
	got, err = serviceStart(a)
	require.NoError(t, err)
	assert.Equal(t, model.Date(2010, time.January, 1), got)
}

func TestConditionEstimate(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	t.Run("straight line from new", func(t *testing.T) {
		t.Parallel()
		est, _ := reg.Condition(model.ConditionStraightLine)
		e, err := est.Estimate(testInput())
		require.NoError(t, err)
		assert.InDelta(t, 3.75, e.Rating, 0.01)
		assert.Equal(t, 2026, e.LastServiceableYear)
	})

	t.Run("straight line anchored on reported condition", func(t *testing.T) {
		t.Parallel()
		in := testInput()
		in.Asset.ReportedConditionRating = model.Ptr(3.0)
		in.Asset.ReportedConditionDate = model.DatePtr(2020, time.January, 1)
		est, _ := reg.Condition(model.ConditionStraightLine)
		e, err := est.Estimate(in)
		require.NoError(t, err)
		assert.Less(t, e.Rating, 3.0)
		assert.Equal(t, 2021, e.LastServiceableYear)
	})

	t.Run("age based ignores reported condition", func(t *testing.T) {
		t.Parallel()
		in := testInput()
		in.Asset.ReportedConditionRating = model.Ptr(1.0)
		in.Asset.ReportedConditionDate = model.DatePtr(2020, time.January, 1)
		est, _ := reg.Condition(model.ConditionAgeBased)
		e, err := est.Estimate(in)
		require.NoError(t, err)
		assert.InDelta(t, 3.75, e.Rating, 0.01)
		assert.Equal(t, 2026, e.LastServiceableYear)
	})

	t.Run("rating floors at zero", func(t *testing.T) {
		t.Parallel()
		in := testInput()
		in.AsOf = model.Date(2060, time.January, 1)
		e, err := straightLine{}.Estimate(in)
		require.NoError(t, err)
		assert.Equal(t, 0.0, e.Rating)
	})

	t.Run("threshold at max leaves no life", func(t *testing.T) {
		t.Parallel()
		in := testInput()
		in.Policy.ConditionThreshold = 5
		_, err := straightLine{}.Estimate(in)
		assert.Error(t, err)
	})
}

func TestCost(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	tests := []struct {
		name string
		kind model.CalculatorKind
		asOf time.Time
		want int64
	}{
		{"purchase price", model.CostPurchasePrice, model.Date(2030, time.August, 1), 50000},
		{"replacement cost inflated two years", model.CostReplacement, model.Date(2022, time.August, 1), 106090},
		{"replacement cost base year", model.CostReplacement, model.Date(2020, time.July, 1), 100000},
		{"replacement cost never deflates", model.CostReplacement, model.Date(2019, time.August, 1), 100000},
		{"purchase price inflated", model.CostPurchasePriceInflated, model.Date(2016, time.August, 1), 53045},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := testInput()
			in.AsOf = tt.asOf
			calc, err := reg.Cost(tt.kind)
			require.NoError(t, err)
			got, err := calc.Calculate(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInflate(t *testing.T) {
	t.Parallel()
	rate := decimal.RequireFromString("0.05")
	assert.Equal(t, int64(1000), Inflate(1000, rate, 0))
	assert.Equal(t, int64(1000), Inflate(1000, rate, -3))
	assert.Equal(t, int64(1050), Inflate(1000, rate, 1))
	assert.Equal(t, int64(1158), Inflate(1000, rate, 3))
	assert.Equal(t, int64(1000), Inflate(1000, decimal.Zero, 10))
}

func TestRehabilitationYear(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Input)
		want   *int
	}{
		{"due six years in", nil, model.Ptr(2020)},
		{"no rehab month", func(in *Input) { in.Rule.RehabilitationServiceMonth = 0 }, nil},
		{"already rehabilitated", func(in *Input) {
			in.Asset.LastRehabilitationDate = model.DatePtr(2021, time.March, 1)
		}, nil},
		{"rehabilitated before due date", func(in *Input) {
			in.Asset.LastRehabilitationDate = model.DatePtr(2019, time.March, 1)
		}, model.Ptr(2020)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := testInput()
			if tt.modify != nil {
				tt.modify(&in)
			}
			got, err := rehabilitationYear{}.Calculate(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_Resolution(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.ServiceLife("service_life_magic")
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CapServiceLife, re.Capability)
	assert.Equal(t, "unknown kind", re.Reason)

	_, err = reg.ServiceLife(model.CostPurchasePrice)
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Reason, "cost calculator")

	_, err = reg.Cost("")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "rule names no calculator", re.Reason)

	rehab, err := reg.Rehabilitation("")
	require.NoError(t, err)
	assert.NotNil(t, rehab)
}

func TestRegistry_ValidateRule(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	assert.NoError(t, reg.ValidateRule(testInput().Rule))

	bad := testInput().Rule
	bad.CostCalculation = model.ConditionAgeBased
	err := reg.ValidateRule(bad)
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CapCost, re.Capability)
}

func TestRegistry_Kinds(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	assert.Equal(t, []model.CalculatorKind{
		model.CostPurchasePrice, model.CostPurchasePriceInflated, model.CostReplacement,
	}, reg.Kinds(CapCost))
	assert.Len(t, reg.Kinds(CapServiceLife), 4)
}
