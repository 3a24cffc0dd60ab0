package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionTypeFromRating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rating *float64
		want   ConditionType
	}{
		{name: "nil", rating: nil, want: ConditionUnknown},
		{name: "perfect", rating: Ptr(5.0), want: ConditionExcellent},
		{name: "excellent floor", rating: Ptr(4.8), want: ConditionExcellent},
		{name: "good", rating: Ptr(4.0), want: ConditionGood},
		{name: "adequate", rating: Ptr(3.0), want: ConditionAdequate},
		{name: "marginal", rating: Ptr(2.5), want: ConditionMarginal},
		{name: "poor", rating: Ptr(1.0), want: ConditionPoor},
		{name: "below poor", rating: Ptr(0.5), want: ConditionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ConditionTypeFromRating(tt.rating))
		})
	}
}

func TestServiceStatusAndDispositionCodes(t *testing.T) {
	t.Parallel()
	assert.True(t, ServiceInService.Valid())
	assert.False(t, ServiceStatus("X").Valid())
	assert.Equal(t, "Disposed", ServiceDisposed.Name())
	assert.Equal(t, "Unknown", ServiceStatus("X").Name())
	assert.True(t, DispositionScrapped.Valid())
	assert.False(t, DispositionType("").Valid())
	assert.Equal(t, "Trade-In", DispositionTradeIn.Name())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()
	date := Date(2023, time.March, 1)

	tests := []struct {
		name    string
		event   AssetEvent
		wantErr string
	}{
		{
			name:  "condition ok",
			event: AssetEvent{Kind: EventCondition, EventDate: date, Payload: EventPayload{AssessedRating: Ptr(3.5)}},
		},
		{
			name:    "condition missing rating",
			event:   AssetEvent{Kind: EventCondition, EventDate: date},
			wantErr: "assessed rating is required",
		},
		{
			name:    "condition out of range",
			event:   AssetEvent{Kind: EventCondition, EventDate: date, Payload: EventPayload{AssessedRating: Ptr(6.0)}},
			wantErr: "outside",
		},
		{
			name:    "missing date",
			event:   AssetEvent{Kind: EventCondition, Payload: EventPayload{AssessedRating: Ptr(3.0)}},
			wantErr: "event date is required",
		},
		{
			name:    "unknown kind",
			event:   AssetEvent{Kind: "mileage_update", EventDate: date},
			wantErr: "unknown event kind",
		},
		{
			name:    "service status disposed not assignable",
			event:   AssetEvent{Kind: EventServiceStatus, EventDate: date, Payload: EventPayload{ServiceStatus: ServiceDisposed}},
			wantErr: "not assignable",
		},
		{
			name:  "service status ok",
			event: AssetEvent{Kind: EventServiceStatus, EventDate: date, Payload: EventPayload{ServiceStatus: ServiceSpare}},
		},
		{
			name:    "location self parent",
			event:   AssetEvent{AssetID: 7, Kind: EventLocation, EventDate: date, Payload: EventPayload{ParentID: Ptr(int64(7))}},
			wantErr: "own parent",
		},
		{
			name:    "disposition unknown type",
			event:   AssetEvent{Kind: EventDisposition, EventDate: date, Payload: EventPayload{DispositionType: "Z"}},
			wantErr: "disposition type",
		},
		{
			name:  "schedule replacement reason only",
			event: AssetEvent{Kind: EventScheduleReplacement, EventDate: date, Payload: EventPayload{ReplacementReasonID: Ptr(2)}},
		},
		{
			name:    "schedule replacement year out of range",
			event:   AssetEvent{Kind: EventScheduleReplacement, EventDate: date, Payload: EventPayload{ReplacementYear: Ptr(1800)}},
			wantErr: "out of range",
		},
		{
			name:    "schedule rehabilitation missing year",
			event:   AssetEvent{Kind: EventScheduleRehabilitation, EventDate: date},
			wantErr: "rebuild year is required",
		},
		{
			name:    "schedule disposition missing year",
			event:   AssetEvent{Kind: EventScheduleDisposition, EventDate: date},
			wantErr: "disposition year is required",
		},
		{
			name:    "rehabilitation negative cost",
			event:   AssetEvent{Kind: EventRehabilitation, EventDate: date, Payload: EventPayload{TotalCost: Ptr(int64(-1))}},
			wantErr: "total cost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.event.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var invalid *InvalidEventDataError
			require.True(t, errors.As(err, &invalid))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEventFilterMatches(t *testing.T) {
	t.Parallel()
	e := &AssetEvent{Kind: EventCondition}
	assert.True(t, EventFilter{}.Matches(e))
	assert.True(t, EventFilter{Kinds: []EventKind{EventLocation, EventCondition}}.Matches(e))
	assert.False(t, EventFilter{Kinds: []EventKind{EventLocation}}.Matches(e))
}

func TestParseEventKind(t *testing.T) {
	t.Parallel()
	k, err := ParseEventKind("disposition_update")
	require.NoError(t, err)
	assert.Equal(t, EventDisposition, k)

	_, err = ParseEventKind("bogus")
	assert.Error(t, err)
}

func TestClassBehavior(t *testing.T) {
	t.Parallel()

	vehicle, err := BehaviorFor(ClassVehicle)
	require.NoError(t, err)
	assert.True(t, vehicle.AllowsEvent(EventLocation))
	assert.Len(t, vehicle.EventKinds(), len(AllEventKinds))

	facility, err := BehaviorFor(ClassFacility)
	require.NoError(t, err)
	assert.False(t, facility.AllowsEvent(EventLocation))
	assert.True(t, facility.AllowsEvent(EventCondition))

	_, err = BehaviorFor("boat")
	assert.Error(t, err)

	c, err := ParseAssetClass("track")
	require.NoError(t, err)
	assert.Equal(t, ClassTrack, c)
}

func testAsset() *Asset {
	return &Asset{
		ObjectKey:       "a-1",
		OrganizationID:  1,
		AssetTypeID:     1,
		AssetSubtypeID:  10,
		Class:           ClassVehicle,
		AssetTag:        "BUS-001",
		ManufactureYear: 2015,
		PurchaseCost:    450000,
		PurchaseDate:    DatePtr(2015, time.June, 1),
		InServiceDate:   DatePtr(2015, time.August, 15),
		PurchasedNew:    true,
	}
}

func TestAssetValidate(t *testing.T) {
	t.Parallel()

	a := testAsset()
	assert.NoError(t, a.Validate())

	a.AssetTag = "THIS-TAG-IS-TOO-LONG"
	assert.Error(t, a.Validate())

	a = testAsset()
	a.ManufactureYear = 1850
	assert.Error(t, a.Validate())

	a = testAsset()
	a.InServiceDate = DatePtr(2015, time.January, 1)
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precedes purchase date")
}

func TestAssetMonthsInServiceAndAge(t *testing.T) {
	t.Parallel()

	a := testAsset()
	assert.Equal(t, 0, a.MonthsInService(Date(2015, time.August, 1)))
	assert.Equal(t, 11, a.MonthsInService(Date(2016, time.August, 14)))
	assert.Equal(t, 12, a.MonthsInService(Date(2016, time.August, 15)))
	assert.Equal(t, 5, a.Age(Date(2020, time.September, 1)))

	a.InServiceDate = nil
	assert.Equal(t, 0, a.MonthsInService(Date(2020, time.September, 1)))
	assert.Equal(t, 5, a.Age(Date(2020, time.January, 1)))
}

func TestAssetDisposable(t *testing.T) {
	t.Parallel()

	a := testAsset()
	assert.False(t, a.Disposable(2024), "no policy year")

	a.PolicyReplacementYear = Ptr(2024)
	assert.True(t, a.Disposable(2024))
	assert.False(t, a.Disposable(2023))

	a.DispositionDate = DatePtr(2024, time.January, 5)
	assert.True(t, a.Disposed())
	assert.False(t, a.Disposable(2030))
}

func TestAssetCleanse(t *testing.T) {
	t.Parallel()

	a := testAsset()
	a.PolicyReplacementYear = Ptr(2027)
	a.InBacklog = true
	a.ReportedConditionRating = Ptr(3.2)
	a.Cleanse()

	assert.Nil(t, a.PolicyReplacementYear)
	assert.False(t, a.InBacklog)
	assert.Nil(t, a.ReportedConditionRating)
	assert.Equal(t, ConditionUnknown, a.ReportedConditionType)
	assert.Equal(t, ServiceUnknown, a.ServiceStatus)
	assert.Equal(t, "BUS-001", a.AssetTag)
}

func TestDerivedStateEqual(t *testing.T) {
	t.Parallel()

	a := DerivedState{PolicyReplacementYear: Ptr(2030), ServiceStatusDate: DatePtr(2020, time.May, 1)}
	b := DerivedState{PolicyReplacementYear: Ptr(2030), ServiceStatusDate: DatePtr(2020, time.May, 1)}
	assert.True(t, a.Equal(b))

	local := time.Date(2020, time.May, 1, 0, 0, 0, 0, time.UTC).In(time.FixedZone("X", 3600))
	b.ServiceStatusDate = &local
	assert.True(t, a.Equal(b), "same instant in another zone")

	b.PolicyReplacementYear = Ptr(2031)
	assert.False(t, a.Equal(b))
}

func TestArena(t *testing.T) {
	t.Parallel()

	arena := NewArena([]Link{
		{ID: 1, OrganizationID: 1},
		{ID: 2, OrganizationID: 1, ParentID: Ptr(int64(1))},
		{ID: 3, OrganizationID: 1, ParentID: Ptr(int64(2)), SupersededByID: Ptr(int64(4))},
		{ID: 4, OrganizationID: 1},
		{ID: 5, OrganizationID: 2},
	})
	assert.Equal(t, 5, arena.Len())

	p, ok := arena.Parent(3)
	require.True(t, ok)
	assert.Equal(t, int64(2), p)
	assert.Equal(t, []int64{2, 1}, arena.Ancestors(3))

	s, ok := arena.SupersededBy(3)
	require.True(t, ok)
	assert.Equal(t, int64(4), s)
	assert.Equal(t, []int64{3}, arena.Supersedes(4))

	assert.NoError(t, arena.ValidateParent(4, 3))
	assert.ErrorIs(t, arena.ValidateParent(1, 3), ErrCycle)
	assert.ErrorIs(t, arena.ValidateParent(2, 2), ErrSelfLink)
	assert.ErrorIs(t, arena.ValidateParent(5, 1), ErrForeignLink)
	assert.ErrorIs(t, arena.ValidateParent(99, 1), ErrUnknownAsset)

	assert.ErrorIs(t, arena.ValidateSuccessor(4, 3), ErrCycle)
	assert.NoError(t, arena.ValidateSuccessor(1, 4))
}

func TestPolicyThreshold(t *testing.T) {
	t.Parallel()
	p := &Policy{}
	assert.InDelta(t, DefaultConditionThreshold, p.Threshold(), 0.0001)
	p.ConditionThreshold = 3.0
	assert.InDelta(t, 3.0, p.Threshold(), 0.0001)
}
