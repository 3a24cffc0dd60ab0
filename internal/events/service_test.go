package events

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.keys = append(q.keys, key)
	return nil
}

type fixture struct {
	ctx   context.Context
	st    *store.SQLiteStore
	svc   *Service
	queue *recordingQueue
	org   *model.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	org := &model.Organization{ShortName: "metro", Name: "Metro Transit"}
	require.NoError(t, st.SaveOrganization(ctx, org))

	q := &recordingQueue{}
	svc := NewService(st, q, fiscal.New(7, 0))
	svc.now = func() time.Time { return time.Date(2023, time.September, 1, 0, 0, 0, 0, time.UTC) }
	return &fixture{ctx: ctx, st: st, svc: svc, queue: q, org: org}
}

func (f *fixture) asset(t *testing.T, tag string, class model.AssetClass) *model.Asset {
	t.Helper()
	a := &model.Asset{
		OrganizationID:  f.org.ID,
		AssetTypeID:     1,
		AssetSubtypeID:  10,
		Class:           class,
		AssetTag:        tag,
		ManufactureYear: 2012,
		InServiceDate:   model.DatePtr(2012, time.July, 1),
	}
	a.Cleanse()
	require.NoError(t, f.st.CreateAsset(f.ctx, a))
	return a
}

func conditionRequest(rating float64) Request {
	return Request{
		Kind:      model.EventCondition,
		EventDate: time.Date(2023, time.March, 4, 15, 30, 0, 0, time.UTC),
		Payload:   model.EventPayload{AssessedRating: model.Ptr(rating)},
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.asset(t, "BUS-1", model.ClassVehicle)

	ev, err := f.svc.Create(f.ctx, a.ObjectKey, conditionRequest(3.5))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ObjectKey)
	assert.Equal(t, a.ID, ev.AssetID)
	assert.Equal(t, model.Date(2023, time.March, 4), ev.EventDate)
	assert.Equal(t, []string{a.ObjectKey}, f.queue.keys)

	got, err := f.st.GetEvent(f.ctx, ev.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, model.Ptr(3.5), got.Payload.AssessedRating)
}

func TestCreate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		class model.AssetClass
		req   Request
		check func(t *testing.T, err error)
	}{
		{
			name:  "rating out of range",
			class: model.ClassVehicle,
			req:   conditionRequest(6),
			check: func(t *testing.T, err error) {
				var invalid *model.InvalidEventDataError
				assert.True(t, errors.As(err, &invalid))
			},
		},
		{
			name:  "missing date",
			class: model.ClassVehicle,
			req:   Request{Kind: model.EventCondition, Payload: model.EventPayload{AssessedRating: model.Ptr(3.0)}},
			check: func(t *testing.T, err error) {
				var invalid *model.InvalidEventDataError
				require.True(t, errors.As(err, &invalid))
				assert.Contains(t, invalid.Reason, "EventDate")
			},
		},
		{
			name:  "unknown kind",
			class: model.ClassVehicle,
			req:   Request{Kind: "teleport_update", EventDate: time.Now()},
			check: func(t *testing.T, err error) {
				var invalid *model.InvalidEventDataError
				assert.True(t, errors.As(err, &invalid))
			},
		},
		{
			name:  "facilities do not move",
			class: model.ClassFacility,
			req:   Request{Kind: model.EventLocation, EventDate: time.Now()},
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, model.ErrEventKindNotAllowed))
			},
		},
		{
			name:  "comments too long",
			class: model.ClassVehicle,
			req:   Request{Kind: model.EventLocation, EventDate: time.Now(), Comments: strings.Repeat("x", 300)},
			check: func(t *testing.T, err error) {
				var invalid *model.InvalidEventDataError
				require.True(t, errors.As(err, &invalid))
				assert.Contains(t, invalid.Reason, "Comments")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			a := f.asset(t, "A-1", tt.class)
			_, err := f.svc.Create(f.ctx, a.ObjectKey, tt.req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, f.queue.keys)
		})
	}
}

func TestCreate_Disposition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.asset(t, "BUS-1", model.ClassVehicle)
	req := Request{
		Kind:      model.EventDisposition,
		EventDate: time.Date(2023, time.August, 1, 0, 0, 0, 0, time.UTC),
		Payload:   model.EventPayload{DispositionType: model.DispositionPublicSale},
	}

	// No policy replacement year yet.
	_, err := f.svc.Create(f.ctx, a.ObjectKey, req)
	assert.True(t, errors.Is(err, ErrNotDisposable))

	state := a.DerivedState
	state.PolicyReplacementYear = model.Ptr(2030)
	require.NoError(t, f.st.SaveDerivedState(f.ctx, a.ID, state))
	_, err = f.svc.Create(f.ctx, a.ObjectKey, req)
	assert.True(t, errors.Is(err, ErrNotDisposable))

	state.PolicyReplacementYear = model.Ptr(2024)
	require.NoError(t, f.st.SaveDerivedState(f.ctx, a.ID, state))
	_, err = f.svc.Create(f.ctx, a.ObjectKey, req)
	require.NoError(t, err)

	state.DispositionDate = model.DatePtr(2023, time.August, 1)
	require.NoError(t, f.st.SaveDerivedState(f.ctx, a.ID, state))
	_, err = f.svc.Create(f.ctx, a.ObjectKey, req)
	assert.True(t, errors.Is(err, ErrAlreadyDisposed))
}

func TestCreate_UnknownAsset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Create(f.ctx, "missing", conditionRequest(3))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCreate_EnqueueFailureKeepsEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.err = errors.New("queue closed")
	a := f.asset(t, "BUS-1", model.ClassVehicle)

	ev, err := f.svc.Create(f.ctx, a.ObjectKey, conditionRequest(4))
	require.NoError(t, err)
	_, err = f.st.GetEvent(f.ctx, ev.ObjectKey)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.asset(t, "BUS-1", model.ClassVehicle)
	ev, err := f.svc.Create(f.ctx, a.ObjectKey, conditionRequest(3))
	require.NoError(t, err)

	req := conditionRequest(2)
	req.Kind = ""
	updated, err := f.svc.Update(f.ctx, a.ObjectKey, ev.ObjectKey, req)
	require.NoError(t, err)
	assert.Equal(t, model.EventCondition, updated.Kind)
	assert.Len(t, f.queue.keys, 2)

	got, err := f.st.GetEvent(f.ctx, ev.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, model.Ptr(2.0), got.Payload.AssessedRating)
}

func TestUpdate_StaysBound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.asset(t, "BUS-1", model.ClassVehicle)
	b := f.asset(t, "BUS-2", model.ClassVehicle)
	ev, err := f.svc.Create(f.ctx, a.ObjectKey, conditionRequest(3))
	require.NoError(t, err)

	_, err = f.svc.Update(f.ctx, b.ObjectKey, ev.ObjectKey, conditionRequest(2))
	assert.True(t, errors.Is(err, store.ErrEventMismatch))

	req := conditionRequest(2)
	req.Kind = model.EventServiceStatus
	_, err = f.svc.Update(f.ctx, a.ObjectKey, ev.ObjectKey, req)
	assert.True(t, errors.Is(err, store.ErrEventMismatch))

	assert.True(t, errors.Is(f.svc.Delete(f.ctx, b.ObjectKey, ev.ObjectKey), store.ErrEventMismatch))
}

func TestDeleteAndHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.asset(t, "BUS-1", model.ClassVehicle)
	first, err := f.svc.Create(f.ctx, a.ObjectKey, conditionRequest(3))
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx, a.ObjectKey, Request{
		Kind:      model.EventServiceStatus,
		EventDate: time.Date(2023, time.May, 1, 0, 0, 0, 0, time.UTC),
		Payload:   model.EventPayload{ServiceStatus: model.ServiceSpare},
	})
	require.NoError(t, err)

	all, err := f.svc.History(f.ctx, a.ObjectKey, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.EventServiceStatus, all[0].Kind)

	conditions, err := f.svc.History(f.ctx, a.ObjectKey, model.EventFilter{Kinds: []model.EventKind{model.EventCondition}})
	require.NoError(t, err)
	assert.Len(t, conditions, 1)

	_, err = f.svc.History(f.ctx, a.ObjectKey, model.EventFilter{Kinds: []model.EventKind{"bogus"}})
	assert.Error(t, err)

	require.NoError(t, f.svc.Delete(f.ctx, a.ObjectKey, first.ObjectKey))
	assert.Len(t, f.queue.keys, 3)
	_, err = f.st.GetEvent(f.ctx, first.ObjectKey)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
