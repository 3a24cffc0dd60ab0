package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quick(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

// failing returns fn that fails the first n calls with err and a pointer to
// the call count.
func failing(n int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	t.Parallel()
	transient := errors.New("database is locked")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first try", quick(3), 0, transient, 1, false},
		{"recovers", quick(3), 2, transient, 3, false},
		{"exhausted", quick(3), 5, transient, 3, true},
		{"single attempt", quick(1), 1, transient, 1, true},
		{"permanent", quick(5), 5, Permanent(errors.New("no policy")), 1, true},
		{"custom predicate", RetryConfig{
			MaxAttempts: 4, InitialBackoff: time.Millisecond,
			ShouldRetry: func(error) bool { return false },
		}, 5, transient, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fn, calls := failing(tt.failures, tt.err)
			attempts, err := Do(context.Background(), tt.cfg, fn)
			assert.Equal(t, tt.wantCalls, attempts)
			assert.Equal(t, tt.wantCalls, *calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, IsPermanent(tt.err), IsPermanent(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := quick(10)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	cfg.OnRetry = func(int, error) { cancel() }

	fn, calls := failing(10, errors.New("timeout"))
	attempts, err := Do(ctx, cfg, fn)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
}

func TestDo_OnRetryAttempts(t *testing.T) {
	t.Parallel()
	cfg := quick(4)
	var seen []int
	cfg.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	fn, _ := failing(3, errors.New("busy"))
	_, err := Do(context.Background(), cfg, fn)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	fn, calls := failing(0, nil)
	attempts, err := Do(context.Background(), RetryConfig{}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
}

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(30))
}

func TestRetryConfig_DelayJitter(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2, JitterFraction: 0.5}

	distinct := map[time.Duration]struct{}{}
	for range 50 {
		d := cfg.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
		distinct[d] = struct{}{}
	}
	assert.Greater(t, len(distinct), 1)
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { RetryLogger("asset-1")(2, errors.New("busy")) })
}
