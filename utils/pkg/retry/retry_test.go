package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return http.StatusText(int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestEarnings_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("read tcp: connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("wraps last error when attempts run out", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("connection refused")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.ErrorIs(t, err, orig)
		require.Equal(t, 3, attempts)
		require.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("invalid amount")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.Equal(t, orig, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable predicate", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig()
		cfg.Retryable = func(err error) bool { return err.Error() == "again" }
		attempts := 0
		v, err := DoValue(context.Background(), cfg, func() (int, error) {
			attempts++
			if attempts == 1 {
				return 0, errors.New("again")
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("respects context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestEarnings_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"429", statusErr(http.StatusTooManyRequests), true},
		{"503", statusErr(http.StatusServiceUnavailable), true},
		{"400", statusErr(http.StatusBadRequest), false},
		{"conn busy", errors.New("conn busy"), true},
		{"validation", errors.New("amount must be positive"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestEarnings_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 6; attempt++ {
		b := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		require.LessOrEqual(t, b, time.Second)
		require.GreaterOrEqual(t, b, 50*time.Millisecond)
	}
}
