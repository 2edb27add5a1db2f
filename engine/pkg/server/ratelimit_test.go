package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestEarnings_Server_ActorLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst then refill", func(t *testing.T) {
		t.Parallel()
		clock := enginetesting.NewFakeClock()
		l := newActorLimiter(rate.Limit(1), 2, clock)

		ok, _ := l.allow("ops-1")
		require.True(t, ok)
		ok, _ = l.allow("ops-1")
		require.True(t, ok)
		ok, wait := l.allow("ops-1")
		require.False(t, ok)
		require.Equal(t, time.Second, wait)

		ok, _ = l.allow("ops-2")
		require.True(t, ok, "actors have separate buckets")

		clock.Advance(time.Second)
		ok, _ = l.allow("ops-1")
		require.True(t, ok)
	})

	t.Run("prunes idle actors", func(t *testing.T) {
		t.Parallel()
		clock := enginetesting.NewFakeClock()
		l := newActorLimiter(rate.Limit(1), 1, clock)

		l.allow("a")
		l.allow("b")
		require.Len(t, l.limiters, 2)

		clock.Advance(6 * time.Minute)
		l.allow("b")
		require.Len(t, l.limiters, 1)
		require.Contains(t, l.limiters, "b")
	})
}

func TestEarnings_Server_ListLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  int
	}{
		{"", defaultListLimit},
		{"?limit=5", 5},
		{"?limit=0", defaultListLimit},
		{"?limit=abc", defaultListLimit},
		{"?limit=50000", maxListLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
		require.Equal(t, tt.want, listLimit(r), tt.query)
	}
}

func TestEarnings_Server_RateLimitMiddleware(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, func(cfg *Config) {
		cfg.RateLimit = 1
		cfg.RateBurst = 1
	})

	rec := ts.do(t, asAdmin, http.MethodGet, "/api/v1/payouts/queue", nil)
	requireStatus(t, rec, http.StatusOK)

	rec = ts.do(t, asAdmin, http.MethodGet, "/api/v1/payouts/queue", nil)
	requireStatus(t, rec, http.StatusTooManyRequests)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, 1, decode[rateLimitError](t, rec).RetryAfter)

	rec = ts.do(t, asCreator("c1"), http.MethodGet, "/api/v1/creators/c1/payouts", nil)
	requireStatus(t, rec, http.StatusOK)

	rec = ts.do(t, asNone, http.MethodGet, "/healthz", nil)
	requireStatus(t, rec, http.StatusOK)
}
