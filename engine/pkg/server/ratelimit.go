package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// listLimit reads the limit query parameter, capped at maxListLimit.
func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}
	return limit
}

type rateLimitError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// actorLimiter rate limits API calls per actor.
type actorLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	idle      time.Duration
	clock     clockwork.Clock
	lastPrune time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newActorLimiter(r rate.Limit, burst int, clock clockwork.Clock) *actorLimiter {
	return &actorLimiter{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burst:     burst,
		idle:      5 * time.Minute,
		clock:     clock,
		lastPrune: clock.Now(),
	}
}

// allow takes a token for key, or reports how long until one is available.
func (l *actorLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastPrune) > l.idle {
		cutoff := now.Add(-l.idle)
		for k, e := range l.limiters {
			if e.lastSeen.Before(cutoff) {
				delete(l.limiters, k)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.limiter.allow(actorFrom(r).ID)
		if !allowed {
			secs := max(int(retryAfter.Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeJSON(w, http.StatusTooManyRequests, rateLimitError{
				Error:      "too many requests, please slow down",
				RetryAfter: secs,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
