package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "creator_earnings_build_info",
			Help: "Build information of the creator earnings engine",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_earnings_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creator_earnings_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Commission metrics
	CommissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_commissions_total",
			Help: "Total number of referral commissions recorded",
		},
		[]string{"depth", "campaign"},
	)

	CommissionCentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_commission_cents_total",
			Help: "Total commission cents recorded",
		},
		[]string{"source"}, // "base", "campaign"
	)

	// Ledger metrics
	LedgerAccrualsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_ledger_accruals_total",
			Help: "Total number of ledger accruals",
		},
		[]string{"result"}, // "created", "updated", "revised"
	)

	LedgerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_ledger_transitions_total",
			Help: "Total number of ledger payout status transitions",
		},
		[]string{"from", "to"},
	)

	// Payout metrics
	PayoutRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_payout_requests_total",
			Help: "Total number of payout request status changes",
		},
		[]string{"request_type", "status"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_earnings_transfer_duration_seconds",
			Help:    "Duration of transfer executor calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"outcome"}, // "paid", "failed", "unknown"
	)

	// Scheduler metrics
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_scheduler_runs_total",
			Help: "Total number of payout scheduler runs",
		},
		[]string{"status"}, // "success", "error", "locked"
	)

	SchedulerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "creator_earnings_scheduler_run_duration_seconds",
			Help:    "Duration of payout scheduler runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	SchedulerCreatorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_scheduler_creators_total",
			Help: "Total number of creators handled by the payout scheduler",
		},
		[]string{"outcome"}, // "processed", "pending_approval", "skipped", "error"
	)

	SchedulerLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creator_earnings_scheduler_last_success_timestamp_seconds",
			Help: "Unix time of the last successful payout scheduler run",
		},
	)

	// External dependency metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_notifications_total",
			Help: "Total number of notifications sent",
		},
		[]string{"channel", "status"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_earnings_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "result"}, // result: "hit", "miss", "error"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCommission records one persisted commission.
func RecordCommission(depth int, amount, campaignAmount int64) {
	campaign := "false"
	if campaignAmount > 0 {
		campaign = "true"
	}
	CommissionsTotal.WithLabelValues(strconv.Itoa(depth), campaign).Inc()
	CommissionCentsTotal.WithLabelValues("base").Add(float64(amount - campaignAmount))
	if campaignAmount > 0 {
		CommissionCentsTotal.WithLabelValues("campaign").Add(float64(campaignAmount))
	}
}

// RecordTransfer records a transfer executor call.
func RecordTransfer(outcome string, duration time.Duration) {
	TransferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSchedulerRun records a completed scheduler run.
func RecordSchedulerRun(duration time.Duration, err error) {
	status := statusLabel(err)
	SchedulerRunsTotal.WithLabelValues(status).Inc()
	SchedulerRunDuration.Observe(duration.Seconds())
	if err == nil {
		SchedulerLastSuccess.SetToCurrentTime()
	}
}

// RecordNotification records a notification attempt.
func RecordNotification(channel string, err error) {
	NotificationsTotal.WithLabelValues(channel, statusLabel(err)).Inc()
}
