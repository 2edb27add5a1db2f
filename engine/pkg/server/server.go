package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/engine"
	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *engine.Engine
	limiter *actorLimiter
	router  chi.Router
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		engine: cfg.Engine,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newActorLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, cfg.Clock)
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// Transfers run inside approve requests.
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   90 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerActorID, headerActorRole},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.actorMiddleware)
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware)
		}

		r.Post("/payouts", s.handleCreatePayout)
		r.Get("/payouts/{id}", s.handleGetPayout)
		r.Get("/creators/{id}/earnings", s.handleCreatorEarnings)
		r.Get("/creators/{id}/payouts", s.handleCreatorPayouts)
		r.Get("/referrals/{id}/tier", s.handleTier)
		r.Post("/rewards/{id}/claims", s.handleClaimReward)

		r.Group(func(r chi.Router) {
			r.Use(requireDecider)

			r.Get("/payouts/queue", s.handleQueue)
			r.Post("/payouts/{id}/approve", s.handleApprove)
			r.Post("/payouts/{id}/reject", s.handleReject)
			r.Post("/payouts/reconcile", s.handleReconcile)
			r.Post("/earnings/accruals", s.handleAccrue)
			r.Post("/conversions", s.handleConversion)
			r.Post("/conversions/{id}/approve", s.handleApproveConversion)
			r.Post("/referrals/edges", s.handleCreateEdge)
			r.Get("/creators/{id}/schedule", s.handleGetSchedule)
			r.Put("/creators/{id}/schedule", s.handlePutSchedule)
			if s.cfg.Accounts != nil {
				r.Put("/creators/{id}/payout-account", s.handlePutAccount)
			}
			r.Post("/scheduler/runs", s.handleSchedulerRun)
		})
	})
	return r
}

type actorKey struct{}

// actorMiddleware reads the caller identity set by the gateway.
func (s *Server) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := payout.Actor{
			ID:   r.Header.Get(headerActorID),
			Role: payout.Role(r.Header.Get(headerActorRole)),
		}
		roles := []payout.Role{payout.RoleAdmin, payout.RoleCreator, payout.RoleSystem}
		if actor.ID == "" || !slices.Contains(roles, actor.Role) {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid actor headers"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) payout.Actor {
	actor, _ := r.Context().Value(actorKey{}).(payout.Actor)
	return actor
}

func requireDecider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch actorFrom(r).Role {
		case payout.RoleAdmin, payout.RoleSystem:
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin role required"}` + "\n"))
		}
	})
}

// canView reports whether the caller may read data owned by userID.
func canView(r *http.Request, userID string) bool {
	actor := actorFrom(r)
	return actor.Role != payout.RoleCreator || actor.ID == userID
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ready(ctx); err != nil {
		s.log.Debug("readyz: database not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("database not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}
