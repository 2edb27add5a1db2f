package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/engine"
	"github.com/jonboulle/clockwork"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// AccountWriter links creators to their connected payout accounts.
type AccountWriter interface {
	SetAccount(ctx context.Context, creatorID, externalAccountID string) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	AllowedOrigins    []string
	ReconcileAfter    time.Duration

	// RateLimit is the sustained requests per second allowed per actor; zero
	// disables limiting.
	RateLimit float64
	RateBurst int
	Clock     clockwork.Clock

	Engine *engine.Engine
	// Accounts is optional; without it the payout account endpoint is not served.
	Accounts AccountWriter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 15 * time.Minute
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
