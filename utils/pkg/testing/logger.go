package enginetesting

import (
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// NewLogger returns a test logger that stays quiet unless DEBUG is set.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Epoch is the fixed "now" used by tests that need a deterministic clock.
var Epoch = time.Date(2026, time.March, 16, 9, 0, 0, 0, time.UTC)

// NewFakeClock returns a fake clock positioned at Epoch.
func NewFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
