package postgres

import (
	"log/slog"

	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
)

func testLogger() *slog.Logger {
	return enginetesting.NewLogger()
}
