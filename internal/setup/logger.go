package setup

import (
	"log/slog"

	"github.com/cochaviz/testbed/internal/logging"
)

var packageLogger = slog.Default()

// SetLogger replaces the package logger. Nil restores the default.
func SetLogger(logger *slog.Logger) {
	packageLogger = logging.Ensure(logger)
}

func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger).With("component", "setup")
}
