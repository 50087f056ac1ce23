// Package observability provides logging, metrics, tracing, liveness and the
// circuit breaker shared by all handlers.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/workfabric/internal/config"
)

// SetupLogger configures a JSON slog logger with service fields attached.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
