package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
)

type expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err == nil {
		err = checkConfig(cfg)
	}
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("sweeper started", "interval", cfg.SweepInterval)
	run(ctx, a.Dispatch, cfg.SweepInterval, logger)
	logger.Info("sweeper stopped")
}

// checkConfig refuses to run without PG_DSN: an in-memory store would only
// ever hold this process's own, always empty, set of requests.
func checkConfig(cfg config.ServerConfig) error {
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required: the sweeper must share the API's database")
	}
	return nil
}

// run sweeps once immediately and then on every tick until ctx ends.
func run(ctx context.Context, svc expirer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sweep(ctx, svc, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, svc expirer, logger *slog.Logger) {
	n, err := svc.ExpireDue(ctx)
	if err != nil {
		logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("expired ride requests", "count", n)
	}
}
