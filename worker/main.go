// Command worker runs a continuous enrichment pool against the shared queue.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maciekb2/enrichment-pipeline/pkg/app"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/telemetry"
)

var (
	loadConfig        = config.Load
	initTelemetryFunc = telemetry.Init
	openApp           = app.Open
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		logger.Fatal("worker run failed", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	logger.Setup("worker", cfg.Log.Level, cfg.Log.Format)

	shutdown, err := initTelemetryFunc(ctx, telemetry.Options{
		Service:      "worker",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		MetricsPort:  cfg.HTTP.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	a, err := openApp(ctx, cfg, "worker")
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.Runner.Pool(0)
	if err != nil {
		return err
	}
	slog.Info("worker: starting pool", "concurrency", pool.Concurrency(),
		"rpm", cfg.RateLimit.RequestsPerMinute, "shared_gate", cfg.RateLimit.Shared)

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Worker stopped.")
	return nil
}
