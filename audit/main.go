// Command audit keeps a capped log of pipeline events in redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

type BusClient interface {
	Close()
	EnsureStream(cfg *nats.StreamConfig) error
	EnsureConsumer(stream string, cfg *nats.ConsumerConfig) error
	PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
	Consume(ctx context.Context, sub *nats.Subscription, opts bus.ConsumeOptions, handler bus.Handler) error
}

var (
	loadConfig = config.Load
	busConnect = func(cfg bus.Config) (BusClient, error) {
		return bus.Connect(cfg)
	}
	initTelemetryFunc = telemetry.Init
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		logger.Fatal("audit run failed", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	logger.Setup("audit", cfg.Log.Level, cfg.Log.Format)
	if cfg.NATS.URL == "" {
		return errors.New("audit: NATS_URL is required")
	}

	shutdown, err := initTelemetryFunc(ctx, telemetry.Options{
		Service:      "audit",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		MetricsPort:  cfg.HTTP.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	busClient, err := busConnect(bus.Config{URL: cfg.NATS.URL, Name: "audit"})
	if err != nil {
		return err
	}
	defer busClient.Close()

	if err := busClient.EnsureStream(bus.PipelineStreamConfig()); err != nil {
		return err
	}
	consumerCfg := bus.ConsumerConfig(bus.DurableName(bus.StreamPipeline, "audit"), bus.SubjectAll)
	if err := busClient.EnsureConsumer(bus.StreamPipeline, consumerCfg); err != nil {
		return err
	}
	sub, err := busClient.PullSubscribe(bus.SubjectAll, consumerCfg.Durable)
	if err != nil {
		return fmt.Errorf("audit: subscribe: %w", err)
	}

	processor := NewAuditProcessor(rdb, otel.Tracer("audit"))
	err = busClient.Consume(ctx, sub, bus.ConsumeOptions{Batch: 10, MaxWait: 5 * time.Second}, processor.Process)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
