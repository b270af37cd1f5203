// Command server exposes the pipeline stages over HTTP and reports gRPC
// health for the deployment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maciekb2/enrichment-pipeline/pkg/app"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	loadConfig        = config.Load
	initTelemetryFunc = telemetry.Init
	openApp           = app.Open
	listen            = net.Listen
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		logger.Fatal("server run failed", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	logger.Setup("server", cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	shutdown, err := initTelemetryFunc(ctx, telemetry.Options{
		Service:      "server",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	a, err := openApp(ctx, cfg, "server")
	if err != nil {
		return err
	}
	defer a.Close()

	h := NewHandler(a.Runner, a.Queue, a.DeadLetter, a.CleanupOptions(),
		HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
		HealthCheck{Name: "store", Check: a.Store.Ping},
	).WithTriggerTimeout(cfg.HTTP.TriggerTimeout)
	return serve(ctx, cfg.HTTP, NewRouter(h))
}

// serve runs the HTTP API and the gRPC health service until ctx is done.
func serve(ctx context.Context, cfg config.HTTPConfig, router http.Handler) error {
	httpLn, err := listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	grpcLn, err := listen("tcp", cfg.GRPCAddr)
	if err != nil {
		httpLn.Close()
		return err
	}

	httpSrv := &http.Server{
		Handler:           otelhttp.NewHandler(router, "server"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := grpc.NewServer(telemetry.ServerOptions()...)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("gRPC health listening", "addr", grpcLn.Addr().String())
		return grpcSrv.Serve(grpcLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return err
	})
	return g.Wait()
}
