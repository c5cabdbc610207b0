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

	"esimcheckout/cmd/server/config"
	"esimcheckout/internal/adapters/grpc"
	"esimcheckout/internal/checkout"
	"esimcheckout/internal/observability"
	"esimcheckout/internal/realtime"
	"esimcheckout/internal/reliability"
	"esimcheckout/internal/telemetry"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	shutdownMeter, err := telemetry.InitMeterProvider(cfg.App.ServiceName, cfg.App.ServiceVersion, metrics.Registry())
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, "meter provider", shutdownMeter)

	if cfg.App.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.App.ServiceName, cfg.App.ServiceVersion)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(logger, "tracer provider", shutdownTracer)
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	publisher, cleanupPublisher := buildPublisher(cfg.Kafka, hub, logger)
	defer cleanupPublisher()

	cache, cleanupCache, err := buildSessionCache(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer cleanupCache()

	provisioner, err := buildProvisioner(cfg.ESIMGo, logger)
	if err != nil {
		return err
	}

	workflow, cleanupWorkflow := checkout.BuildWorkflow(ctx, checkout.BuildConfig{
		DatabaseURL: cfg.App.DatabaseURL,
		Cache:       cache,
		Provisioner: provisioner,
		Events:      publisher,
		Recorder:    metrics,
		// Fixed-OTP and static-price stand-ins never reach production.
		AllowDevStandIns: !cfg.App.Production(),
		Reliability:      cfg.Reliability.Guard(),
		OnRateLimitWait:  metrics.AddRateLimitWait,
		OnBreakerChange:  metrics.BreakerChanged,
		Workflow: checkout.WorkflowConfig{
			SessionTTL:    sessionTTL(cfg),
			EnforceExpiry: cfg.Checkout.EnforceExpiry,
		},
		MaxUpdateAttempts: cfg.Checkout.MaxUpdateAttempts,
	}, logger)
	defer cleanupWorkflow()

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		return err
	}

	limiter := reliability.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpc.RegisterCheckoutServiceServer(server, grpc.NewCheckoutServer(workflow))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !cfg.App.Production() {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", "app_env", cfg.App.Env)
	}

	obsSrv := startObservabilityServer(cfg.Observability, metrics, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc server listening", "addr", lis.Addr().String())
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func startObservabilityServer(cfg config.ObservabilityConfig, metrics *observability.Metrics, hub *realtime.Hub, logger *slog.Logger) *http.Server {
	mux := observability.NewMux(metrics, map[string]http.Handler{"/ws": hub})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(mux, "observability"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability server error", "error", err)
		}
	}()
	return srv
}

func shutdownTelemetry(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", "component", name, "error", err)
	}
}
