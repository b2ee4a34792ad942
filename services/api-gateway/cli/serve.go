package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-gateway/internal/version"
	"github.com/ramiqadoumi/go-task-gateway/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/config"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-task-gateway/services/dispatcher"
	"github.com/ramiqadoumi/go-task-gateway/services/scheduler"
)

const (
	shutdownTimeout = 30 * time.Second
	drainTimeout    = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8000", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables it")
	serveCmd.Flags().String("store-backend", config.BackendMemory, "task store: memory | redis | postgres")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port) for the redis store and rate limiting")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string for the postgres store")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables task events")
	serveCmd.Flags().Duration("task-timeout", dispatcher.DefaultTimeout, "per-task handler timeout")
	serveCmd.Flags().Int("rate-limit", 0, "max submissions per task type per rate window; 0 disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("store_backend", serveCmd.Flags(), "store-backend")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, serviceName)
	instanceID := serviceName + "-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── dependencies ──────────────────────────────────────────────────────────
	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	validator := buildValidator(cfg)
	registry, err := buildRegistry(cfg, validator)
	if err != nil {
		return err
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithTimeout(cfg.TaskTimeout),
		dispatcher.WithPublisher(deps.publisher),
		dispatcher.WithStaleAfter(cfg.StaleAfter),
		dispatcher.WithListLimits(cfg.ListDefaultLimit, cfg.ListMaxLimit),
	}
	if deps.limiter != nil {
		opts = append(opts, dispatcher.WithRateLimiter(deps.limiter))
	}
	d := dispatcher.NewDispatcher(registry, validator, deps.store, opts...)

	scanOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithSchedule(cfg.StaleScanSchedule),
		scheduler.WithLimit(cfg.StaleScanLimit),
	}
	if deps.redis != nil && cfg.StoreBackend != config.BackendMemory {
		scanOpts = append(scanOpts, scheduler.WithLeaderLock(deps.redis, instanceID))
	}
	scanner := scheduler.NewStaleScanner(d, scanOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	rest := handler.NewREST(d, registry.Types(), logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, logger, cfg.CORSAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TaskTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, d.Ping, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("store_backend", cfg.StoreBackend),
			slog.String("instance_id", instanceID),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scanner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.Wait(drainCtx); err != nil {
		logger.Warn("abandoned handlers or event publishes still running", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return runErr
}
