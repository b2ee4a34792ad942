package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-gateway/internal/events"
	"github.com/ramiqadoumi/go-task-gateway/internal/handlers"
	"github.com/ramiqadoumi/go-task-gateway/internal/kafka"
	"github.com/ramiqadoumi/go-task-gateway/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-gateway/internal/redis"
	"github.com/ramiqadoumi/go-task-gateway/internal/store"
	"github.com/ramiqadoumi/go-task-gateway/internal/validation"
	"github.com/ramiqadoumi/go-task-gateway/pkg/retry"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/config"
)

// dependencies are the external resources serve owns.
type dependencies struct {
	store     store.TaskStore
	publisher events.Publisher
	limiter   redisstore.RateLimiter // nil = disabled
	redis     *redis.Client          // nil unless redis_addr is set
	pool      *pgxpool.Pool
}

func (d *dependencies) close(logger *slog.Logger) {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.Warn("close event publisher", slog.String("error", err.Error()))
		}
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func startupRetry(logger *slog.Logger, what string) retry.Config {
	return retry.Config{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		AttemptTimeout: 3 * time.Second,
		OnRetry: func(attempt int, err error) {
			logger.Warn("dependency not ready, retrying",
				slog.String("dependency", what),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}
}

// connect opens the configured store, rate limiter and event publisher.
// On error everything opened so far is released.
func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (deps *dependencies, err error) {
	deps = &dependencies{publisher: events.Noop{}}
	defer func() {
		if err != nil {
			deps.close(logger)
			deps = nil
		}
	}()

	if cfg.RedisAddr != "" && (cfg.StoreBackend == config.BackendRedis || cfg.RateLimit > 0) {
		deps.redis = redisstore.NewClient(cfg.RedisAddr)
		err = retry.Do(ctx, startupRetry(logger, "redis"), func(ctx context.Context) error {
			return deps.redis.Ping(ctx).Err()
		})
		if err != nil {
			return deps, fmt.Errorf("redis: %w", err)
		}
	}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		deps.store = redisstore.NewTaskStore(deps.redis, redisstore.WithRecordTTL(cfg.RedisRecordTTL))
	case config.BackendPostgres:
		err = retry.Do(ctx, startupRetry(logger, "postgres"), func(ctx context.Context) error {
			pool, perr := postgres.NewPool(ctx, cfg.PostgresDSN)
			if perr != nil {
				return perr
			}
			deps.pool = pool
			return nil
		})
		if err != nil {
			return deps, fmt.Errorf("postgres: %w", err)
		}
		deps.store = postgres.NewTaskStore(deps.pool)
	default:
		deps.store = store.NewMemoryStore()
	}

	if cfg.RateLimit > 0 {
		deps.limiter = redisstore.NewRateLimiter(deps.redis, cfg.RateLimit, cfg.RateWindow)
	}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers})
		deps.publisher = events.NewKafkaPublisher(producer, cfg.EventsTopic)
		logger.Info("publishing task events", slog.Any("brokers", brokers), slog.String("topic", cfg.EventsTopic))
	}
	return deps, nil
}

func buildValidator(cfg config.Config) *validation.Validator {
	return validation.New(cfg.ValidationConfig())
}

// buildRegistry constructs one handler per task type from config.
// v is shared with the dispatcher so sender checks match request validation.
func buildRegistry(cfg config.Config, v *validation.Validator) (*handlers.Registry, error) {
	invoiceCfg, err := cfg.InvoiceConfig()
	if err != nil {
		return nil, err
	}
	invoice, err := handlers.NewInvoiceGenerator(invoiceCfg)
	if err != nil {
		return nil, fmt.Errorf("invoice handler: %w", err)
	}

	leadCfg, err := cfg.LeadConfig()
	if err != nil {
		return nil, err
	}
	lead, err := handlers.NewLeadScorer(leadCfg)
	if err != nil {
		return nil, fmt.Errorf("lead handler: %w", err)
	}

	emailCfg := cfg.EmailConfig()
	emailCfg.Addresses = v
	return handlers.NewRegistry(handlers.NewEmailParser(emailCfg), invoice, lead), nil
}
