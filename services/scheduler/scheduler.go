package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/pkg/telemetry"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultLimit    = 500

	leaderKey = "scheduler:stale-scan:leader"
	leaderTTL = 2 * time.Minute
	scanTTL   = 30 * time.Second
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// TaskLister is the read side of the dispatcher the scanner needs.
type TaskLister interface {
	List(ctx context.Context, limit int) ([]*domain.TaskRecord, error)
	IsStale(rec *domain.TaskRecord) bool
}

// StaleScanner periodically counts tasks stuck in pending and reports them.
// It never modifies records.
type StaleScanner struct {
	lister   TaskLister
	schedule string
	limit    int
	logger   *slog.Logger

	// Optional leader lock so only one replica logs a shared store's stale tasks.
	redis      *redis.Client
	instanceID string
}

// Option configures a StaleScanner.
type Option func(*StaleScanner)

// WithSchedule sets the cron spec. Standard five-field specs and descriptors
// such as "@every 30s" are accepted.
func WithSchedule(spec string) Option { return func(s *StaleScanner) { s.schedule = spec } }

// WithLimit bounds how many recent records one scan inspects.
func WithLimit(n int) Option { return func(s *StaleScanner) { s.limit = n } }

func WithLogger(l *slog.Logger) Option { return func(s *StaleScanner) { s.logger = l } }

// WithLeaderLock makes replicas sharing client elect one scanner.
func WithLeaderLock(client *redis.Client, instanceID string) Option {
	return func(s *StaleScanner) {
		s.redis = client
		s.instanceID = instanceID
	}
}

func NewStaleScanner(lister TaskLister, opts ...Option) *StaleScanner {
	s := &StaleScanner{
		lister:   lister,
		schedule: DefaultSchedule,
		limit:    DefaultLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limit <= 0 {
		s.limit = DefaultLimit
	}
	return s
}

// Run scans once immediately and then on every schedule tick.
// Blocks until ctx is cancelled and the running scan has finished.
func (s *StaleScanner) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse stale scan schedule %q: %w", s.schedule, err)
	}

	s.tick(ctx)
	c.Start()
	s.logger.Info("stale scanner started", slog.String("schedule", s.schedule), slog.Int("limit", s.limit))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("stale scanner stopped")
	return nil
}

func (s *StaleScanner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	scanCtx, cancel := context.WithTimeout(ctx, scanTTL)
	defer cancel()
	if _, err := s.Scan(scanCtx); err != nil {
		s.logger.Error("stale scan failed", slog.String("error", err.Error()))
	}
}

// Scan inspects the most recent records, updates the stale gauge and
// returns the ids of stale tasks.
func (s *StaleScanner) Scan(ctx context.Context) ([]string, error) {
	recs, err := s.lister.List(ctx, s.limit)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, rec := range recs {
		if s.lister.IsStale(rec) {
			stale = append(stale, rec.ID)
			s.logger.Warn("task stuck in pending",
				slog.String("task_id", rec.ID),
				slog.String("task_type", string(rec.Type)),
				slog.Time("created_at", rec.CreatedAt),
			)
		}
	}
	telemetry.StoreStalePendingTasks.Set(float64(len(stale)))
	return stale, nil
}

// acquireOrRenewLeadership returns true when no lock is configured or this
// instance holds the lease.
func (s *StaleScanner) acquireOrRenewLeadership(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired stale scan leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	result, err := renewScript.Run(ctx, s.redis, []string{leaderKey}, s.instanceID, leaderTTL.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
