package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/internal/events"
	"github.com/ramiqadoumi/go-task-gateway/internal/handlers"
	redisstore "github.com/ramiqadoumi/go-task-gateway/internal/redis"
	"github.com/ramiqadoumi/go-task-gateway/internal/store"
	"github.com/ramiqadoumi/go-task-gateway/internal/validation"
	"github.com/ramiqadoumi/go-task-gateway/pkg/telemetry"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultListLimit    = 50
	DefaultMaxListLimit = 500
	DefaultStaleAfter   = 5 * time.Minute

	publishTimeout = 5 * time.Second
)

var errHandlerTimeout = errors.New("handler timeout")

// Dispatcher validates task submissions, runs the matching handler and
// records the task lifecycle in the store.
type Dispatcher struct {
	registry  *handlers.Registry
	validator *validation.Validator
	store     store.TaskStore
	publisher events.Publisher
	limiter   redisstore.RateLimiter // nil = disabled
	logger    *slog.Logger

	timeout      time.Duration
	defaultLimit int
	maxLimit     int
	staleAfter   time.Duration
	now          func() time.Time
	newID        func() string

	// Tracks handler goroutines that outlived their timeout and pending event publishes.
	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option              { return func(x *Dispatcher) { x.timeout = d } }
func WithLogger(l *slog.Logger) Option                { return func(x *Dispatcher) { x.logger = l } }
func WithClock(now func() time.Time) Option           { return func(x *Dispatcher) { x.now = now } }
func WithIDGenerator(gen func() string) Option        { return func(x *Dispatcher) { x.newID = gen } }
func WithPublisher(p events.Publisher) Option         { return func(x *Dispatcher) { x.publisher = p } }
func WithRateLimiter(l redisstore.RateLimiter) Option { return func(x *Dispatcher) { x.limiter = l } }
func WithStaleAfter(d time.Duration) Option           { return func(x *Dispatcher) { x.staleAfter = d } }
func WithListLimits(defaultLimit, maxLimit int) Option {
	return func(x *Dispatcher) {
		x.defaultLimit = defaultLimit
		x.maxLimit = maxLimit
	}
}

// NewDispatcher constructs a Dispatcher with the given dependencies and options.
func NewDispatcher(
	registry *handlers.Registry,
	validator *validation.Validator,
	taskStore store.TaskStore,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		validator:    validator,
		store:        taskStore,
		publisher:    events.Noop{},
		logger:       slog.Default(),
		timeout:      DefaultTimeout,
		defaultLimit: DefaultListLimit,
		maxLimit:     DefaultMaxListLimit,
		staleAfter:   DefaultStaleAfter,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxLimit <= 0 {
		d.maxLimit = DefaultMaxListLimit
	}
	if d.defaultLimit <= 0 || d.defaultLimit > d.maxLimit {
		d.defaultLimit = min(DefaultListLimit, d.maxLimit)
	}
	return d
}

// Submit validates raw parameters for taskType, persists a pending record,
// runs the handler and persists the outcome.
//
// Unknown types, validation failures and rate limiting return before any
// record exists. A handler failure returns the failed record together with
// *domain.HandlerTimeoutError or *domain.HandlerExecutionError. A store
// failure returns *domain.StoreUnavailableError.
func (d *Dispatcher) Submit(ctx context.Context, taskType domain.TaskType, raw json.RawMessage) (*domain.TaskRecord, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(taskType)))

	h, err := d.registry.Get(taskType)
	if err != nil {
		telemetry.DispatcherValidationFailures.WithLabelValues("unknown").Inc()
		span.SetStatus(codes.Error, "unknown task type")
		return nil, err
	}

	params, err := d.validator.Validate(taskType, raw)
	if err != nil {
		telemetry.DispatcherValidationFailures.WithLabelValues(string(taskType)).Inc()
		span.SetStatus(codes.Error, "invalid parameters")
		return nil, err
	}

	if err := d.checkRate(ctx, taskType); err != nil {
		span.SetStatus(codes.Error, "rate limit exceeded")
		return nil, err
	}

	normalized, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", taskType, err)
	}

	rec := domain.NewTaskRecord(d.newID(), taskType, normalized, d.now())
	span.SetAttributes(attribute.String("task.id", rec.ID))
	log := d.logger.With(
		slog.String("task_id", rec.ID),
		slog.String("task_type", string(taskType)),
	)

	if err := d.store.Create(ctx, rec); err != nil {
		log.Error("failed to persist pending task", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "store create failed")
		return nil, storeError("create", err)
	}
	telemetry.DispatcherTasksSubmitted.WithLabelValues(string(taskType)).Inc()

	start := time.Now()
	result, runErr := d.execute(ctx, h, handlers.Input{TaskID: rec.ID, CreatedAt: rec.CreatedAt, Params: params})
	durationSec := time.Since(start).Seconds()
	telemetry.DispatcherTaskDurationSeconds.WithLabelValues(string(taskType)).Observe(durationSec)

	var data json.RawMessage
	if runErr == nil {
		if data, err = json.Marshal(result); err != nil {
			runErr = fmt.Errorf("encode result: %w", err)
		}
	}

	// The outcome is recorded even if the caller has gone away.
	writeCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		final, err := d.store.Complete(writeCtx, rec.ID, data, d.now())
		if err != nil {
			log.Error("failed to persist completed task", slog.String("error", err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "store complete failed")
			return rec, storeError("complete", err)
		}
		telemetry.DispatcherTasksFinished.WithLabelValues(string(taskType), string(domain.StatusCompleted)).Inc()
		log.Info("task completed", slog.Int64("duration_ms", int64(durationSec*1000)))
		d.publish(writeCtx, final)
		return final, nil
	}

	taskErr, handlerErr := d.classify(rec.ID, runErr)
	if taskErr.Code == domain.CodeHandlerTimeout {
		telemetry.DispatcherTimeoutsTotal.WithLabelValues(string(taskType)).Inc()
	}
	span.RecordError(handlerErr)
	span.SetStatus(codes.Error, taskErr.Code)

	final, err := d.store.Fail(writeCtx, rec.ID, taskErr, d.now())
	if err != nil {
		log.Error("failed to persist failed task", slog.String("error", err.Error()))
		return rec, storeError("fail", err)
	}
	telemetry.DispatcherTasksFinished.WithLabelValues(string(taskType), string(domain.StatusFailed)).Inc()
	log.Warn("task failed",
		slog.String("code", taskErr.Code),
		slog.String("error", taskErr.Message),
		slog.Int64("duration_ms", int64(durationSec*1000)),
	)
	d.publish(writeCtx, final)
	return final, handlerErr
}

// execute runs the handler in its own goroutine bounded by the task timeout.
// The handler context ignores caller cancellation; only the timeout stops it.
// A handler that ignores its context is abandoned and its result discarded.
func (d *Dispatcher) execute(ctx context.Context, h handlers.Handler, in handlers.Input) (any, error) {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	taskType := string(h.TaskType())
	telemetry.DispatcherTasksInFlight.WithLabelValues(taskType).Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer telemetry.DispatcherTasksInFlight.WithLabelValues(taskType).Dec()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Process(execCtx, in)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && execCtx.Err() != nil {
			return nil, errHandlerTimeout
		}
		return o.result, o.err
	case <-execCtx.Done():
		return nil, errHandlerTimeout
	}
}

// classify maps a handler failure to the stored reason and the caller-facing error.
func (d *Dispatcher) classify(taskID string, err error) (*domain.TaskError, error) {
	if errors.Is(err, errHandlerTimeout) {
		timeoutErr := &domain.HandlerTimeoutError{TaskID: taskID, Timeout: d.timeout.String()}
		return &domain.TaskError{Code: domain.CodeHandlerTimeout, Message: timeoutErr.Error()}, timeoutErr
	}
	return &domain.TaskError{Code: domain.CodeHandlerExecution, Message: err.Error()},
		&domain.HandlerExecutionError{TaskID: taskID, Err: err}
}

// checkRate applies the optional per-type limiter. Limiter errors fail open.
func (d *Dispatcher) checkRate(ctx context.Context, taskType domain.TaskType) error {
	if d.limiter == nil {
		return nil
	}
	allowed, err := d.limiter.Allow(ctx, string(taskType))
	if err != nil {
		d.logger.Error("rate limiter error", slog.String("task_type", string(taskType)), slog.String("error", err.Error()))
		return nil
	}
	if !allowed {
		telemetry.APIRateLimitedTotal.WithLabelValues(string(taskType)).Inc()
		return &domain.RateLimitExceededError{TaskType: string(taskType), Limit: d.limiter.Limit()}
	}
	return nil
}

// publish emits the terminal event in the background. Failures are logged and counted.
func (d *Dispatcher) publish(ctx context.Context, rec *domain.TaskRecord) {
	ev, err := events.NewTaskEvent(rec, d.now())
	if err != nil {
		d.logger.Error("cannot build task event", slog.String("task_id", rec.ID), slog.String("error", err.Error()))
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := d.publisher.Publish(pubCtx, ev); err != nil {
			telemetry.EventsPublishFailures.WithLabelValues(string(ev.Event)).Inc()
			d.logger.Warn("failed to publish task event",
				slog.String("task_id", rec.ID),
				slog.String("event", string(ev.Event)),
				slog.String("error", err.Error()),
			)
			return
		}
		telemetry.EventsPublishedTotal.WithLabelValues(string(ev.Event)).Inc()
	}()
}

// Get returns a task by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, storeError("get", err)
	}
	return rec, nil
}

// List returns the most recent tasks, newest first. limit <= 0 selects the
// default; larger values are capped at the configured maximum.
func (d *Dispatcher) List(ctx context.Context, limit int) ([]*domain.TaskRecord, error) {
	if limit <= 0 {
		limit = d.defaultLimit
	}
	limit = min(limit, d.maxLimit)

	recs, err := d.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, storeError("list", err)
	}
	return recs, nil
}

// IsStale reports whether rec is still pending past the stale threshold.
func (d *Dispatcher) IsStale(rec *domain.TaskRecord) bool {
	return rec.IsStale(d.now(), d.staleAfter)
}

// Ping checks that the store answers.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if p, ok := d.store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := d.store.ListRecent(ctx, 1)
	return err
}

// Wait blocks until abandoned handlers and pending event publishes finish
// or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func storeError(op string, err error) error {
	telemetry.StoreErrorsTotal.WithLabelValues(op).Inc()
	return &domain.StoreUnavailableError{Op: op, Err: err}
}
