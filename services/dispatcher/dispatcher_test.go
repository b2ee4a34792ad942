package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/internal/events"
	"github.com/ramiqadoumi/go-task-gateway/internal/handlers"
	"github.com/ramiqadoumi/go-task-gateway/internal/store"
	"github.com/ramiqadoumi/go-task-gateway/internal/validation"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakePublisher struct {
	mu     sync.Mutex
	events []events.TaskEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev events.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) snapshot() []events.TaskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.TaskEvent(nil), p.events...)
}

type fakeRateLimiter struct {
	allow bool
	err   error
	calls int
}

func (r *fakeRateLimiter) Allow(_ context.Context, _ string) (bool, error) {
	r.calls++
	return r.allow, r.err
}

func (r *fakeRateLimiter) Limit() int { return 3 }

// failingStore wraps a MemoryStore and fails selected operations.
type failingStore struct {
	*store.MemoryStore
	createErr   error
	completeErr error
	getErr      error
}

func (s *failingStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryStore.Create(ctx, rec)
}

func (s *failingStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) (*domain.TaskRecord, error) {
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return s.MemoryStore.Complete(ctx, id, result, at)
}

func (s *failingStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, id)
}

// stubHandler stands in for a lead scorer with scripted behavior.
type stubHandler struct {
	fn func(ctx context.Context) (any, error)
}

func (h stubHandler) TaskType() domain.TaskType { return domain.TypeLeadScore }
func (h stubHandler) Process(ctx context.Context, _ handlers.Input) (any, error) {
	return h.fn(ctx)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

const leadParams = `{"lead_data":{"company_size":500,"industry":"technology","budget":50000,"engagement_level":"high","is_decision_maker":true}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func realRegistry(t *testing.T) *handlers.Registry {
	t.Helper()
	inv, err := handlers.NewInvoiceGenerator(handlers.InvoiceConfig{TaxRate: decimal.RequireFromString("0.1")})
	require.NoError(t, err)
	lead, err := handlers.NewLeadScorer(handlers.DefaultLeadConfig())
	require.NoError(t, err)
	return handlers.NewRegistry(
		handlers.NewEmailParser(handlers.EmailConfig{}),
		inv,
		lead,
	)
}

func newTestDispatcher(t *testing.T, reg *handlers.Registry, ts store.TaskStore, opts ...Option) *Dispatcher {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return testNow }),
	}
	return NewDispatcher(reg, validation.New(validation.Config{EmailMaxLength: 10000}), ts, append(base, opts...)...)
}

func decodeResult(t *testing.T, rec *domain.TaskRecord) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &out))
	return out
}

// ── submission scenarios ──────────────────────────────────────────────────────

func TestSubmit_LeadScoreHot(t *testing.T) {
	ms := store.NewMemoryStore()
	d := newTestDispatcher(t, realRegistry(t), ms)

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.NotEmpty(t, rec.ID)
	require.NotNil(t, rec.CompletedAt)
	res := decodeResult(t, rec)
	assert.Equal(t, "hot", res["qualification"])
	assert.EqualValues(t, 82, res["final_score"])

	stored, err := d.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestSubmit_InvoiceTotals(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())

	raw := `{"client_info":{"name":"Acme"},"items":[{"description":"Consulting","quantity":2,"price":150.00}]}`
	rec, err := d.Submit(context.Background(), domain.TypeInvoiceGenerate, json.RawMessage(raw))
	require.NoError(t, err)

	assert.Contains(t, string(rec.Result), `"subtotal":300.00`)
	assert.Contains(t, string(rec.Result), `"tax":30.00`)
	assert.Contains(t, string(rec.Result), `"total":330.00`)
}

func TestSubmit_InvoiceTotalsOnlyValidItems(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())

	raw := `{"client_info":{"name":"Acme"},"items":[
		{"description":"Consulting","quantity":2,"price":150.00},
		{"description":"","quantity":1,"price":10.00}]}`
	rec, err := d.Submit(context.Background(), domain.TypeInvoiceGenerate, json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)

	assert.Contains(t, string(rec.Result), `"subtotal":300.00`)
	assert.Contains(t, string(rec.Result), `"total":330.00`)
	items, ok := decodeResult(t, rec)["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
	assert.NotContains(t, string(rec.Parameters), `"description":""`)
}

func TestSubmit_EmailSender(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())

	raw := `{"email_content":"Hi team,\nContact me at jane@example.com for details."}`
	rec, err := d.Submit(context.Background(), domain.TypeEmailParse, json.RawMessage(raw))
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", decodeResult(t, rec)["detected_sender"])
}

func TestSubmit_NormalizedParametersStored(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())

	raw := `{"lead_data":{"company_size":10,"industry":"  Technology ","budget":0,"engagement_level":"LOW"}}`
	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(raw))
	require.NoError(t, err)

	assert.Contains(t, string(rec.Parameters), `"industry":"technology"`)
	assert.Contains(t, string(rec.Parameters), `"engagement_level":"low"`)
}

func TestSubmit_NoValidItems_CreatesNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	d := newTestDispatcher(t, realRegistry(t), ms)

	raw := `{"client_info":{"name":"Acme"},"items":[{"description":"","quantity":0,"price":-1}]}`
	rec, err := d.Submit(context.Background(), domain.TypeInvoiceGenerate, json.RawMessage(raw))
	require.Error(t, err)
	assert.Nil(t, rec)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasRule(domain.RuleNoValidItems))
	assert.Equal(t, 0, ms.Len())
}

func TestSubmit_UnknownType(t *testing.T) {
	ms := store.NewMemoryStore()
	d := newTestDispatcher(t, realRegistry(t), ms)

	_, err := d.Submit(context.Background(), "sms_send", json.RawMessage(`{}`))
	var ut *domain.UnknownTaskTypeError
	require.ErrorAs(t, err, &ut)
	assert.Equal(t, "sms_send", ut.TaskType)
	assert.Equal(t, 0, ms.Len())
}

func TestGet_NotFound(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())

	_, err := d.Get(context.Background(), "does-not-exist")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGet_StoreFailure(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), getErr: errors.New("connection refused")}
	d := newTestDispatcher(t, realRegistry(t), fs)

	_, err := d.Get(context.Background(), "x")
	var su *domain.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "get", su.Op)
}

// ── handler failures ──────────────────────────────────────────────────────────

func TestSubmit_HandlerTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := stubHandler{fn: func(context.Context) (any, error) {
		<-release // ignores its context
		return "late", nil
	}}
	ms := store.NewMemoryStore()
	d := newTestDispatcher(t, handlers.NewRegistry(slow), ms, WithTimeout(10*time.Millisecond))

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var te *domain.HandlerTimeoutError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, domain.CodeHandlerTimeout, rec.Error.Code)

	stored, err := d.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.CodeHandlerTimeout, stored.Error.Code)
}

func TestSubmit_HandlerHonoursDeadline(t *testing.T) {
	h := stubHandler{fn: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := newTestDispatcher(t, handlers.NewRegistry(h), store.NewMemoryStore(), WithTimeout(10*time.Millisecond))

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var te *domain.HandlerTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.CodeHandlerTimeout, rec.Error.Code)
	require.NoError(t, d.Wait(context.Background()))
}

func TestSubmit_CallerCancelDoesNotAbortHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := stubHandler{fn: func(hctx context.Context) (any, error) {
		cancel()
		time.Sleep(5 * time.Millisecond)
		if err := hctx.Err(); err != nil {
			return nil, err
		}
		return map[string]string{"ok": "yes"}, nil
	}}
	d := newTestDispatcher(t, handlers.NewRegistry(h), store.NewMemoryStore())

	rec, err := d.Submit(ctx, domain.TypeLeadScore, json.RawMessage(leadParams))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
}

func TestSubmit_HandlerError(t *testing.T) {
	h := stubHandler{fn: func(context.Context) (any, error) { return nil, errors.New("boom") }}
	d := newTestDispatcher(t, handlers.NewRegistry(h), store.NewMemoryStore())

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var he *domain.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, rec.ID, he.TaskID)
	assert.Equal(t, domain.CodeHandlerExecution, rec.Error.Code)
	assert.Equal(t, "boom", rec.Error.Message)
	assert.Empty(t, rec.Result)
}

func TestSubmit_HandlerPanic(t *testing.T) {
	h := stubHandler{fn: func(context.Context) (any, error) { panic("nil map") }}
	d := newTestDispatcher(t, handlers.NewRegistry(h), store.NewMemoryStore())

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var he *domain.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error.Message, "nil map")
}

func TestSubmit_UnencodableResult(t *testing.T) {
	h := stubHandler{fn: func(context.Context) (any, error) { return map[string]any{"c": make(chan int)}, nil }}
	d := newTestDispatcher(t, handlers.NewRegistry(h), store.NewMemoryStore())

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var he *domain.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, domain.StatusFailed, rec.Status)
}

// ── store failures ────────────────────────────────────────────────────────────

func TestSubmit_StoreCreateFails(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), createErr: errors.New("dial tcp: refused")}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, realRegistry(t), fs, WithPublisher(pub))

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var su *domain.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "create", su.Op)
	assert.Nil(t, rec)

	require.NoError(t, d.Wait(context.Background()))
	assert.Empty(t, pub.snapshot())
}

func TestSubmit_StoreCompleteFails(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), completeErr: errors.New("timeout")}
	d := newTestDispatcher(t, realRegistry(t), fs)

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var su *domain.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "complete", su.Op)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

// ── events and rate limiting ──────────────────────────────────────────────────

func TestSubmit_PublishesTerminalEvents(t *testing.T) {
	pub := &fakePublisher{}
	fail := stubHandler{fn: func(context.Context) (any, error) { return nil, errors.New("boom") }}
	ok := handlers.NewEmailParser(handlers.EmailConfig{})
	d := newTestDispatcher(t, handlers.NewRegistry(fail, ok), store.NewMemoryStore(), WithPublisher(pub))

	okRec, err := d.Submit(context.Background(), domain.TypeEmailParse, json.RawMessage(`{"email_content":"hello"}`))
	require.NoError(t, err)
	failRec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	require.Error(t, err)

	require.NoError(t, d.Wait(context.Background()))
	got := map[string]events.Name{}
	for _, ev := range pub.snapshot() {
		got[ev.Task.ID] = ev.Event
	}
	assert.Equal(t, map[string]events.Name{
		okRec.ID:   events.TaskCompleted,
		failRec.ID: events.TaskFailed,
	}, got)
}

func TestSubmit_PublishFailureDoesNotFailTask(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore(), WithPublisher(pub))

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	require.NoError(t, d.Wait(context.Background()))
}

func TestSubmit_RateLimited(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := &fakeRateLimiter{allow: false}
	d := newTestDispatcher(t, realRegistry(t), ms, WithRateLimiter(limiter))

	_, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	var rl *domain.RateLimitExceededError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Limit)
	assert.Equal(t, 0, ms.Len())
}

func TestSubmit_RateLimiterNotConsultedForInvalidInput(t *testing.T) {
	limiter := &fakeRateLimiter{allow: true}
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore(), WithRateLimiter(limiter))

	_, err := d.Submit(context.Background(), domain.TypeEmailParse, json.RawMessage(`{"email_content":""}`))
	require.Error(t, err)
	assert.Zero(t, limiter.calls)
}

func TestSubmit_RateLimiterErrorFailsOpen(t *testing.T) {
	limiter := &fakeRateLimiter{err: errors.New("redis down")}
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore(), WithRateLimiter(limiter))

	rec, err := d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
}

// ── listing ───────────────────────────────────────────────────────────────────

func TestList_NewestFirstAndClamped(t *testing.T) {
	ms := store.NewMemoryStore()
	clock := testNow
	d := NewDispatcher(realRegistry(t), validation.New(validation.Config{EmailMaxLength: 100}), ms,
		WithLogger(discardLogger()),
		WithClock(func() time.Time { clock = clock.Add(time.Second); return clock }),
		WithListLimits(2, 3),
	)
	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := d.Submit(context.Background(), domain.TypeEmailParse,
			json.RawMessage(fmt.Sprintf(`{"email_content":"message %d"}`, i)))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	recs, err := d.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[4], recs[0].ID)
	assert.Equal(t, ids[3], recs[1].ID)

	recs, err = d.List(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestIsStale(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore(), WithStaleAfter(time.Minute))

	old := domain.NewTaskRecord("a", domain.TypeLeadScore, nil, testNow.Add(-2*time.Minute))
	fresh := domain.NewTaskRecord("b", domain.TypeLeadScore, nil, testNow.Add(-10*time.Second))
	assert.True(t, d.IsStale(old))
	assert.False(t, d.IsStale(fresh))

	require.NoError(t, old.Complete(json.RawMessage(`{}`), testNow))
	assert.False(t, d.IsStale(old), "terminal tasks are never stale")
}

func TestPing(t *testing.T) {
	d := newTestDispatcher(t, realRegistry(t), store.NewMemoryStore())
	assert.NoError(t, d.Ping(context.Background()))
}

func TestWait_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := stubHandler{fn: func(context.Context) (any, error) {
		<-release
		return nil, nil
	}}
	d := newTestDispatcher(t, handlers.NewRegistry(stuck), store.NewMemoryStore(), WithTimeout(5*time.Millisecond))
	_, _ = d.Submit(context.Background(), domain.TypeLeadScore, json.RawMessage(leadParams))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

// ── concurrency ───────────────────────────────────────────────────────────────

func TestSubmit_Concurrent(t *testing.T) {
	const n = 50
	ms := store.NewMemoryStore()
	d := newTestDispatcher(t, realRegistry(t), ms)

	var mu sync.Mutex
	seen := make(map[string]struct{}, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			raw := fmt.Sprintf(`{"lead_data":{"company_size":%d,"industry":"retail","budget":1000,"engagement_level":"medium"}}`, i)
			rec, err := d.Submit(ctx, domain.TypeLeadScore, json.RawMessage(raw))
			if err != nil {
				return err
			}
			if rec.Status != domain.StatusCompleted {
				return fmt.Errorf("task %s ended %s", rec.ID, rec.Status)
			}
			mu.Lock()
			seen[rec.ID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, n)
	recs, err := d.List(context.Background(), n)
	require.NoError(t, err)
	assert.Len(t, recs, n)
}
