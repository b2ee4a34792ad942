package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "pending"},
		{domain.StatusCompleted, "completed"},
		{domain.StatusFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	if domain.StatusPending.IsTerminal() {
		t.Error("IsTerminal(pending) = true, want false")
	}
}

func newRecord() *domain.TaskRecord {
	return domain.NewTaskRecord("task-1", domain.TypeLeadScore, json.RawMessage(`{}`),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestTaskRecord_Complete(t *testing.T) {
	rec := newRecord()
	at := rec.CreatedAt.Add(time.Second)

	if err := rec.Complete(json.RawMessage(`{"ok":true}`), at); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.Error != nil {
		t.Error("error must be nil on a completed task")
	}
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(at) {
		t.Errorf("completed_at = %v, want %v", rec.CompletedAt, at)
	}
}

func TestTaskRecord_TransitionsOnlyOnce(t *testing.T) {
	rec := newRecord()
	if err := rec.Fail(&domain.TaskError{Code: domain.CodeHandlerTimeout, Message: "slow"}, time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	err := rec.Complete(json.RawMessage(`{}`), time.Now())
	var terminal *domain.TaskAlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TaskAlreadyTerminalError, got %v", err)
	}
	if rec.Status != domain.StatusFailed || rec.Result != nil {
		t.Errorf("record changed after rejected transition: %+v", rec)
	}
	if err := rec.Fail(nil, time.Now()); err == nil {
		t.Error("second Fail must be rejected")
	}
}

func TestTaskRecord_FailWithoutReason(t *testing.T) {
	rec := newRecord()
	if err := rec.Fail(nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if rec.Error == nil || rec.Error.Code != domain.CodeHandlerExecution {
		t.Errorf("expected default execution error, got %+v", rec.Error)
	}
}

func TestTaskRecord_IsStale(t *testing.T) {
	rec := newRecord()
	now := rec.CreatedAt.Add(10 * time.Minute)

	if !rec.IsStale(now, 5*time.Minute) {
		t.Error("pending record older than threshold should be stale")
	}
	if rec.IsStale(now, 15*time.Minute) {
		t.Error("pending record younger than threshold should not be stale")
	}
	_ = rec.Complete(json.RawMessage(`{}`), now)
	if rec.IsStale(now.Add(time.Hour), time.Minute) {
		t.Error("terminal record is never stale")
	}
}

func TestTaskRecord_CloneIsDeep(t *testing.T) {
	rec := newRecord()
	_ = rec.Complete(json.RawMessage(`{"a":1}`), time.Now())

	c := rec.Clone()
	c.Result[0] = 'X'
	*c.CompletedAt = time.Time{}

	if string(rec.Result) != `{"a":1}` {
		t.Errorf("original result mutated: %s", rec.Result)
	}
	if rec.CompletedAt.IsZero() {
		t.Error("original completed_at mutated")
	}
}

func TestNormalizeIndustry(t *testing.T) {
	tests := map[string]string{
		"technology": "technology",
		" Finance ":  "finance",
		"aerospace":  "other",
		"":           "other",
		"OTHER":      "other",
		"Healthcare": "healthcare",
	}
	for in, want := range tests {
		if got := domain.NormalizeIndustry(in); got != want {
			t.Errorf("NormalizeIndustry(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAmount_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(domain.NewAmount(decimal.RequireFromString("300")))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "300.00" {
		t.Errorf("Amount JSON = %s, want 300.00", b)
	}

	var a domain.Amount
	if err := json.Unmarshal([]byte(`12.5`), &a); err != nil {
		t.Fatal(err)
	}
	if !a.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Amount = %s, want 12.5", a.String())
	}
}
