package domain

import (
	"encoding/json"
	"time"
)

// TaskType names the kind of automation work a task performs.
type TaskType string

const (
	TypeEmailParse      TaskType = "email_parse"
	TypeInvoiceGenerate TaskType = "invoice_generate"
	TypeLeadScore       TaskType = "lead_score"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure codes recorded in TaskError.Code.
const (
	CodeHandlerTimeout   = "HandlerTimeout"
	CodeHandlerExecution = "HandlerExecutionError"
)

// TaskError is the failure reason stored on a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskRecord is the persisted lifecycle of a single task.
type TaskRecord struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Status      Status          `json:"status"`
	Parameters  json.RawMessage `json:"parameters"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTaskRecord returns a pending record.
func NewTaskRecord(id string, taskType TaskType, params json.RawMessage, createdAt time.Time) *TaskRecord {
	return &TaskRecord{
		ID:         id,
		Type:       taskType,
		Status:     StatusPending,
		Parameters: params,
		CreatedAt:  createdAt.UTC(),
	}
}

// Complete moves a pending record to completed.
func (r *TaskRecord) Complete(result json.RawMessage, at time.Time) error {
	if r.Status.IsTerminal() {
		return &TaskAlreadyTerminalError{TaskID: r.ID, Status: r.Status}
	}
	t := at.UTC()
	r.Status = StatusCompleted
	r.Result = result
	r.Error = nil
	r.CompletedAt = &t
	return nil
}

// Fail moves a pending record to failed.
func (r *TaskRecord) Fail(taskErr *TaskError, at time.Time) error {
	if r.Status.IsTerminal() {
		return &TaskAlreadyTerminalError{TaskID: r.ID, Status: r.Status}
	}
	if taskErr == nil {
		taskErr = &TaskError{Code: CodeHandlerExecution, Message: "unknown failure"}
	}
	t := at.UTC()
	r.Status = StatusFailed
	r.Result = nil
	r.Error = taskErr
	r.CompletedAt = &t
	return nil
}

// IsStale reports whether the record is still pending after the given age.
// A crash between creation and the terminal write leaves such records behind.
func (r *TaskRecord) IsStale(now time.Time, after time.Duration) bool {
	return r.Status == StatusPending && now.Sub(r.CreatedAt) > after
}

// Clone returns a deep copy so callers cannot reach into stored state.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), r.Parameters...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
