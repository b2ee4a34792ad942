package domain

import (
	"fmt"
	"strings"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RateLimitExceededError is returned when a task type exceeds its rate limit.
type RateLimitExceededError struct {
	TaskType string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for task type %q: limit is %d", e.TaskType, e.Limit)
}

// UnknownTaskTypeError is returned when no handler is registered for a task type.
type UnknownTaskTypeError struct {
	TaskType string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}

// TaskAlreadyTerminalError is returned when a terminal task is asked to transition again.
type TaskAlreadyTerminalError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s already terminal with status %s", e.TaskID, e.Status)
}

// DuplicateTaskError is returned when a store already holds a record with the same ID.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

// Violation is a single failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Rule names that callers match on.
const (
	RuleNoValidItems = "NoValidItems"
	RuleDecode       = "decode"
)

// ValidationError lists every rule a request broke.
type ValidationError struct {
	TaskType   TaskType
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("invalid %s parameters: %s", e.TaskType, strings.Join(msgs, "; "))
}

// HasRule reports whether any violation carries the given rule.
func (e *ValidationError) HasRule(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// HandlerTimeoutError is returned when a handler exceeds the per-task timeout.
type HandlerTimeoutError struct {
	TaskID  string
	Timeout string
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("task %s: handler exceeded timeout of %s", e.TaskID, e.Timeout)
}

// HandlerExecutionError wraps an unexpected failure inside a handler.
type HandlerExecutionError struct {
	TaskID string
	Err    error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("task %s: handler failed: %v", e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a persistence failure. It is fatal to the request.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("task store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
