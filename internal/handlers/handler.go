package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

// ErrParamsType is returned when a handler receives parameters of another task type.
var ErrParamsType = errors.New("unexpected parameter type")

// Input is the read-only view of a task a handler works on.
type Input struct {
	TaskID    string
	CreatedAt time.Time
	Params    any
}

// Handler processes a task of a specific type.
type Handler interface {
	Process(ctx context.Context, in Input) (any, error)
	TaskType() domain.TaskType
}

// Registry maps task types to their handlers. It is built once and never
// mutated, so lookups need no locking.
type Registry struct {
	handlers map[domain.TaskType]Handler
}

// NewRegistry creates a Registry. A later handler for the same type replaces an earlier one.
func NewRegistry(hs ...Handler) *Registry {
	m := make(map[domain.TaskType]Handler, len(hs))
	for _, h := range hs {
		m[h.TaskType()] = h
	}
	return &Registry{handlers: m}
}

// Get returns the handler for the given task type.
// Returns UnknownTaskTypeError if not registered.
func (r *Registry) Get(taskType domain.TaskType) (Handler, error) {
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &domain.UnknownTaskTypeError{TaskType: string(taskType)}
	}
	return h, nil
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func paramsAs[T any](in Input) (T, error) {
	p, ok := in.Params.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: want %T, got %T", ErrParamsType, zero, in.Params)
	}
	return p, nil
}
