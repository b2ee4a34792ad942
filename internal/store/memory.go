package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

// MemoryStore keeps records in process memory. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.TaskRecord
	order   []string // creation order, oldest first
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.TaskRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return &domain.DuplicateTaskError{TaskID: rec.ID}
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage, at time.Time) (*domain.TaskRecord, error) {
	return s.transition(id, func(r *domain.TaskRecord) error {
		return r.Complete(append(json.RawMessage(nil), result...), at)
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, taskErr *domain.TaskError, at time.Time) (*domain.TaskRecord, error) {
	return s.transition(id, func(r *domain.TaskRecord) error {
		var e *domain.TaskError
		if taskErr != nil {
			c := *taskErr
			e = &c
		}
		return r.Fail(e, at)
	})
}

// transition applies fn to a copy and swaps it in only on success, so a
// rejected transition leaves the stored record untouched.
func (s *MemoryStore) transition(id string, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*domain.TaskRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]].Clone())
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
