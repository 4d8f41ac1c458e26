package task

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the mutex-guarded in-memory Store used by tests and
// the CLI's default configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create stores a new task.
func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get returns a task by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns tasks matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition atomically applies a status change under the store lock.
func (s *MemoryStore) Transition(ctx context.Context, id string, expect []Status, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(t.Status, expect) {
		next := t.Clone()
		mutate(next)
		return nil, &TransitionError{TaskID: id, From: t.Status, To: next.Status}
	}
	mutate(t)
	return t.Clone(), nil
}

// PendingByRole lists a role's pending tasks in queue order.
func (s *MemoryStore) PendingByRole(ctx context.Context, roleID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPending && t.RoleID == roleID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return byQueueOrder(out[i], out[j]) })
	return out, nil
}
