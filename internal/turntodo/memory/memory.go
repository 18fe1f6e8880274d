// Package memory is an in-memory TurnTodoStore backend, used by tests
// and as the "memory" database driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/turntodo"
)

// Store implements turntodo.Store with a map guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	todos map[string]*turntodo.TurnTodo
}

var _ turntodo.Store = (*Store)(nil)

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{todos: make(map[string]*turntodo.TurnTodo)}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Create inserts a new todo, assigning an id and createdAt if unset.
func (s *Store) Create(ctx context.Context, t *turntodo.TurnTodo) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = turntodo.StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.todos[t.ID] = &cp
	return nil
}

// FindByTurn returns every todo for turnID in creation order.
func (s *Store) FindByTurn(ctx context.Context, turnID string) ([]*turntodo.TurnTodo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*turntodo.TurnTodo
	for _, t := range s.todos {
		if t.TurnID == turnID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountByStatus returns per-status counts for one turn's plan.
func (s *Store) CountByStatus(ctx context.Context, turnID string) (map[turntodo.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[turntodo.Status]int)
	for _, t := range s.todos {
		if t.TurnID == turnID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// Update applies patch to the todo with the given id.
func (s *Store) Update(ctx context.Context, id string, patch turntodo.Patch) (*turntodo.TurnTodo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.todos[id]
	if !ok {
		return nil, errors.NotFound("turn todo", id)
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Outcome != nil {
		t.Outcome = *patch.Outcome
	}
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	cp := *t
	return &cp, nil
}
