package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/task"
)

// MemoryRepository is an in-memory implementation of Repository, used in
// tests and ephemeral deployments.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*task.Task)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error { return nil }

func copyTask(t *task.Task) *task.Task {
	cp := *t
	if t.LastRun != nil {
		lr := *t.LastRun
		cp.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		cp.NextRun = &nr
	}
	return &cp
}

// Create inserts a new task, assigning an id and timestamps if unset.
func (r *MemoryRepository) Create(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return errors.Conflict("task already exists: " + t.ID)
	}
	r.tasks[t.ID] = copyTask(t)
	return nil
}

// Get retrieves a task by id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return copyTask(t), nil
}

// Update persists changes to an existing task, bumping updatedAt.
func (r *MemoryRepository) Update(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return errors.NotFound("task", t.ID)
	}
	r.tasks[t.ID] = copyTask(t)
	return nil
}

// Delete removes a task.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return errors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

// List returns every task, ordered by name for stable output.
func (r *MemoryRepository) List(ctx context.Context) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListDue returns every enabled task whose NextRun is at or before now.
func (r *MemoryRepository) ListDue(ctx context.Context, now time.Time) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*task.Task
	for _, t := range r.tasks {
		if t.Due(now) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	return out, nil
}
