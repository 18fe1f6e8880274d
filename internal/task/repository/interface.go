// Package repository provides storage backends for scheduled tasks.
package repository

import (
	"context"
	"time"

	"github.com/relaycore/conductor/internal/task"
)

// Repository defines the interface for scheduled-task storage operations.
type Repository interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*task.Task, error)
	// ListDue returns every enabled task whose NextRun is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*task.Task, error)

	// Close closes the repository (for database connections).
	Close() error
}
