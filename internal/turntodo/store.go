package turntodo

import "context"

// Store is the TurnTodoStore repository interface (§6).
type Store interface {
	Create(ctx context.Context, t *TurnTodo) error
	FindByTurn(ctx context.Context, turnID string) ([]*TurnTodo, error)
	CountByStatus(ctx context.Context, turnID string) (map[Status]int, error)
	Update(ctx context.Context, id string, patch Patch) (*TurnTodo, error)
	Close() error
}
