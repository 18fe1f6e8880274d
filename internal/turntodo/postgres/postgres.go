// Package postgres is a TurnTodoStore backend on top of jackc/pgx/v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/conductor/internal/turntodo"
)

// Store provides PostgreSQL-based turn-todo storage.
type Store struct {
	pool *pgxpool.Pool
}

var _ turntodo.Store = (*Store)(nil)

// New opens (and migrates) a PostgreSQL-backed Store reusing an existing
// pool (typically shared with the conversation postgres Store).
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_todos (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		title TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		outcome TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_todos_turn ON turn_todos(turn_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close is a no-op; the pool is owned by the caller that constructed it.
func (s *Store) Close() error { return nil }

// Create inserts a new turn-todo, assigning an id if unset.
func (s *Store) Create(ctx context.Context, t *turntodo.TurnTodo) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = turntodo.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO turn_todos (id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.TurnID, t.Title, t.AgentType, string(t.Status), t.Outcome, t.StartedAt, t.CompletedAt, t.CreatedAt)
	return err
}

func scanTodo(row pgx.Row) (*turntodo.TurnTodo, error) {
	t := &turntodo.TurnTodo{}
	var status string
	if err := row.Scan(&t.ID, &t.TurnID, &t.Title, &t.AgentType, &status, &t.Outcome, &t.StartedAt, &t.CompletedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = turntodo.Status(status)
	return t, nil
}

// FindByTurn returns every todo scoped to turnID in creation order.
func (s *Store) FindByTurn(ctx context.Context, turnID string) ([]*turntodo.TurnTodo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at
		FROM turn_todos WHERE turn_id = $1 ORDER BY created_at ASC
	`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*turntodo.TurnTodo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByStatus tallies todos scoped to turnID per status.
func (s *Store) CountByStatus(ctx context.Context, turnID string) (map[turntodo.Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM turn_todos WHERE turn_id = $1 GROUP BY status
	`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[turntodo.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[turntodo.Status(status)] = n
	}
	return counts, rows.Err()
}

// Update applies patch to the todo identified by id and returns the
// updated row.
func (s *Store) Update(ctx context.Context, id string, patch turntodo.Patch) (*turntodo.TurnTodo, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at
		FROM turn_todos WHERE id = $1
	`, id)
	t, err := scanTodo(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("turn todo not found: %s", id)
	}
	if err != nil {
		return nil, err
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

	_, err = s.pool.Exec(ctx, `
		UPDATE turn_todos SET status = $1, outcome = $2, started_at = $3, completed_at = $4 WHERE id = $5
	`, string(t.Status), t.Outcome, t.StartedAt, t.CompletedAt, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}
