// Package sqlite is a TurnTodoStore backend on top of mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaycore/conductor/internal/turntodo"
)

// Store provides SQLite-based turn-todo storage.
type Store struct {
	db *sql.DB
}

var _ turntodo.Store = (*Store)(nil)

// New opens (and migrates) a SQLite-backed Store at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_todos (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		title TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		outcome TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_todos_turn ON turn_todos(turn_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_todos (id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TurnID, t.Title, t.AgentType, string(t.Status), t.Outcome, t.StartedAt, t.CompletedAt, t.CreatedAt)
	return err
}

func scanTodo(row interface {
	Scan(dest ...interface{}) error
}) (*turntodo.TurnTodo, error) {
	t := &turntodo.TurnTodo{}
	var status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.TurnID, &t.Title, &t.AgentType, &status, &t.Outcome, &startedAt, &completedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = turntodo.Status(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// FindByTurn returns every todo scoped to turnID in creation order.
func (s *Store) FindByTurn(ctx context.Context, turnID string) ([]*turntodo.TurnTodo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at
		FROM turn_todos WHERE turn_id = ? ORDER BY created_at ASC
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM turn_todos WHERE turn_id = ? GROUP BY status
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
	row := s.db.QueryRowContext(ctx, `
		SELECT id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at
		FROM turn_todos WHERE id = ?
	`, id)
	t, err := scanTodo(row)
	if err == sql.ErrNoRows {
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

	_, err = s.db.ExecContext(ctx, `
		UPDATE turn_todos SET status = ?, outcome = ?, started_at = ?, completed_at = ? WHERE id = ?
	`, string(t.Status), t.Outcome, t.StartedAt, t.CompletedAt, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}
