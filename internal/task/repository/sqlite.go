package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/task"
)

// SQLiteRepository provides SQLite-based scheduled-task storage.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (and migrates) a SQLite-backed repository at
// path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cadence TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run DATETIME,
		next_run DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(enabled, next_run);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

// Create inserts a new task, assigning an id and timestamps if unset.
func (r *SQLiteRepository) Create(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	config, err := json.Marshal(t.Config)
	if err != nil {
		config = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, name, cadence, config, enabled, last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Cadence, string(config), boolToInt(t.Enabled), t.LastRun, t.NextRun, t.CreatedAt, t.UpdatedAt)
	return err
}

// Get retrieves a task by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, cadence, config, enabled, last_run, next_run, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	return t, err
}

// Update persists changes to an existing task, bumping updatedAt.
func (r *SQLiteRepository) Update(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()

	config, err := json.Marshal(t.Config)
	if err != nil {
		config = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET name = ?, cadence = ?, config = ?, enabled = ?, last_run = ?, next_run = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, t.Cadence, string(config), boolToInt(t.Enabled), t.LastRun, t.NextRun, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("task", t.ID)
	}
	return nil
}

// Delete removes a task.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

// List returns every task, ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cadence, config, enabled, last_run, next_run, created_at, updated_at
		FROM scheduled_tasks ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDue returns every enabled task whose NextRun is at or before now.
func (r *SQLiteRepository) ListDue(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cadence, config, enabled, last_run, next_run, created_at, updated_at
		FROM scheduled_tasks
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*task.Task, error) {
	t := &task.Task{}
	var config string
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &t.Cadence, &config, &enabled, &lastRun, &nextRun, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	_ = json.Unmarshal([]byte(config), &t.Config)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
