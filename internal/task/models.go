// Package task holds the scheduled Task entity (§3) owned by the
// Scheduler: a named cron cadence whose ticks become synthetic task_run
// messages.
package task

import "time"

// Config is the task's JSON configuration: what the scheduled turn should
// do and which tools it may use. An empty AllowedTools list means no
// restriction.
type Config struct {
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// Task is one scheduled job.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Cadence   string     `json:"cadence"` // standard cron expression
	Config    Config     `json:"config"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Due reports whether the task should fire at now: enabled, with a
// computed NextRun that has arrived.
func (t *Task) Due(now time.Time) bool {
	return t.Enabled && t.NextRun != nil && !t.NextRun.After(now)
}
