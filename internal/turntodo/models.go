// Package turntodo holds the TurnTodo plan-item model and its store
// interface, with sqlite and postgres backends mirroring the
// conversation package's split.
package turntodo

import "time"

// Status is a TurnTodo's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// TurnTodo is one plan item created by the LLM via create_todo, scoped to
// a single turn.
type TurnTodo struct {
	ID          string     `json:"id"`
	TurnID      string     `json:"turnId"`
	Title       string     `json:"title"`
	AgentType   string     `json:"agentType"`
	Status      Status     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Patch describes a partial update applied by Store.Update.
type Patch struct {
	Status      *Status
	Outcome     *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// HasPending reports whether any todo in a plan is still pending or in
// progress; the supervisor loop extends maxIter while this holds.
func HasPending(todos []*TurnTodo) bool {
	for _, t := range todos {
		if t.Status == StatusPending || t.Status == StatusInProgress {
			return true
		}
	}
	return false
}
