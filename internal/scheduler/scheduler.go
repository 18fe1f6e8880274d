// Package scheduler implements the background ticker (§4.8) that
// surfaces due scheduled tasks as synthetic task_run messages with
// pre-allocated turn ids, delivered through the same front-door as
// interactive input.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/task"
	"github.com/relaycore/conductor/internal/task/repository"
)

// Deliver hands a synthesized message to the message front-door
// (router.Router.Route satisfies this).
type Deliver func(ctx context.Context, msg *conversation.Message) error

// Scheduler drives scheduled tasks: on each tick it fires every due
// task's turn into the well-known feed conversation.
type Scheduler struct {
	repo     repository.Repository
	events   *messageevent.Service
	deliver  Deliver
	interval time.Duration
	logger   *logger.Logger

	queue *runQueue
	stop  chan struct{}
	done  chan struct{}
}

// New builds a Scheduler. interval defaults to 60s when zero.
func New(repo repository.Repository, events *messageevent.Service, deliver Deliver, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		repo:     repo,
		events:   events,
		deliver:  deliver,
		interval: interval,
		logger:   log,
		queue:    newRunQueue(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the run queue from the repository and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: failed to load tasks: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		if t.NextRun == nil {
			if err := s.computeNextRun(ctx, t, now); err != nil {
				s.logger.Warn("skipping task with bad cadence",
					zap.String("task", t.Name), zap.Error(err))
				continue
			}
		}
		s.queue.Upsert(t.ID, *t.NextRun)
	}

	go s.run()
	return nil
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Refresh reschedules one task after an API create/update, or drops its
// pending run after a delete/disable.
func (s *Scheduler) Refresh(ctx context.Context, taskID string) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil || !t.Enabled || t.NextRun == nil {
		s.queue.Remove(taskID)
		return
	}
	s.queue.Upsert(t.ID, *t.NextRun)
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every due task once. Exported so tests (and a manual
// run-now endpoint) can drive the scheduler without waiting on the
// ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due := s.queue.PopDue(now)
	// The repository is the source of truth; the queue is an optimization.
	// Catch tasks created out-of-band (another process, direct SQL).
	dbDue, err := s.repo.ListDue(ctx, now)
	if err != nil {
		s.logger.Warn("failed to query due tasks", zap.Error(err))
	}
	seen := make(map[string]bool, len(due))
	for _, id := range due {
		seen[id] = true
	}
	for _, t := range dbDue {
		if !seen[t.ID] {
			due = append(due, t.ID)
		}
	}

	for _, id := range due {
		t, err := s.repo.Get(ctx, id)
		if err != nil {
			continue
		}
		if !t.Due(now) {
			// Rescheduled or disabled since it was queued.
			if t.Enabled && t.NextRun != nil {
				s.queue.Upsert(t.ID, *t.NextRun)
			}
			continue
		}
		s.fire(ctx, t, now)
	}
}

// fire synthesizes one task_run message for t and delivers it through
// the front-door. The feed conversation must already exist: boot runs
// conversation.EnsureWellKnown before Start, and the sqlite backend's
// foreign key would reject the row otherwise.
func (s *Scheduler) fire(ctx context.Context, t *task.Task, now time.Time) {
	content := renderInstruction(t)

	turnID, msg, err := s.events.EmitTaskRunEvent(ctx, messageevent.TaskRunParams{
		TaskName:     t.Name,
		Content:      content,
		AllowedTools: t.Config.AllowedTools,
	}, conversation.WellKnownFeed)
	if err != nil {
		s.logger.Error("failed to emit task_run event",
			zap.String("task", t.Name), zap.Error(err))
		return
	}

	s.logger.Info("scheduled task fired",
		zap.String("task", t.Name), zap.String("turn_id", turnID))

	if err := s.deliver(ctx, msg); err != nil {
		s.logger.Error("failed to deliver task_run message",
			zap.String("task", t.Name), zap.Error(err))
	}

	lastRun := now
	t.LastRun = &lastRun
	if err := s.computeNextRun(ctx, t, now); err != nil {
		s.logger.Warn("failed to compute next run; task will not reschedule",
			zap.String("task", t.Name), zap.Error(err))
		t.NextRun = nil
	}
	if err := s.repo.Update(ctx, t); err != nil {
		s.logger.Warn("failed to persist task run bookkeeping", zap.Error(err))
	}
	if t.NextRun != nil {
		s.queue.Upsert(t.ID, *t.NextRun)
	}
}

// computeNextRun parses the cadence and advances NextRun past now.
func (s *Scheduler) computeNextRun(ctx context.Context, t *task.Task, now time.Time) error {
	schedule, err := cron.ParseStandard(t.Cadence)
	if err != nil {
		return fmt.Errorf("invalid cadence %q: %w", t.Cadence, err)
	}
	next := schedule.Next(now)
	t.NextRun = &next
	return nil
}

// renderInstruction renders the synthetic user-message content carrying
// the task name and its JSON config.
func renderInstruction(t *task.Task) string {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		cfg = []byte("{}")
	}
	return fmt.Sprintf("Scheduled task %q is due. Carry it out now.\nConfiguration: %s", t.Name, cfg)
}
