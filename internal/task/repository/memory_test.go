package repository

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/task"
)

func TestMemoryRepository_CRUD(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tk := &task.Task{
		Name:    "nightly-report",
		Cadence: "0 2 * * *",
		Config:  task.Config{Description: "compile the nightly report"},
		Enabled: true,
	}
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tk.ID == "" || tk.CreatedAt.IsZero() {
		t.Errorf("Create did not assign id/timestamps: %+v", tk)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "nightly-report" || got.Config.Description != "compile the nightly report" {
		t.Errorf("Get returned wrong task: %+v", got)
	}

	got.Enabled = false
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	after, _ := repo.Get(ctx, tk.ID)
	if after.Enabled {
		t.Errorf("Update did not persist")
	}

	if err := repo.Delete(ctx, tk.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, tk.ID); !errors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestMemoryRepository_GetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.Get(context.Background(), "nope"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryRepository_ListDue(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seed := []*task.Task{
		{Name: "due-late", Cadence: "* * * * *", Enabled: true, NextRun: &past},
		{Name: "due-early", Cadence: "* * * * *", Enabled: true, NextRun: &earlier},
		{Name: "not-due", Cadence: "* * * * *", Enabled: true, NextRun: &future},
		{Name: "disabled", Cadence: "* * * * *", Enabled: false, NextRun: &past},
		{Name: "never-scheduled", Cadence: "* * * * *", Enabled: true},
	}
	for _, tk := range seed {
		if err := repo.Create(ctx, tk); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	due, err := repo.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	if due[0].Name != "due-early" || due[1].Name != "due-late" {
		t.Errorf("due tasks out of order: %s, %s", due[0].Name, due[1].Name)
	}
}

func TestMemoryRepository_CopiesOnRead(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tk := &task.Task{Name: "orig", Cadence: "* * * * *", Enabled: true}
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := repo.Get(ctx, tk.ID)
	got.Name = "mutated"

	again, _ := repo.Get(ctx, tk.ID)
	if again.Name != "orig" {
		t.Errorf("repository leaked internal state: %q", again.Name)
	}
}
