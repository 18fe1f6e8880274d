package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/task"
	"github.com/relaycore/conductor/internal/task/repository"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *repository.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepository()
	engine := gin.New()
	SetupRoutes(engine.Group("/api/v1"), repo, logger.NewNop())
	return engine, repo
}

func TestCreateTask(t *testing.T) {
	engine, repo := setupTestRouter(t)

	body, _ := json.Marshal(CreateTaskRequest{
		Name:         "morning-feed",
		Cadence:      "*/30 * * * *",
		Description:  "refresh the feed",
		AllowedTools: []string{"web_search"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created task.Task
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if created.ID == "" || !created.Enabled {
		t.Errorf("created task malformed: %+v", created)
	}
	if created.NextRun == nil || !created.NextRun.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("NextRun not computed from cadence: %v", created.NextRun)
	}

	stored, err := repo.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if len(stored.Config.AllowedTools) != 1 {
		t.Errorf("allowed tools not stored: %+v", stored.Config)
	}
}

func TestCreateTask_RejectsBadCadence(t *testing.T) {
	engine, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateTaskRequest{Name: "bad", Cadence: "not-cron"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an invalid cadence, got %d", w.Code)
	}
}

func TestUpdateTask(t *testing.T) {
	engine, repo := setupTestRouter(t)

	tk := &task.Task{Name: "old", Cadence: "0 * * * *", Enabled: true}
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	disabled := false
	name := "renamed"
	body, _ := json.Marshal(UpdateTaskRequest{Name: &name, Enabled: &disabled})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/tasks/"+tk.ID, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	after, _ := repo.Get(context.Background(), tk.ID)
	if after.Name != "renamed" || after.Enabled {
		t.Errorf("update not applied: %+v", after)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	engine, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	engine, repo := setupTestRouter(t)

	tk := &task.Task{Name: "doomed", Cadence: "0 * * * *", Enabled: true}
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+tk.ID, nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, err := repo.Get(context.Background(), tk.ID); err == nil {
		t.Errorf("task still present after delete")
	}
}

func TestListTasks(t *testing.T) {
	engine, repo := setupTestRouter(t)

	for _, name := range []string{"a-task", "b-task"} {
		if err := repo.Create(context.Background(), &task.Task{Name: name, Cadence: "0 * * * *", Enabled: true}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Tasks []task.Task `json:"tasks"`
		Count int         `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Count != 2 || len(resp.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", resp.Count)
	}
}
