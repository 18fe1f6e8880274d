package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/task"
	"github.com/relaycore/conductor/internal/task/repository"
)

// Handler contains HTTP handlers for the scheduled-task API.
type Handler struct {
	repo   repository.Repository
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(repo repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: log,
	}
}

// CreateTask creates a new scheduled task.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	schedule, err := cron.ParseStandard(req.Cadence)
	if err != nil {
		appErr := errors.ValidationError("cadence", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	next := schedule.Next(time.Now().UTC())

	t := &task.Task{
		Name:    req.Name,
		Cadence: req.Cadence,
		Config: task.Config{
			Description:  req.Description,
			AllowedTools: req.AllowedTools,
		},
		Enabled: enabled,
		NextRun: &next,
	}

	if err := h.repo.Create(c.Request.Context(), t); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		appErr := errors.Internal("failed to create task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, t)
}

// GetTask retrieves a scheduled task by id.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	t, err := h.repo.Get(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.NotFound("task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// UpdateTask updates an existing scheduled task.
// PUT /api/v1/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	t, err := h.repo.Get(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.NotFound("task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Cadence != nil {
		schedule, err := cron.ParseStandard(*req.Cadence)
		if err != nil {
			appErr := errors.ValidationError("cadence", err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		t.Cadence = *req.Cadence
		next := schedule.Next(time.Now().UTC())
		t.NextRun = &next
	}
	if req.Description != nil {
		t.Config.Description = *req.Description
	}
	if req.AllowedTools != nil {
		t.Config.AllowedTools = req.AllowedTools
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	if err := h.repo.Update(c.Request.Context(), t); err != nil {
		h.logger.Error("failed to update task", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.Internal("failed to update task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// DeleteTask removes a scheduled task.
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.repo.Delete(c.Request.Context(), taskID); err != nil {
		appErr := errors.NotFound("task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": taskID})
}

// ListTasks returns every scheduled task.
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		appErr := errors.Internal("failed to list tasks", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}
