package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/task/repository"
)

// SetupRoutes configures the scheduled-task API routes.
func SetupRoutes(router *gin.RouterGroup, repo repository.Repository, log *logger.Logger) {
	handler := NewHandler(repo, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.PUT("/:taskId", handler.UpdateTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)
	}
}
