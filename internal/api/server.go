// Package api exposes the task operations over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/service"
	"github.com/t77yq/task-scheduler/internal/store"
)

// Server routes HTTP requests to the task service
type Server struct {
	logger *zap.Logger
	tasks  *service.TaskService
}

// NewServer creates an API server
func NewServer(tasks *service.TaskService, logger *zap.Logger) *Server {
	return &Server{
		logger: logger.Named("api"),
		tasks:  tasks,
	}
}

// Router builds the gin engine with all task routes registered
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.POST("/tasks", s.createTask)
	router.GET("/tasks", s.listTasks)
	router.GET("/tasks/:task_id", s.getTask)
	router.DELETE("/tasks/:task_id", s.deleteTask)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createTask(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := s.tasks.Create(c.Request.Context(), req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
			return
		}
		s.logger.Error("Failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule task"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Task scheduled successfully",
		"task_id": task.ID,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.tasks.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		s.logger.Error("Failed to get task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) deleteTask(c *gin.Context) {
	err := s.tasks.Delete(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		s.logger.Error("Failed to delete task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully"})
}
