package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/feed"
	"github.com/lysyi3m/feedpool/app/scheduler"
	"github.com/lysyi3m/feedpool/app/tasks"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

func NewHandler(taskRepo database.TaskRepository, feedRepo database.FeedRepository,
	configCache *feed.ConfigCache, submitter SubmitterInterface,
	scheduler SchedulerInterface, pool PoolInterface) *Handler {
	return &Handler{
		taskRepo:    taskRepo,
		feedRepo:    feedRepo,
		configCache: configCache,
		submitter:   submitter,
		scheduler:   scheduler,
		pool:        pool,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if feedCount, err := h.feedRepo.GetFeedCount(c.Request.Context()); err == nil {
		health["feeds"] = feedCount
	}

	if counts, err := h.taskRepo.CountByStatus(c.Request.Context()); err == nil {
		health["tasks"] = counts
	} else {
		slog.Error("Database error", "operation", "count_tasks", "error", err)
		health["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	if h.configCache != nil {
		health["loaded_configurations"] = h.configCache.GetConfigCount()
	}

	health["status"] = "ok"
	c.JSON(http.StatusOK, health)
}

func (h *Handler) APISubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	task, err := h.submitter.Submit(c.Request.Context(), req.Type, payload)
	if errors.Is(err, tasks.ErrUnknownTaskType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown task type", "type": req.Type})
		return
	}
	if err != nil {
		slog.Error("Error submitting task", "type", req.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"taskId": task.ID,
		"status": task.Status,
	})
}

func (h *Handler) APIListTasks(c *gin.Context) {
	status := database.TaskStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter", "status": status})
		return
	}

	limit := defaultTaskLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = min(n, maxTaskLimit)
	}

	list, err := h.taskRepo.ListTasks(c.Request.Context(), status, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_tasks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if list == nil {
		list = []database.Task{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": list,
		"total": len(list),
	})
}

func (h *Handler) APIGetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	task, err := h.taskRepo.GetTask(c.Request.Context(), id)
	if errors.Is(err, database.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_task", "task_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// APIRetryTask puts a failed task back to pending, subject to the retry ceiling
func (h *Handler) APIRetryTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	retried, err := h.taskRepo.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, database.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	case errors.Is(err, database.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Only failed tasks can be retried", "details": err.Error()})
		return
	case err != nil:
		slog.Error("Database error", "operation", "retry_task", "task_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	case !retried:
		c.JSON(http.StatusConflict, gin.H{"error": "Task reached the maximum number of retries"})
		return
	}

	slog.Info("Task retry requested", "task_id", id)
	c.JSON(http.StatusOK, gin.H{"success": true, "taskId": id})
}

func (h *Handler) APIListScheduledTasks(c *gin.Context) {
	list := h.scheduler.ListTasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": list,
		"total": len(list),
	})
}

func (h *Handler) APIListExecutions(c *gin.Context) {
	execs := h.scheduler.Executions()
	c.JSON(http.StatusOK, gin.H{
		"executions": execs,
		"total":      len(execs),
	})
}

// APIRunScheduledTask runs a scheduled task now and waits for it
func (h *Handler) APIRunScheduledTask(c *gin.Context) {
	id := c.Param("id")

	err := h.scheduler.TriggerTask(c.Request.Context(), id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scheduled task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Scheduled task failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

func (h *Handler) APIEnableScheduledTask(c *gin.Context) {
	h.toggleScheduledTask(c, h.scheduler.EnableTask, true)
}

func (h *Handler) APIDisableScheduledTask(c *gin.Context) {
	h.toggleScheduledTask(c, h.scheduler.DisableTask, false)
}

func (h *Handler) toggleScheduledTask(c *gin.Context, toggle func(string) error, enabled bool) {
	id := c.Param("id")

	if err := toggle(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scheduled task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	slog.Info("Scheduled task toggled", "id", id, "enabled", enabled)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id, "enabled": enabled})
}

func (h *Handler) APIGetPool(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task id"})
		return 0, false
	}
	return id, true
}
