package api

import (
	"context"
	"encoding/json"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/feed"
	"github.com/lysyi3m/feedpool/app/pool"
	"github.com/lysyi3m/feedpool/app/scheduler"
	"github.com/lysyi3m/feedpool/app/tasks"
)

type SubmitterInterface interface {
	Submit(ctx context.Context, taskType string, payload any) (*database.Task, error)
}

type SchedulerInterface interface {
	ListTasks() []scheduler.TaskInfo
	Executions() []scheduler.Execution
	TriggerTask(ctx context.Context, id string) error
	EnableTask(id string) error
	DisableTask(id string) error
}

type PoolInterface interface {
	Stats() pool.Stats
}

var (
	_ SubmitterInterface = (*tasks.Dispatcher)(nil)
	_ SchedulerInterface = (*scheduler.Scheduler)(nil)
	_ PoolInterface      = (*pool.Pool)(nil)
)

type Handler struct {
	taskRepo    database.TaskRepository
	feedRepo    database.FeedRepository
	configCache *feed.ConfigCache
	submitter   SubmitterInterface
	scheduler   SchedulerInterface
	pool        PoolInterface
}

type submitTaskRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}
