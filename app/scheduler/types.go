package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound          = errors.New("scheduled task not found")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
)

// TaskFunc is the callable bound to a scheduled task
type TaskFunc func(ctx context.Context) error

// Definition is a named recurring job. CronExpression uses the five-field
// syntax and is evaluated in UTC.
type Definition struct {
	ID             string
	Name           string
	CronExpression string
	Enabled        bool
	Task           TaskFunc
}

type Status struct {
	Enabled   bool       `json:"enabled"`
	Scheduled bool       `json:"scheduled"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

type TaskInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	Status
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Execution is the recorded outcome of one run of a scheduled task
type Execution struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"taskId"`
	Name      string        `json:"name"`
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}
