package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/worker"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// Dispatcher is the single entry point for submitting tasks. With workers
// enabled it only enqueues; the pool picks the row up. With workers
// disabled it also runs the task in the calling goroutine.
type Dispatcher struct {
	store    database.TaskRepository
	registry *worker.Registry
	inline   bool
}

func NewDispatcher(store database.TaskRepository, inline bool) *Dispatcher {
	return &Dispatcher{
		store:  store,
		inline: inline,
	}
}

// SetRegistry binds the handlers used to validate and run tasks. It must be
// called before the first Submit.
func (d *Dispatcher) SetRegistry(registry *worker.Registry) {
	d.registry = registry
}

func (d *Dispatcher) Inline() bool {
	return d.inline
}

// Submit enqueues a task of taskType with payload encoded as JSON. In
// inline mode the returned task reflects the final outcome; a failed
// handler is recorded on the task, not returned as an error.
func (d *Dispatcher) Submit(ctx context.Context, taskType string, payload any) (*database.Task, error) {
	if d.registry == nil || !d.registry.Has(taskType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	task, err := d.store.Enqueue(ctx, taskType, raw)
	if err != nil {
		return nil, err
	}

	slog.Debug("Task submitted", "task_id", task.ID, "type", taskType, "inline", d.inline)

	if !d.inline {
		return task, nil
	}

	if err := d.runInline(ctx, task); err != nil {
		return nil, err
	}
	return d.store.GetTask(context.WithoutCancel(ctx), task.ID)
}

// runInline claims the task by id and runs it, applying the retry policy
// the pool would apply. Retries wait out their backoff in place; if ctx ends
// while waiting the task is marked failed, since nothing else claims pending
// rows when workers are disabled.
func (d *Dispatcher) runInline(ctx context.Context, task *database.Task) error {
	storeCtx := context.WithoutCancel(ctx)

	for {
		if err := d.store.UpdateStatus(storeCtx, task.ID, database.TaskStatusRunning, nil, ""); err != nil {
			return fmt.Errorf("failed to claim task %d: %w", task.ID, err)
		}

		result, execErr := d.registry.Execute(ctx, task.Type, task.Payload)
		if execErr == nil {
			return d.store.UpdateStatus(storeCtx, task.ID, database.TaskStatusCompleted, result, "")
		}

		slog.Warn("Task failed", "task_id", task.ID, "type", task.Type, "error", execErr)
		errMsg := execErr.Error()
		if errMsg == "" {
			errMsg = "task failed without an error message"
		}
		if err := d.store.UpdateStatus(storeCtx, task.ID, database.TaskStatusFailed, nil, errMsg); err != nil {
			return err
		}

		retried, err := d.store.Retry(storeCtx, task.ID)
		if err != nil {
			return err
		}
		if !retried {
			slog.Warn("Task failed after maximum retries", "task_id", task.ID, "type", task.Type)
			return nil
		}

		pending, err := d.store.GetTask(storeCtx, task.ID)
		if err != nil {
			return err
		}

		slog.Info("Task scheduled for retry", "task_id", task.ID, "retry_count", pending.RetryCount, "run_after", pending.RunAfter)

		if wait := time.Until(pending.RunAfter); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return d.abandonRetry(storeCtx, pending, context.Cause(ctx))
			case <-timer.C:
			}
		}
	}
}

func (d *Dispatcher) abandonRetry(ctx context.Context, task *database.Task, cause error) error {
	slog.Warn("Task retry abandoned", "task_id", task.ID, "type", task.Type, "error", cause)

	if err := d.store.UpdateStatus(ctx, task.ID, database.TaskStatusRunning, nil, ""); err != nil {
		return err
	}
	return d.store.UpdateStatus(ctx, task.ID, database.TaskStatusFailed, nil,
		fmt.Sprintf("retry abandoned: %v (last error: %s)", cause, task.LastError))
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}

	data, err := gojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	return json.RawMessage(data), nil
}
