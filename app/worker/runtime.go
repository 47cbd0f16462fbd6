package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lysyi3m/feedpool/app/ipc"
)

// Runtime is the loop running inside a worker process. It executes one
// task at a time and reports every outcome back over the channel.
type Runtime struct {
	registry *Registry
	conn     *ipc.Conn
	logger   *slog.Logger
}

func NewRuntime(registry *Registry, conn *ipc.Conn, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registry: registry,
		conn:     conn,
		logger:   logger,
	}
}

// Run processes tasks until ctx is cancelled or the parent closes the
// channel. A task already running when ctx is cancelled is finished and
// reported before Run returns.
func (rt *Runtime) Run(ctx context.Context) error {
	messages := make(chan ipc.Message)
	readErr := make(chan error, 1)

	go func() {
		for {
			msg, err := rt.conn.Receive()
			if errors.Is(err, ipc.ErrInvalidMessage) {
				rt.logger.Warn("Discarding invalid message from pool", "error", err)
				continue
			}
			if err != nil {
				readErr <- err
				return
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	rt.logger.Debug("Worker ready", "handlers", rt.registry.Types())

	for {
		select {
		case <-ctx.Done():
			rt.logger.Debug("Worker stopping")
			return nil

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				rt.logger.Debug("Pool closed the channel, worker exiting")
				return nil
			}
			return fmt.Errorf("failed to read from pool: %w", err)

		case msg := <-messages:
			if msg.Type != ipc.MessageProcessTask {
				rt.logger.Warn("Ignoring unexpected message", "type", msg.Type)
				continue
			}
			if err := rt.process(context.WithoutCancel(ctx), *msg.Task); err != nil {
				return err
			}
		}
	}
}

func (rt *Runtime) process(ctx context.Context, task ipc.TaskEnvelope) error {
	start := time.Now()
	rt.logger.Debug("Task started", "task_id", task.ID, "type", task.Type)

	result, err := rt.registry.Execute(ctx, task.Type, task.Payload)
	if err != nil {
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			rt.logger.Error("Task handler panicked", "task_id", task.ID, "type", task.Type, "panic", panicErr.Value, "stack", string(panicErr.Stack))
		} else {
			rt.logger.Warn("Task failed", "task_id", task.ID, "type", task.Type, "duration", time.Since(start), "error", err)
		}
		return rt.conn.Send(ipc.TaskFailed(task.ID, failureMessage(err)))
	}

	rt.logger.Debug("Task completed", "task_id", task.ID, "type", task.Type, "duration", time.Since(start))
	return rt.conn.Send(ipc.TaskComplete(task.ID, result))
}

func failureMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "task failed without an error message"
}
