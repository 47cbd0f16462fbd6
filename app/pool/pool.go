package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/ipc"
)

const (
	DefaultWorkerCount     = 4
	DefaultPollInterval    = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultDebounce        = time.Second
)

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	// Disabled turns the pool into a no-op; callers run handlers inline
	Disabled bool
	// StaleTaskTimeout is how long a running task may go without an owner
	// before it is failed. Zero disables the sweep.
	StaleTaskTimeout time.Duration
	ShutdownTimeout  time.Duration
	// WatchDirs and Executable are watched in dev builds; a change to either
	// restarts the workers
	WatchDirs  []string
	Executable string
	Debounce   time.Duration
}

// Pool keeps WorkerCount worker processes alive and feeds them tasks from
// the store, one dispatch per poll tick.
type Pool struct {
	config  Config
	store   database.TaskRepository
	spawner Spawner
	logger  *slog.Logger
	metrics *poolMetrics

	mu           sync.Mutex
	running      bool
	workers      []*handle
	alive        map[*handle]struct{}
	cancel       context.CancelFunc
	loopDone     chan struct{}
	restartTimer *time.Timer
	storeCtx     context.Context
	wg           sync.WaitGroup
}

func New(config Config, store database.TaskRepository, spawner Spawner, logger *slog.Logger) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		config:  config,
		store:   store,
		spawner: spawner,
		logger:  logger,
		metrics: newPoolMetrics(),
		alive:   make(map[*handle]struct{}),
	}
}

func (p *Pool) Disabled() bool {
	return p.config.Disabled
}

// Start spawns the workers and begins polling. It does nothing when the
// pool is already running or disabled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	if p.config.Disabled {
		p.mu.Unlock()
		p.logger.Info("Worker pool disabled, tasks run inline")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.storeCtx = context.WithoutCancel(ctx)
	loopDone := p.loopDone
	p.mu.Unlock()

	p.logger.Info("Starting worker pool", "workers", p.config.WorkerCount, "poll_interval", p.config.PollInterval)

	p.topUp(loopCtx)

	if err := p.startWatcher(loopCtx); err != nil {
		p.logger.Warn("Failed to start source watcher", "error", err)
	}

	go p.loop(loopCtx, loopDone)
}

// Stop cancels polling, asks every worker to exit and waits for them. A
// worker still alive after ShutdownTimeout is killed. Stop is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, loopDone := p.cancel, p.loopDone
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	procs := make([]*handle, 0, len(p.alive))
	for h := range p.alive {
		h.killed = true
		procs = append(procs, h)
	}
	p.workers = nil
	p.mu.Unlock()

	cancel()
	<-loopDone

	p.logger.Info("Stopping worker pool", "workers", len(procs))

	for _, h := range procs {
		if err := h.proc.Terminate(); err != nil {
			p.logger.Debug("Failed to signal worker", "worker_pid", h.pid, "error", err)
		}
	}

	timeout := time.After(p.config.ShutdownTimeout)
	timedOut := false
	for _, h := range procs {
		if !timedOut {
			select {
			case <-h.done:
				continue
			case <-timeout:
				timedOut = true
				p.logger.Warn("Workers did not exit in time, killing", "timeout", p.config.ShutdownTimeout)
			}
		}
		if err := h.proc.Kill(); err != nil {
			p.logger.Debug("Failed to kill worker", "worker_pid", h.pid, "error", err)
		}
		<-h.done
	}

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Restart terminates every worker. Replacements are spawned on the next
// poll tick.
func (p *Pool) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.logger.Info("Restarting workers", "workers", len(p.workers))
	for _, h := range p.workers {
		if h.killed {
			continue
		}
		h.killed = true
		if err := h.proc.Terminate(); err != nil {
			p.logger.Warn("Failed to signal worker", "worker_pid", h.pid, "error", err)
		}
	}
}

// scheduleRestart debounces Restart so a burst of change events restarts
// the workers once.
func (p *Pool) scheduleRestart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	if p.restartTimer != nil {
		p.restartTimer.Stop()
	}
	p.restartTimer = time.AfterFunc(p.config.Debounce, p.Restart)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Running:     p.running,
		Disabled:    p.config.Disabled,
		WorkerCount: p.config.WorkerCount,
		Workers:     []WorkerStats{},
	}
	for _, h := range p.workers {
		if !h.live() {
			continue
		}
		stats.Workers = append(stats.Workers, WorkerStats{
			PID:       h.pid,
			TaskID:    h.taskID,
			StartedAt: h.startedAt,
		})
	}
	return stats
}

func (p *Pool) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	p.prune()
	p.topUp(ctx)
	p.sweepAbandoned()
	p.dispatch()
}

// prune drops handles of workers that disconnected, exited or were told to
// stop. Their supervising goroutines keep running until the process is reaped.
func (p *Pool) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.workers[:0]
	for _, h := range p.workers {
		if h.live() {
			kept = append(kept, h)
		}
	}
	clear(p.workers[len(kept):])
	p.workers = kept
}

func (p *Pool) topUp(ctx context.Context) {
	p.mu.Lock()
	missing := p.config.WorkerCount - len(p.workers)
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := p.spawn(ctx); err != nil {
			p.logger.Error("Failed to spawn worker", "error", err)
			p.metrics.spawnFailures.Add(p.storeCtx, 1)
			return
		}
	}
}

func (p *Pool) spawn(ctx context.Context) error {
	proc, err := p.spawner.Spawn(ctx)
	if err != nil {
		return err
	}

	h := newHandle(proc)

	p.mu.Lock()
	p.alive[h] = struct{}{}
	p.wg.Add(1)
	if p.running {
		p.workers = append(p.workers, h)
	} else {
		h.killed = true
	}
	running := p.running
	p.mu.Unlock()

	go p.supervise(h)

	if !running {
		proc.Kill()
		return nil
	}

	p.metrics.spawned.Add(p.storeCtx, 1)
	p.logger.Debug("Worker spawned", "worker_pid", h.pid)
	return nil
}

// supervise reads the worker's messages until its channel closes, then
// reaps the process.
func (p *Pool) supervise(h *handle) {
	defer p.wg.Done()

	conn := h.proc.Conn()
	for {
		msg, err := conn.Receive()
		if errors.Is(err, ipc.ErrInvalidMessage) {
			p.logger.Warn("Discarding invalid message from worker", "worker_pid", h.pid, "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("Worker channel failed", "worker_pid", h.pid, "error", err)
			}
			break
		}
		p.handleMessage(h, msg)
	}

	p.mu.Lock()
	h.connected = false
	p.mu.Unlock()

	waitErr := h.proc.Wait()

	p.mu.Lock()
	h.exited = true
	killed, taskID := h.killed, h.taskID
	delete(p.alive, h)
	p.mu.Unlock()

	close(h.done)
	p.metrics.exited.Add(p.storeCtx, 1)

	if killed {
		p.logger.Debug("Worker stopped", "worker_pid", h.pid)
	} else {
		p.logger.Warn("Worker exited", "worker_pid", h.pid, "error", waitErr)
	}

	if taskID != 0 {
		p.logger.Warn("Worker exited with a task in flight", "worker_pid", h.pid, "task_id", taskID,
			"stale_task_timeout", p.config.StaleTaskTimeout)
	}
}

func (p *Pool) handleMessage(h *handle, msg ipc.Message) {
	switch msg.Type {
	case ipc.MessageTaskComplete:
		err := p.store.UpdateStatus(p.storeCtx, msg.TaskID, database.TaskStatusCompleted, msg.Result, "")
		if err != nil {
			p.logger.Error("Failed to record task completion", "task_id", msg.TaskID, "worker_pid", h.pid, "error", err)
		} else {
			p.metrics.completed.Add(p.storeCtx, 1)
			p.logger.Debug("Task completed", "task_id", msg.TaskID, "worker_pid", h.pid)
		}
		p.release(h, msg.TaskID)

	case ipc.MessageTaskFailed:
		p.logger.Warn("Task failed", "task_id", msg.TaskID, "worker_pid", h.pid, "error", msg.Error)
		p.failTask(msg.TaskID, msg.Error)
		p.release(h, msg.TaskID)

	default:
		p.logger.Warn("Unexpected message from worker", "worker_pid", h.pid, "type", msg.Type)
	}
}

func (p *Pool) release(h *handle, taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.taskID != taskID {
		p.logger.Warn("Worker reported a task it was not given", "worker_pid", h.pid, "task_id", taskID, "expected_task_id", h.taskID)
		return
	}
	h.taskID = 0
}

// failTask records a failure and applies the retry policy
func (p *Pool) failTask(taskID int64, errMsg string) {
	if errMsg == "" {
		errMsg = "task failed without an error message"
	}

	if err := p.store.UpdateStatus(p.storeCtx, taskID, database.TaskStatusFailed, nil, errMsg); err != nil {
		p.logger.Error("Failed to record task failure", "task_id", taskID, "error", err)
		return
	}
	p.metrics.failed.Add(p.storeCtx, 1)

	p.retry(taskID)
}

func (p *Pool) retry(taskID int64) {
	retried, err := p.store.Retry(p.storeCtx, taskID)
	switch {
	case err != nil:
		p.logger.Error("Failed to retry task", "task_id", taskID, "error", err)
	case retried:
		p.logger.Info("Task scheduled for retry", "task_id", taskID)
	default:
		p.logger.Warn("Task failed after maximum retries", "task_id", taskID)
	}
}

func (p *Pool) sweepAbandoned() {
	if p.config.StaleTaskTimeout <= 0 {
		return
	}

	ids, err := p.store.FailAbandoned(p.storeCtx, p.config.StaleTaskTimeout, p.inFlight())
	if err != nil {
		p.logger.Error("Failed to sweep abandoned tasks", "error", err)
	}

	for _, id := range ids {
		p.logger.Warn("Failed abandoned task", "task_id", id, "stale_task_timeout", p.config.StaleTaskTimeout)
		p.metrics.abandoned.Add(p.storeCtx, 1)
		p.retry(id)
	}
}

func (p *Pool) inFlight() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int64
	for h := range p.alive {
		if h.taskID != 0 {
			ids = append(ids, h.taskID)
		}
	}
	return ids
}

// dispatch sends at most one pending task to one idle worker
func (p *Pool) dispatch() {
	p.mu.Lock()
	var worker *handle
	for _, h := range p.workers {
		if h.idle() {
			worker = h
			break
		}
	}
	p.mu.Unlock()

	if worker == nil {
		return
	}

	task, err := p.store.ClaimNext(p.storeCtx)
	if err != nil {
		p.logger.Error("Failed to claim task", "error", err)
		return
	}
	if task == nil {
		return
	}

	p.mu.Lock()
	worker.taskID = task.ID
	p.mu.Unlock()

	err = worker.proc.Conn().Send(ipc.ProcessTask(ipc.TaskEnvelope{
		ID:      task.ID,
		Type:    task.Type,
		Payload: task.Payload,
	}))
	if err != nil {
		p.logger.Error("Failed to dispatch task", "task_id", task.ID, "worker_pid", worker.pid, "error", err)
		p.mu.Lock()
		worker.taskID = 0
		p.mu.Unlock()
		p.failTask(task.ID, "failed to dispatch task to worker: "+err.Error())
		return
	}

	p.metrics.dispatched.Add(p.storeCtx, 1)
	p.logger.Debug("Task dispatched", "task_id", task.ID, "type", task.Type, "worker_pid", worker.pid)
}
