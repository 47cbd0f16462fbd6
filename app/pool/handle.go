package pool

import "time"

// handle is the pool's view of one worker process. All fields except proc
// and done are guarded by Pool.mu.
type handle struct {
	proc      Process
	pid       int
	startedAt time.Time

	connected bool
	killed    bool
	exited    bool

	// taskID is the task currently dispatched to the worker, 0 when idle
	taskID int64

	done chan struct{}
}

func newHandle(proc Process) *handle {
	return &handle{
		proc:      proc,
		pid:       proc.Pid(),
		startedAt: time.Now(),
		connected: true,
		done:      make(chan struct{}),
	}
}

func (h *handle) live() bool {
	return h.connected && !h.killed && !h.exited
}

func (h *handle) idle() bool {
	return h.live() && h.taskID == 0
}

// WorkerStats describes one live worker
type WorkerStats struct {
	PID       int       `json:"pid"`
	TaskID    int64     `json:"taskId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type Stats struct {
	Running     bool          `json:"running"`
	Disabled    bool          `json:"disabled"`
	WorkerCount int           `json:"workerCount"`
	Workers     []WorkerStats `json:"workers"`
}
