package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const historyLimit = 100

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	def      Definition
	schedule cron.Schedule
	entryID  cron.EntryID
	armed    bool
}

// Scheduler fires registered tasks on their cron schedules. Definitions
// survive Stop and are re-armed by the next Start.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *schedulerMetrics

	mu          sync.Mutex
	running     bool
	tasks       map[string]*entry
	history     []Execution
	subscribers map[int]func(Execution)
	nextSubID   int
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.SkipIfStillRunning(adapter)),
		),
		logger:      logger,
		metrics:     newSchedulerMetrics(),
		tasks:       make(map[string]*entry),
		subscribers: make(map[int]func(Execution)),
	}
}

// ScheduleTask registers def, replacing any task with the same id. The task
// is armed right away when it is enabled and the scheduler is running.
func (s *Scheduler) ScheduleTask(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("scheduled task id is required")
	}
	if def.Task == nil {
		return fmt.Errorf("scheduled task %s has no callable", def.ID)
	}

	schedule, err := parser.Parse(strings.TrimSpace(def.CronExpression))
	if err != nil {
		s.logger.Error("Rejected scheduled task", "id", def.ID, "cron", def.CronExpression, "error", err)
		return fmt.Errorf("%w %q for task %s: %v", ErrInvalidCronExpression, def.CronExpression, def.ID, err)
	}

	if def.Name == "" {
		def.Name = def.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[def.ID]; ok {
		s.disarm(old)
	}

	e := &entry{def: def, schedule: schedule}
	s.tasks[def.ID] = e

	if s.running && def.Enabled {
		s.arm(e)
	}

	s.logger.Info("Scheduled task registered", "id", def.ID, "cron", def.CronExpression, "enabled", def.Enabled)
	return nil
}

func (s *Scheduler) CancelTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.disarm(e)
	delete(s.tasks, id)

	s.logger.Info("Scheduled task cancelled", "id", id)
	return nil
}

// Start arms every enabled task
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	for _, e := range s.tasks {
		if e.def.Enabled {
			s.arm(e)
		}
	}
	s.cron.Start()

	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop disarms every task and waits for runs in progress to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, e := range s.tasks {
		s.disarm(e)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) EnableTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.def.Enabled = true
	if s.running {
		s.arm(e)
	}
	return nil
}

func (s *Scheduler) DisableTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.def.Enabled = false
	s.disarm(e)
	return nil
}

// TriggerTask runs the task now, outside its schedule. Unlike timer runs,
// the task's error is returned to the caller.
func (s *Scheduler) TriggerTask(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	var def Definition
	if ok {
		def = e.def
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return s.execute(ctx, def, TriggerManual)
}

func (s *Scheduler) GetTaskStatus(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return s.status(e), nil
}

// ListTasks returns every registered task ordered by id
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		infos = append(infos, TaskInfo{
			ID:             e.def.ID,
			Name:           e.def.Name,
			CronExpression: e.def.CronExpression,
			Status:         s.status(e),
		})
	}
	slices.SortFunc(infos, func(a, b TaskInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Executions returns the recent execution history, oldest first
func (s *Scheduler) Executions() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Subscribe registers fn to receive every execution as it is recorded.
// fn runs on the goroutine that ran the task. The returned func removes
// the subscription.
func (s *Scheduler) Subscribe(fn func(Execution)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// arm and disarm must be called with s.mu held
func (s *Scheduler) arm(e *entry) {
	if e.armed {
		return
	}
	def := e.def
	e.entryID = s.cron.Schedule(e.schedule, cron.FuncJob(func() {
		s.execute(context.Background(), def, TriggerSchedule)
	}))
	e.armed = true
}

func (s *Scheduler) disarm(e *entry) {
	if !e.armed {
		return
	}
	s.cron.Remove(e.entryID)
	e.entryID = 0
	e.armed = false
}

func (s *Scheduler) status(e *entry) Status {
	status := Status{
		Enabled:   e.def.Enabled,
		Scheduled: e.armed,
	}
	if !e.armed {
		return status
	}

	next := s.cron.Entry(e.entryID).Next
	if next.IsZero() {
		next = e.schedule.Next(time.Now().UTC())
	}
	next = next.UTC()
	status.NextRun = &next
	return status
}

func (s *Scheduler) execute(ctx context.Context, def Definition, trigger Trigger) error {
	startedAt := time.Now().UTC()
	s.logger.Debug("Running scheduled task", "id", def.ID, "trigger", trigger)

	err := s.call(ctx, def)

	exec := Execution{
		ID:        uuid.NewString(),
		TaskID:    def.ID,
		Name:      def.Name,
		Trigger:   trigger,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		Success:   err == nil,
	}
	if err != nil {
		exec.Error = err.Error()
		s.logger.Error("Scheduled task failed", "id", def.ID, "trigger", trigger, "duration", exec.Duration, "error", err)
	} else {
		s.logger.Info("Scheduled task completed", "id", def.ID, "trigger", trigger, "duration", exec.Duration)
	}

	s.record(exec)
	s.metrics.record(context.WithoutCancel(ctx), exec)
	return err
}

func (s *Scheduler) call(ctx context.Context, def Definition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked", "id", def.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduled task panicked: %v", r)
		}
	}()
	return def.Task(ctx)
}

func (s *Scheduler) record(exec Execution) {
	s.mu.Lock()
	s.history = append(s.history, exec)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	subscribers := make([]func(Execution), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(exec)
	}
}
