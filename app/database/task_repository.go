package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
	DefaultMaxBackoff   = 30 * time.Second
)

var _ TaskRepository = (*TaskStore)(nil)

type TaskStoreConfig struct {
	// MaxRetries is the number of times a failed task may go back to pending.
	MaxRetries int
	// RetryBackoff is the delay before the first retry becomes claimable;
	// each further retry doubles it. Zero makes retries claimable at once.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func DefaultTaskStoreConfig() TaskStoreConfig {
	return TaskStoreConfig{
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

// TaskStore handles database operations for tasks
type TaskStore struct {
	db     *DB
	config TaskStoreConfig
	now    func() time.Time
}

func NewTaskStore(db *DB, config TaskStoreConfig) *TaskStore {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}

	return &TaskStore{
		db:     db,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const taskColumns = `id, type, payload, status, result, error, last_error, retry_count,
	run_after, started_at, finished_at, created_at, updated_at`

// Enqueue inserts a new pending task
func (s *TaskStore) Enqueue(ctx context.Context, taskType string, payload json.RawMessage) (*Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("task payload is not valid JSON")
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (type, payload, status, retry_count, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, taskType, string(payload), TaskStatusPending, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get task id: %w", err)
	}

	return &Task{
		ID:        id,
		Type:      taskType,
		Payload:   payload,
		Status:    TaskStatusPending,
		RunAfter:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ClaimNext moves the oldest claimable pending task to running and returns
// it, or nil when there is none. The select and the update are one
// statement, so two callers can never claim the same row.
func (s *TaskStore) ClaimNext(ctx context.Context) (*Task, error) {
	now := s.now()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = ?, updated_at = ?
		WHERE status = ? AND id = (
			SELECT id FROM tasks
			WHERE status = ? AND run_after <= ?
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id
	`, TaskStatusRunning, now, now, TaskStatusPending, TaskStatusPending, now).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	return s.GetTask(ctx, id)
}

// UpdateStatus records a status change. Completed and failed are written
// only over a running task; running only over a pending one.
func (s *TaskStore) UpdateStatus(ctx context.Context, id int64, status TaskStatus, result json.RawMessage, errMsg string) error {
	now := s.now()

	var (
		res sql.Result
		err error
	)

	switch status {
	case TaskStatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, TaskStatusRunning, now, now, id, TaskStatusPending)

	case TaskStatusCompleted:
		var resultValue any
		if len(result) > 0 {
			if !json.Valid(result) {
				return fmt.Errorf("task result is not valid JSON")
			}
			resultValue = string(result)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error = NULL, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, TaskStatusCompleted, resultValue, now, now, id, TaskStatusRunning)

	case TaskStatusFailed:
		if errMsg == "" {
			return ErrMissingError
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, result = NULL, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, TaskStatusFailed, errMsg, now, now, id, TaskStatusRunning)

	default:
		return fmt.Errorf("%w: cannot set status %q directly", ErrInvalidTransition, status)
	}

	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	return s.checkTransition(ctx, res, id, status)
}

// Retry puts a failed task back to pending while it is under the retry
// ceiling. The failure message moves to last_error. It returns false when
// the ceiling is reached and the task stays failed.
func (s *TaskStore) Retry(ctx context.Context, id int64) (bool, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	if task.Status != TaskStatusFailed {
		return false, fmt.Errorf("%w: cannot retry task in status %s", ErrInvalidTransition, task.Status)
	}

	if task.RetryCount >= s.config.MaxRetries {
		return false, nil
	}

	retryCount := task.RetryCount + 1
	now := s.now()
	runAfter := now.Add(s.backoff(retryCount))

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = ?, last_error = error, error = NULL, result = NULL,
		    run_after = ?, started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?
	`, TaskStatusPending, retryCount, runAfter, now, id, TaskStatusFailed, task.RetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to retry task: %w", err)
	}

	if err := s.checkTransition(ctx, res, id, TaskStatusPending); err != nil {
		return false, err
	}

	return true, nil
}

func (s *TaskStore) backoff(retryCount int) time.Duration {
	if s.config.RetryBackoff <= 0 || retryCount <= 0 {
		return 0
	}

	if retryCount > 32 {
		return s.config.MaxBackoff
	}

	delay := s.config.RetryBackoff << uint(retryCount-1)
	if delay <= 0 || delay > s.config.MaxBackoff {
		delay = s.config.MaxBackoff
	}
	return delay
}

func (s *TaskStore) checkTransition(ctx context.Context, res sql.Result, id int64, status TaskStatus) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

// GetTask retrieves a task by ID
func (s *TaskStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ListTasks returns the most recent tasks, optionally restricted to one status
func (s *TaskStore) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (? = '' OR status = ?)
		ORDER BY id DESC
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

func (s *TaskStore) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[TaskStatus]int{
		TaskStatusPending:   0,
		TaskStatusRunning:   0,
		TaskStatusCompleted: 0,
		TaskStatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}

	return counts, rows.Err()
}

// FailAbandoned marks running tasks that have not been touched for
// olderThan, and are not in the caller's in-flight set, as failed. It
// returns the IDs it failed so the caller can apply retry policy.
func (s *TaskStore) FailAbandoned(ctx context.Context, olderThan time.Duration, inFlight []int64) ([]int64, error) {
	cutoff := s.now().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? AND updated_at < ? ORDER BY id
	`, TaskStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find abandoned tasks: %w", err)
	}

	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan abandoned task: %w", err)
		}
		if !slices.Contains(inFlight, id) {
			candidates = append(candidates, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating abandoned tasks: %w", err)
	}

	errMsg := fmt.Sprintf("task abandoned: no result reported within %s", olderThan)

	var failed []int64
	for _, id := range candidates {
		err := s.UpdateStatus(ctx, id, TaskStatusFailed, nil, errMsg)
		if errors.Is(err, ErrInvalidTransition) {
			continue // finished in the meantime
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, id)
	}

	return failed, nil
}

// PurgeFinished deletes completed tasks last updated before the retention window
func (s *TaskStore) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status = ? AND updated_at < ?
	`, TaskStatusCompleted, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task       Task
		payload    string
		result     sql.NullString
		errMsg     sql.NullString
		lastErr    sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&task.ID, &task.Type, &payload, &task.Status, &result, &errMsg, &lastErr, &task.RetryCount,
		&task.RunAfter, &startedAt, &finishedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Payload = json.RawMessage(payload)
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.Error = errMsg.String
	task.LastError = lastErr.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}

	return &task, nil
}
