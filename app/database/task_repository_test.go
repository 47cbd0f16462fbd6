package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = RunMigrations(db)
	require.NoError(t, err)
	return db
}

func newTestTaskStore(t *testing.T, maxRetries int) *TaskStore {
	t.Helper()
	return NewTaskStore(newTestDB(t), TaskStoreConfig{MaxRetries: maxRetries})
}

func TestTaskStore_EnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	payload := json.RawMessage(`{"feedId":42,"forceRefresh":false}`)
	enqueued, err := store.Enqueue(ctx, "aggregate_feed", payload)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, enqueued.Status)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, TaskStatusRunning, claimed.Status)
	assert.Equal(t, "aggregate_feed", claimed.Type)
	assert.JSONEq(t, string(payload), string(claimed.Payload))
	assert.NotNil(t, claimed.StartedAt)

	next, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "nothing left to claim")
}

func TestTaskStore_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	_, err := store.Enqueue(ctx, "", nil)
	assert.Error(t, err)

	_, err = store.Enqueue(ctx, "fetch_icon", json.RawMessage(`{not json`))
	assert.Error(t, err)

	task, err := store.Enqueue(ctx, "fetch_icon", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(task.Payload))
}

func TestTaskStore_ClaimIsFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	var ids []int64
	for i := 0; i < 3; i++ {
		task, err := store.Enqueue(ctx, "fetch_icon", json.RawMessage(`{"feedId":1}`))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for _, want := range ids {
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, want, claimed.ID)
	}
}

func TestTaskStore_ConcurrentClaimNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewTaskStore(db, DefaultTaskStoreConfig())

	const taskCount = 40
	for i := 0; i < taskCount; i++ {
		_, err := store.Enqueue(ctx, "aggregate_feed", json.RawMessage(`{"feedId":1}`))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.ClaimNext(ctx)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, taskCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %d claimed more than once", id)
	}
}

func TestTaskStore_UpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	task, err := store.Enqueue(ctx, "aggregate_feed", nil)
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, task.ID, TaskStatusCompleted, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot complete")

	err = store.UpdateStatus(ctx, task.ID, TaskStatusPending, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.UpdateStatus(ctx, task.ID, TaskStatusRunning, nil, ""))

	err = store.UpdateStatus(ctx, task.ID, TaskStatusFailed, nil, "")
	assert.ErrorIs(t, err, ErrMissingError)

	result := json.RawMessage(`{"articlesCreated":3,"articlesUpdated":1}`)
	require.NoError(t, store.UpdateStatus(ctx, task.ID, TaskStatusCompleted, result, ""))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.FinishedAt)

	err = store.UpdateStatus(ctx, task.ID, TaskStatusFailed, nil, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")

	err = store.UpdateStatus(ctx, 9999, TaskStatusRunning, nil, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStore_FailedThenRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 2)

	task, err := store.Enqueue(ctx, "aggregate_feed", json.RawMessage(`{"feedId":42}`))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, store.UpdateStatus(ctx, claimed.ID, TaskStatusFailed, nil, "network timeout"))

		failed, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusFailed, failed.Status)
		assert.Equal(t, "network timeout", failed.Error)

		retried, err := store.Retry(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, retried)

		pending, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusPending, pending.Status)
		assert.Equal(t, attempt, pending.RetryCount)
		assert.Empty(t, pending.Error)
	}

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.UpdateStatus(ctx, claimed.ID, TaskStatusFailed, nil, "network timeout"))

	retried, err := store.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, retried, "retry ceiling reached")

	final, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
}

func TestTaskStore_RetryKeepsLastError(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	task, err := store.Enqueue(ctx, "fetch_icon", json.RawMessage(`{"feedId":7}`))
	require.NoError(t, err)

	for _, msg := range []string{"connection refused", "unexpected status 502"} {
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, store.UpdateStatus(ctx, claimed.ID, TaskStatusFailed, nil, msg))

		retried, err := store.Retry(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, retried)

		pending, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusPending, pending.Status)
		assert.Empty(t, pending.Error)
		assert.Equal(t, msg, pending.LastError)
	}

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "unexpected status 502", claimed.LastError)
	require.NoError(t, store.UpdateStatus(ctx, claimed.ID, TaskStatusCompleted, json.RawMessage(`{"ok":true}`), ""))

	done, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, done.Error)
	assert.Equal(t, "unexpected status 502", done.LastError)
}

func TestTaskStore_RetryRejectsNonFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	task, err := store.Enqueue(ctx, "fetch_icon", nil)
	require.NoError(t, err)

	_, err = store.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Retry(ctx, 12345)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStore_RetryBackoffGatesClaim(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t), TaskStoreConfig{
		MaxRetries:   3,
		RetryBackoff: time.Minute,
		MaxBackoff:   time.Hour,
	})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	task, err := store.Enqueue(ctx, "aggregate_feed", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.UpdateStatus(ctx, task.ID, TaskStatusFailed, nil, "boom"))

	ok, err := store.Retry(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	blocked, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked, "retried task must wait out its backoff")

	now = now.Add(time.Minute + time.Second)

	unblocked, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, unblocked)
	assert.Equal(t, task.ID, unblocked.ID)
}

func TestTaskStore_Backoff(t *testing.T) {
	store := &TaskStore{config: TaskStoreConfig{RetryBackoff: time.Second, MaxBackoff: 30 * time.Second}}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{80, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, store.backoff(tt.retry), "retry %d", tt.retry)
	}
}

func TestTaskStore_FailAbandoned(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	orphan, err := store.Enqueue(ctx, "aggregate_feed", nil)
	require.NoError(t, err)
	busy, err := store.Enqueue(ctx, "aggregate_feed", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := store.ClaimNext(ctx)
		require.NoError(t, err)
	}

	now = now.Add(20 * time.Minute)

	failed, err := store.FailAbandoned(ctx, 10*time.Minute, []int64{busy.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{orphan.ID}, failed)

	got, err := store.GetTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "abandoned")

	stillRunning, err := store.GetTask(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, stillRunning.Status)
}

func TestTaskStore_PurgeFinishedAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestTaskStore(t, 3)

	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	done, err := store.Enqueue(ctx, "fetch_icon", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, done.ID, TaskStatusCompleted, nil, ""))

	_, err = store.Enqueue(ctx, "fetch_icon", nil)
	require.NoError(t, err)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskStatusCompleted])
	assert.Equal(t, 1, counts[TaskStatusPending])
	assert.Equal(t, 0, counts[TaskStatusFailed])

	purged, err := store.PurgeFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged, "inside retention window")

	now = now.Add(2 * time.Hour)

	purged, err = store.PurgeFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	tasks, err := store.ListTasks(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskStatusPending, tasks[0].Status)

	pending, err := store.ListTasks(ctx, TaskStatusCompleted, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
