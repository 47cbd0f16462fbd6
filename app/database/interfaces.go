package database

import (
	"context"
	"encoding/json"
	"time"
)

type FeedRepository interface {
	GetFeed(ctx context.Context, id int64) (*Feed, error)
	GetFeedByName(ctx context.Context, name string) (*Feed, error)
	ListEnabledFeeds(ctx context.Context) ([]Feed, error)
	GetFeedCount(ctx context.Context) (int, error)

	UpsertFeed(ctx context.Context, name, feedURL string, enabled bool, refreshInterval time.Duration) (int64, error)
	UpdateFeedMetadata(ctx context.Context, id int64, metadata FeedMetadata, nextFetch time.Time) error
	UpdateFeedIcon(ctx context.Context, id int64, iconURL string) error
}

type ItemRepository interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetItemCount(ctx context.Context, feedID int64) (int, error)

	UpsertItem(ctx context.Context, feedID int64, item Item) (int64, UpsertResult, error)
	UpdateItemContent(ctx context.Context, id int64, content string, extractedAt time.Time) error
}

// TaskRepository is the durable task queue. Every task mutation goes
// through it; claim and status writes are atomic at the row level.
type TaskRepository interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage) (*Task, error)
	ClaimNext(ctx context.Context) (*Task, error)
	UpdateStatus(ctx context.Context, id int64, status TaskStatus, result json.RawMessage, errMsg string) error
	Retry(ctx context.Context, id int64) (bool, error)

	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)

	FailAbandoned(ctx context.Context, olderThan time.Duration, inFlight []int64) ([]int64, error)
	PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error)
}
