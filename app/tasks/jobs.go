package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/scheduler"
)

const (
	JobAggregateFeeds = "aggregate_feeds"
	JobPurgeTasks     = "purge_tasks"

	PurgeSchedule = "0 3 * * *"
)

// AggregateFeedsJob submits an aggregate_feed task for every enabled feed
// that is due. With workers disabled the tasks run one after another inside
// the job.
func AggregateFeedsJob(d *Dispatcher, feeds database.FeedRepository) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		enabled, err := feeds.ListEnabledFeeds(ctx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		submitted, failed := 0, 0

		for _, f := range enabled {
			if !f.IsDue(now) {
				slog.Debug("Feed not due for refresh yet", "feed", f.Name, "next_fetch_at", f.NextFetchAt)
				continue
			}

			_, err := d.Submit(ctx, TypeAggregateFeed, AggregateFeedPayload{FeedID: f.ID})
			if err != nil {
				slog.Warn("Failed to submit aggregate_feed", "feed", f.Name, "error", err)
				failed++
				continue
			}
			submitted++
		}

		slog.Debug("Feed aggregation queued", "feeds", len(enabled), "submitted", submitted, "failed", failed)

		if failed > 0 && submitted == 0 {
			return fmt.Errorf("failed to submit %d feed aggregations", failed)
		}
		return nil
	}
}

// PurgeTasksJob deletes completed tasks older than retention
func PurgeTasksJob(store database.TaskRepository, retention time.Duration) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		deleted, err := store.PurgeFinished(ctx, retention)
		if err != nil {
			return err
		}
		slog.Info("Purged finished tasks", "deleted", deleted, "retention", retention)
		return nil
	}
}
