package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ FeedRepository = (*FeedStore)(nil)

// FeedStore handles database operations for feeds
type FeedStore struct {
	db *DB
}

func NewFeedStore(db *DB) *FeedStore {
	return &FeedStore{db: db}
}

const feedColumns = `id, name, feed_url, link, title, description, icon_url, language,
	enabled, refresh_interval, last_fetched_at, next_fetch_at, created_at, updated_at`

// UpsertFeed inserts or updates a feed definition and returns its ID
func (r *FeedStore) UpsertFeed(ctx context.Context, name, feedURL string, enabled bool, refreshInterval time.Duration) (int64, error) {
	now := time.Now().UTC()

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO feeds (name, feed_url, enabled, refresh_interval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			feed_url = excluded.feed_url,
			enabled = excluded.enabled,
			refresh_interval = excluded.refresh_interval,
			updated_at = excluded.updated_at
		RETURNING id
	`, name, feedURL, enabled, int64(refreshInterval/time.Second), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert feed: %w", err)
	}

	return id, nil
}

// UpdateFeedMetadata stores metadata after a successful fetch and schedules the next one
func (r *FeedStore) UpdateFeedMetadata(ctx context.Context, id int64, metadata FeedMetadata, nextFetch time.Time) error {
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		UPDATE feeds
		SET title = ?, link = ?, description = ?, language = ?,
		    icon_url = CASE WHEN icon_url = '' THEN ? ELSE icon_url END,
		    last_fetched_at = ?, next_fetch_at = ?, updated_at = ?
		WHERE id = ?
	`, metadata.Title, metadata.Link, metadata.Description, metadata.Language,
		metadata.ImageURL, now, nextFetch.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("failed to update feed metadata: %w", err)
	}

	return nil
}

func (r *FeedStore) UpdateFeedIcon(ctx context.Context, id int64, iconURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE feeds SET icon_url = ?, updated_at = ? WHERE id = ?
	`, iconURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update feed icon: %w", err)
	}

	return nil
}

// GetFeed retrieves a feed by ID; it returns nil when the feed does not exist
func (r *FeedStore) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)

	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	return feed, nil
}

func (r *FeedStore) GetFeedByName(ctx context.Context, name string) (*Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE name = ?`, name)

	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed by name: %w", err)
	}

	return feed, nil
}

func (r *FeedStore) ListEnabledFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+feedColumns+` FROM feeds WHERE enabled = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed row: %w", err)
		}
		feeds = append(feeds, *feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed rows: %w", err)
	}

	return feeds, nil
}

// GetFeedCount returns the total number of feeds
func (r *FeedStore) GetFeedCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get feed count: %w", err)
	}
	return count, nil
}

func scanFeed(row rowScanner) (*Feed, error) {
	var (
		feed            Feed
		refreshInterval int64
		lastFetchedAt   sql.NullTime
		nextFetchAt     sql.NullTime
	)

	err := row.Scan(
		&feed.ID, &feed.Name, &feed.FeedURL, &feed.Link, &feed.Title, &feed.Description,
		&feed.IconURL, &feed.Language, &feed.Enabled, &refreshInterval,
		&lastFetchedAt, &nextFetchAt, &feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.RefreshInterval = time.Duration(refreshInterval) * time.Second
	if lastFetchedAt.Valid {
		t := lastFetchedAt.Time
		feed.LastFetchedAt = &t
	}
	if nextFetchAt.Valid {
		t := nextFetchAt.Time
		feed.NextFetchAt = &t
	}

	return &feed, nil
}
