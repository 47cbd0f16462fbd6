package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ ItemRepository = (*ItemStore)(nil)

// ItemStore handles database operations for feed items
type ItemStore struct {
	db *DB
}

func NewItemStore(db *DB) *ItemStore {
	return &ItemStore{db: db}
}

// UpsertItem stores an item keyed by (feed, guid). An existing item is
// rewritten only when its content hash changed. Content saved by article
// extraction is kept over the feed's own content.
func (r *ItemStore) UpsertItem(ctx context.Context, feedID int64, item Item) (int64, UpsertResult, error) {
	authors, err := json.Marshal(nonNil(item.Authors))
	if err != nil {
		return 0, ItemUnchanged, fmt.Errorf("failed to encode authors: %w", err)
	}
	categories, err := json.Marshal(nonNil(item.Categories))
	if err != nil {
		return 0, ItemUnchanged, fmt.Errorf("failed to encode categories: %w", err)
	}

	now := time.Now().UTC()

	var (
		existingID   int64
		existingHash string
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, content_hash FROM feed_items WHERE feed_id = ? AND guid = ?
	`, feedID, item.GUID).Scan(&existingID, &existingHash)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO feed_items (
				feed_id, guid, link, title, description, content, published_at,
				authors, categories, is_filtered, filter_reason, content_hash,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, feedID, item.GUID, item.Link, item.Title, item.Description, item.Content, item.PublishedAt.UTC(),
			string(authors), string(categories), item.IsFiltered, item.FilterReason, item.ContentHash,
			now, now)
		if err != nil {
			return 0, ItemUnchanged, fmt.Errorf("failed to insert item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, ItemUnchanged, fmt.Errorf("failed to get item id: %w", err)
		}
		return id, ItemCreated, nil

	case err != nil:
		return 0, ItemUnchanged, fmt.Errorf("failed to look up item: %w", err)
	}

	if existingHash == item.ContentHash {
		return existingID, ItemUnchanged, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE feed_items
		SET link = ?, title = ?, description = ?,
		    content = CASE WHEN content_extracted_at IS NULL THEN ? ELSE content END,
		    published_at = ?,
		    authors = ?, categories = ?, is_filtered = ?, filter_reason = ?,
		    content_hash = ?, updated_at = ?
		WHERE id = ?
	`, item.Link, item.Title, item.Description, item.Content, item.PublishedAt.UTC(),
		string(authors), string(categories), item.IsFiltered, item.FilterReason,
		item.ContentHash, now, existingID)
	if err != nil {
		return 0, ItemUnchanged, fmt.Errorf("failed to update item: %w", err)
	}

	return existingID, ItemUpdated, nil
}

func (r *ItemStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	var (
		item        Item
		authors     string
		categories  string
		extractedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, feed_id, guid, link, title, description, content, published_at,
		       authors, categories, is_filtered, filter_reason, content_hash,
		       content_extracted_at, created_at, updated_at
		FROM feed_items
		WHERE id = ?
	`, id).Scan(
		&item.ID, &item.FeedID, &item.GUID, &item.Link, &item.Title, &item.Description,
		&item.Content, &item.PublishedAt, &authors, &categories, &item.IsFiltered,
		&item.FilterReason, &item.ContentHash, &extractedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	if err := json.Unmarshal([]byte(authors), &item.Authors); err != nil {
		return nil, fmt.Errorf("failed to decode authors: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &item.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	if extractedAt.Valid {
		t := extractedAt.Time
		item.ContentExtractedAt = &t
	}

	return &item, nil
}

// GetItemCount returns the total number of items for a feed
func (r *ItemStore) GetItemCount(ctx context.Context, feedID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feed_items WHERE feed_id = ?", feedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get item count: %w", err)
	}
	return count, nil
}

func (r *ItemStore) UpdateItemContent(ctx context.Context, id int64, content string, extractedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE feed_items SET content = ?, content_extracted_at = ?, updated_at = ? WHERE id = ?
	`, content, extractedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update item content: %w", err)
	}

	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
