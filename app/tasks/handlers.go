package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/feed"
)

// Submitter queues follow-up tasks
type Submitter interface {
	Submit(ctx context.Context, taskType string, payload any) (*database.Task, error)
}

type HandlerDeps struct {
	Feeds     database.FeedRepository
	Items     database.ItemRepository
	Configs   *feed.ConfigCache
	Fetcher   *Fetcher
	Submitter Submitter
}

// Handlers implements the task types run by workers
type Handlers struct {
	feeds      database.FeedRepository
	items      database.ItemRepository
	configs    *feed.ConfigCache
	fetcher    *Fetcher
	submitter  Submitter
	parser     *feed.Parser
	filterer   *feed.Filterer
	extractor  *feed.ContentExtractor
	iconFinder *feed.IconFinder
	now        func() time.Time
}

func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		feeds:      deps.Feeds,
		items:      deps.Items,
		configs:    deps.Configs,
		fetcher:    deps.Fetcher,
		submitter:  deps.Submitter,
		parser:     feed.NewParser(),
		filterer:   feed.NewFilterer(),
		extractor:  feed.NewContentExtractor(),
		iconFinder: feed.NewIconFinder(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AggregateFeed fetches a feed, stores its items and queues the follow-up
// work for them. A feed that is not due is skipped unless ForceRefresh is set.
func (h *Handlers) AggregateFeed(ctx context.Context, p AggregateFeedPayload) (AggregateFeedResult, error) {
	var result AggregateFeedResult
	start := time.Now()

	if p.FeedID <= 0 {
		return result, fmt.Errorf("feedId is required")
	}

	f, err := h.feeds.GetFeed(ctx, p.FeedID)
	if err != nil {
		return result, err
	}
	if f == nil {
		return result, fmt.Errorf("feed %d not found", p.FeedID)
	}

	now := h.now()
	if !p.ForceRefresh && (!f.Enabled || !f.IsDue(now)) {
		slog.Debug("Feed not due for refresh, skipping", "feed", f.Name, "enabled", f.Enabled, "next_fetch_at", f.NextFetchAt)
		result.Skipped = true
		return result, nil
	}

	config := h.feedConfig(f)

	data, err := h.fetcher.Fetch(ctx, f.FeedURL, config.Settings.TimeoutDuration(), false)
	if err != nil {
		return result, fmt.Errorf("failed to fetch feed: %w", err)
	}

	metadata, items, err := h.parser.Run(data)
	if err != nil {
		return result, err
	}

	if limit := config.Settings.MaxItems; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	items = h.filterer.Run(items, config)

	filteredCount := 0
	var created []int64

	for _, item := range items {
		id, res, err := h.items.UpsertItem(ctx, f.ID, database.Item{
			GUID:         item.GUID,
			Link:         item.Link,
			Title:        item.Title,
			Description:  item.Description,
			Content:      item.Content,
			PublishedAt:  item.PublishedAt,
			Authors:      item.Authors,
			Categories:   item.Categories,
			IsFiltered:   item.IsFiltered,
			FilterReason: item.FilterReason,
			ContentHash:  item.ContentHash,
		})
		if err != nil {
			return result, fmt.Errorf("failed to store item %s: %w", item.GUID, err)
		}

		if item.IsFiltered {
			filteredCount++
		}

		switch res {
		case database.ItemCreated:
			result.ArticlesCreated++
			if config.Settings.ExtractContent && !item.IsFiltered && item.Link != "" {
				created = append(created, id)
			}
		case database.ItemUpdated:
			result.ArticlesUpdated++
		}
	}

	err = h.feeds.UpdateFeedMetadata(ctx, f.ID, database.FeedMetadata{
		Title:       metadata.Title,
		Link:        metadata.Link,
		Description: metadata.Description,
		ImageURL:    metadata.ImageURL,
		Language:    metadata.Language,
	}, now.Add(f.RefreshInterval))
	if err != nil {
		return result, fmt.Errorf("failed to store feed metadata: %w", err)
	}

	for _, id := range created {
		h.submit(ctx, TypeAggregateArticle, AggregateArticlePayload{ArticleID: id})
	}
	if f.IconURL == "" && metadata.ImageURL == "" {
		h.submit(ctx, TypeFetchIcon, FetchIconPayload{FeedID: f.ID})
	}

	slog.Info("Task completed",
		"type", TypeAggregateFeed,
		"feed", f.Name,
		"duration", time.Since(start),
		"total", len(items),
		"filtered", filteredCount,
		"created", result.ArticlesCreated,
		"updated", result.ArticlesUpdated)

	return result, nil
}

// AggregateArticle downloads an article page and stores its readable content
func (h *Handlers) AggregateArticle(ctx context.Context, p AggregateArticlePayload) (AggregateArticleResult, error) {
	var result AggregateArticleResult

	if p.ArticleID <= 0 {
		return result, fmt.Errorf("articleId is required")
	}

	item, err := h.items.GetItem(ctx, p.ArticleID)
	if err != nil {
		return result, err
	}
	if item == nil {
		return result, fmt.Errorf("article %d not found", p.ArticleID)
	}
	if item.Link == "" {
		return result, fmt.Errorf("article %d has no link", p.ArticleID)
	}

	pageURL, err := url.Parse(item.Link)
	if err != nil {
		return result, fmt.Errorf("invalid article link: %w", err)
	}

	timeout := defaultFetchTimeout
	if f, err := h.feeds.GetFeed(ctx, item.FeedID); err == nil && f != nil {
		timeout = h.feedConfig(f).Settings.TimeoutDuration()
	}

	data, err := h.fetcher.Fetch(ctx, item.Link, timeout, true)
	if err != nil {
		return result, fmt.Errorf("failed to fetch article content: %w", err)
	}

	content, err := h.extractor.Run(data, pageURL)
	if err != nil {
		return result, err
	}

	if err := h.items.UpdateItemContent(ctx, item.ID, content, h.now()); err != nil {
		return result, fmt.Errorf("failed to store extracted content: %w", err)
	}

	slog.Debug("Content extracted", "item_id", item.ID, "url", item.Link, "content_length", len(content))

	result.ContentLength = len(content)
	return result, nil
}

// FetchIcon discovers the icon of a feed's site and stores its URL
func (h *Handlers) FetchIcon(ctx context.Context, p FetchIconPayload) (FetchIconResult, error) {
	var result FetchIconResult

	if p.FeedID <= 0 {
		return result, fmt.Errorf("feedId is required")
	}

	f, err := h.feeds.GetFeed(ctx, p.FeedID)
	if err != nil {
		return result, err
	}
	if f == nil {
		return result, fmt.Errorf("feed %d not found", p.FeedID)
	}

	site, err := siteURL(f)
	if err != nil {
		return result, err
	}

	// An unreachable home page still leaves /favicon.ico to try
	data, err := h.fetcher.Fetch(ctx, site.String(), h.feedConfig(f).Settings.TimeoutDuration(), true)
	if err != nil {
		slog.Debug("Failed to fetch home page, using favicon.ico", "feed", f.Name, "url", site, "error", err)
		data = nil
	}

	iconURL, err := h.iconFinder.Run(data, site)
	if err != nil {
		return result, err
	}

	if err := h.feeds.UpdateFeedIcon(ctx, f.ID, iconURL); err != nil {
		return result, fmt.Errorf("failed to store feed icon: %w", err)
	}

	slog.Debug("Feed icon stored", "feed", f.Name, "icon_url", iconURL)

	result.IconURL = iconURL
	return result, nil
}

// feedConfig returns the loaded definition for f, or defaults when its file
// is gone.
func (h *Handlers) feedConfig(f *database.Feed) *feed.Config {
	if h.configs != nil {
		if config := h.configs.GetConfig(f.Name); config != nil {
			return config
		}
	}
	return &feed.Config{
		Name: f.Name,
		URL:  f.FeedURL,
		Settings: feed.ConfigSettings{
			Enabled:         f.Enabled,
			RefreshInterval: int(f.RefreshInterval / time.Second),
			Timeout:         int(defaultFetchTimeout / time.Second),
		},
	}
}

func (h *Handlers) submit(ctx context.Context, taskType string, payload any) {
	if h.submitter == nil {
		return
	}
	if _, err := h.submitter.Submit(ctx, taskType, payload); err != nil {
		slog.Warn("Failed to queue follow-up task", "type", taskType, "error", err)
	}
}

// siteURL is the feed's home page, or the root of the feed's host
func siteURL(f *database.Feed) (*url.URL, error) {
	raw := f.Link
	if raw == "" {
		raw = f.FeedURL
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("feed %s has no usable site URL: %q", f.Name, raw)
	}
	if f.Link == "" {
		u = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}
	return u, nil
}
