package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/feed"
	"github.com/lysyi3m/feedpool/app/worker"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>%[1]s</title></head>
<body>
  <header><a href="/">Blog</a></header>
  <article>
    <h1>%[1]s</h1>
    <p>Supervising worker processes is mostly about noticing when they go away. The pool polls on a
    fixed interval, replaces anything that exited and hands out one task per idle worker.</p>
    <p>Failures are recorded on the task row and retried with an exponential backoff, so a flaky
    upstream does not get hammered and transient errors have time to clear.</p>
    <p>Everything that matters is in the task table, which makes the whole thing easy to observe and
    to reason about after a crash.</p>
  </article>
</body></html>`

// feedServer serves a small site: an RSS feed, its articles and a home page
type feedServer struct {
	*httptest.Server
	secondTitle atomic.Value
	feedHits    atomic.Int32
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()

	fs := &feedServer{}
	fs.secondTitle.Store("Second post")

	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		fs.feedHits.Add(1)
		base := "http://" + r.Host
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example Blog</title>
  <link>%[1]s/</link>
  <description>Posts</description>
  <language>en</language>
  <item><title>First post</title><link>%[1]s/articles/1</link><guid>post-1</guid><pubDate>Mon, 03 Jul 2023 10:00:00 GMT</pubDate></item>
  <item><title>%[2]s</title><link>%[1]s/articles/2</link><guid>post-2</guid><pubDate>Mon, 03 Jul 2023 11:00:00 GMT</pubDate></item>
  <item><title>Sponsored: buy now</title><link>%[1]s/articles/3</link><guid>post-3</guid><pubDate>Mon, 03 Jul 2023 12:00:00 GMT</pubDate></item>
</channel></rss>`, base, fs.secondTitle.Load())
	})
	mux.HandleFunc("/articles/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, articleHTML, "Article "+strings.TrimPrefix(r.URL.Path, "/articles/"))
	})
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="icon" href="/static/icon.png"></head><body>Home</body></html>`)
	})
	mux.HandleFunc("/api.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

type env struct {
	ctx        context.Context
	db         *database.DB
	feeds      *database.FeedStore
	items      *database.ItemStore
	tasks      *database.TaskStore
	dispatcher *Dispatcher
	registry   *worker.Registry
	server     *feedServer
	feedID     int64
}

func newEnv(t *testing.T, inline bool, taskConfig database.TaskStoreConfig) *env {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	server := newFeedServer(t)

	feedsDir := t.TempDir()
	config := fmt.Sprintf(`url: %s/feed.xml
settings:
  enabled: true
  refresh_interval: 600
  extract_content: true
filters:
  - field: title
    excludes: [sponsored]
`, server.URL)
	require.NoError(t, os.WriteFile(filepath.Join(feedsDir, "example.yml"), []byte(config), 0644))

	configs := feed.NewConfigCache(feedsDir)
	require.NoError(t, configs.Run())

	e := &env{
		ctx:    context.Background(),
		db:     db,
		feeds:  database.NewFeedStore(db),
		items:  database.NewItemStore(db),
		tasks:  database.NewTaskStore(db, taskConfig),
		server: server,
	}
	require.NoError(t, configs.Sync(e.ctx, e.feeds))

	f, err := e.feeds.GetFeedByName(e.ctx, "example")
	require.NoError(t, err)
	require.NotNil(t, f)
	e.feedID = f.ID

	e.dispatcher = NewDispatcher(e.tasks, inline)
	handlers := NewHandlers(HandlerDeps{
		Feeds:     e.feeds,
		Items:     e.items,
		Configs:   configs,
		Fetcher:   NewFetcher(server.Client(), "feedpool-test/1.0"),
		Submitter: e.dispatcher,
	})
	e.registry = NewRegistry(handlers)
	e.dispatcher.SetRegistry(e.registry)

	return e
}

func (e *env) run(t *testing.T, taskType, payload string) (json.RawMessage, error) {
	t.Helper()
	return e.registry.Execute(e.ctx, taskType, json.RawMessage(payload))
}

func (e *env) pendingByType(t *testing.T) map[string]int {
	t.Helper()
	pending, err := e.tasks.ListTasks(e.ctx, database.TaskStatusPending, 100)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, task := range pending {
		counts[task.Type]++
	}
	return counts
}

func TestNewRegistry_RegistersAllTypes(t *testing.T) {
	registry := NewRegistry(NewHandlers(HandlerDeps{}))
	assert.Equal(t, []string{TypeAggregateArticle, TypeAggregateFeed, TypeFetchIcon}, registry.Types())
}

func TestAggregateFeed(t *testing.T) {
	e := newEnv(t, false, database.DefaultTaskStoreConfig())
	payload := fmt.Sprintf(`{"feedId":%d,"forceRefresh":false}`, e.feedID)

	result, err := e.run(t, TypeAggregateFeed, payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"articlesCreated":3,"articlesUpdated":0}`, string(result))

	// extraction is queued for the unfiltered new items, the icon lookup once
	assert.Equal(t, map[string]int{TypeAggregateArticle: 2, TypeFetchIcon: 1}, e.pendingByType(t))

	f, err := e.feeds.GetFeed(e.ctx, e.feedID)
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", f.Title)
	assert.Equal(t, "en", f.Language)
	require.NotNil(t, f.NextFetchAt)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), *f.NextFetchAt, time.Minute)

	count, err := e.items.GetItemCount(e.ctx, e.feedID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	t.Run("not due is skipped", func(t *testing.T) {
		hits := e.server.feedHits.Load()
		result, err := e.run(t, TypeAggregateFeed, payload)
		require.NoError(t, err)
		assert.JSONEq(t, `{"articlesCreated":0,"articlesUpdated":0,"skipped":true}`, string(result))
		assert.Equal(t, hits, e.server.feedHits.Load())
	})

	t.Run("forced refresh detects changes", func(t *testing.T) {
		e.server.secondTitle.Store("Second post (updated)")

		result, err := e.run(t, TypeAggregateFeed, fmt.Sprintf(`{"feedId":%d,"forceRefresh":true}`, e.feedID))
		require.NoError(t, err)
		assert.JSONEq(t, `{"articlesCreated":0,"articlesUpdated":1}`, string(result))
	})
}

func TestAggregateFeed_Errors(t *testing.T) {
	e := newEnv(t, false, database.DefaultTaskStoreConfig())

	_, err := e.run(t, TypeAggregateFeed, `{"feedId":9999}`)
	assert.ErrorContains(t, err, "feed 9999 not found")

	_, err = e.run(t, TypeAggregateFeed, `{}`)
	assert.ErrorContains(t, err, "feedId is required")

	_, err = e.run(t, TypeAggregateFeed, `{"feedId":"seven"}`)
	assert.ErrorContains(t, err, "invalid payload")

	e.server.Close()
	_, err = e.run(t, TypeAggregateFeed, fmt.Sprintf(`{"feedId":%d,"forceRefresh":true}`, e.feedID))
	assert.ErrorContains(t, err, "failed to fetch feed")
}

func TestAggregateArticle(t *testing.T) {
	e := newEnv(t, false, database.DefaultTaskStoreConfig())

	_, err := e.run(t, TypeAggregateFeed, fmt.Sprintf(`{"feedId":%d}`, e.feedID))
	require.NoError(t, err)

	pending, err := e.tasks.ListTasks(e.ctx, database.TaskStatusPending, 100)
	require.NoError(t, err)

	var articleTask *database.Task
	for i := range pending {
		if pending[i].Type == TypeAggregateArticle {
			articleTask = &pending[i]
			break
		}
	}
	require.NotNil(t, articleTask)

	result, err := e.run(t, TypeAggregateArticle, string(articleTask.Payload))
	require.NoError(t, err)

	var out AggregateArticleResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Positive(t, out.ContentLength)

	var p AggregateArticlePayload
	require.NoError(t, json.Unmarshal(articleTask.Payload, &p))

	item, err := e.items.GetItem(e.ctx, p.ArticleID)
	require.NoError(t, err)
	assert.Contains(t, item.Content, "Supervising worker processes")
	assert.NotNil(t, item.ContentExtractedAt)

	_, err = e.run(t, TypeAggregateArticle, `{"articleId":424242}`)
	assert.ErrorContains(t, err, "not found")
}

func TestFetchIcon(t *testing.T) {
	e := newEnv(t, false, database.DefaultTaskStoreConfig())

	// before the first aggregation the feed has no home page link, so the
	// root of the feed's host is used
	result, err := e.run(t, TypeFetchIcon, fmt.Sprintf(`{"feedId":%d}`, e.feedID))
	require.NoError(t, err)

	want := e.server.URL + "/static/icon.png"
	assert.JSONEq(t, fmt.Sprintf(`{"iconUrl":%q}`, want), string(result))

	f, err := e.feeds.GetFeed(e.ctx, e.feedID)
	require.NoError(t, err)
	assert.Equal(t, want, f.IconURL)

	// a feed with an icon does not queue another lookup
	_, err = e.run(t, TypeAggregateFeed, fmt.Sprintf(`{"feedId":%d}`, e.feedID))
	require.NoError(t, err)
	assert.Zero(t, e.pendingByType(t)[TypeFetchIcon])
}

func TestFetcher(t *testing.T) {
	server := newFeedServer(t)
	fetcher := NewFetcher(server.Client(), "feedpool-test/1.0")
	ctx := context.Background()

	data, err := fetcher.Fetch(ctx, server.URL+"/articles/1", time.Second, true)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Article 1")

	_, err = fetcher.Fetch(ctx, server.URL+"/api.json", time.Second, true)
	assert.ErrorContains(t, err, "not HTML")

	_, err = fetcher.Fetch(ctx, server.URL+"/missing/page", time.Second, false)
	assert.ErrorContains(t, err, "404")
}
