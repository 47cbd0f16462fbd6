package tasks

const (
	TypeAggregateFeed    = "aggregate_feed"
	TypeAggregateArticle = "aggregate_article"
	TypeFetchIcon        = "fetch_icon"
)

type AggregateFeedPayload struct {
	FeedID       int64 `json:"feedId"`
	ForceRefresh bool  `json:"forceRefresh"`
}

type AggregateFeedResult struct {
	ArticlesCreated int  `json:"articlesCreated"`
	ArticlesUpdated int  `json:"articlesUpdated"`
	Skipped         bool `json:"skipped,omitempty"`
}

type AggregateArticlePayload struct {
	ArticleID int64 `json:"articleId"`
}

type AggregateArticleResult struct {
	ContentLength int `json:"contentLength"`
}

type FetchIconPayload struct {
	FeedID int64 `json:"feedId"`
}

type FetchIconResult struct {
	IconURL string `json:"iconUrl"`
}
