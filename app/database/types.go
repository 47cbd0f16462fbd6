package database

import (
	"encoding/json"
	"time"
)

type Feed struct {
	ID              int64
	Name            string // Configuration feed identifier derived from filename
	FeedURL         string
	Link            string // Homepage URL from feed's <link> element
	Title           string
	Description     string
	IconURL         string
	Language        string
	Enabled         bool
	RefreshInterval time.Duration
	LastFetchedAt   *time.Time
	NextFetchAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsDue reports whether the feed should be fetched at now.
func (f *Feed) IsDue(now time.Time) bool {
	return f.NextFetchAt == nil || !f.NextFetchAt.After(now)
}

type FeedMetadata struct {
	Title       string
	Link        string
	Description string
	ImageURL    string
	Language    string
}

type Item struct {
	ID                 int64
	FeedID             int64
	GUID               string
	Link               string
	Title              string
	Description        string
	Content            string
	PublishedAt        time.Time
	Authors            []string // "email (name)" or "name"
	Categories         []string
	IsFiltered         bool
	FilterReason       string
	ContentHash        string
	ContentExtractedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type UpsertResult int

const (
	ItemUnchanged UpsertResult = iota
	ItemCreated
	ItemUpdated
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task is a row of the tasks table. Result is set only when completed and
// Error only when failed. LastError keeps the message of the most recent
// failure across retries.
type Task struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     TaskStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	RetryCount int             `json:"retryCount"`
	RunAfter   time.Time       `json:"runAfter"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
