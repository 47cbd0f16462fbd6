package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath   string `validate:"required"`
	FeedsDir string `validate:"required"`

	// HTTP
	Port         string `validate:"required,numeric"`
	APIAccessKey string

	// Worker pool
	WorkerCount     int           `validate:"min=1,max=64"`
	WorkersDisabled bool
	PollInterval    time.Duration `validate:"min=10ms"`
	ShutdownTimeout time.Duration `validate:"min=0"`
	WatchDirs       []string

	// Task store
	MaxRetries       int           `validate:"min=0,max=100"`
	RetryBackoff     time.Duration `validate:"min=0"`
	RetryBackoffMax  time.Duration `validate:"gtefield=RetryBackoff"`
	StaleTaskTimeout time.Duration `validate:"min=0"`
	TaskRetention    time.Duration `validate:"min=0"`

	// Scheduler
	SchedulerEnabled    bool
	AggregationSchedule string `validate:"required"`

	// Application metadata
	UserAgent     string `validate:"required"`
	MetricsStdout bool
	Debug         bool
	Version       string

	// WorkerMode is set in processes spawned by the pool
	WorkerMode bool
}
