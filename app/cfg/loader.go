package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath   string `long:"db-path" env:"DB_PATH" default:"./data/feedpool.db" description:"Path to the SQLite database file"`
	FeedsDir string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed configuration files"`

	// HTTP
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Worker pool
	WorkerCount     int      `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of supervised worker processes"`
	WorkersDisabled bool     `long:"workers-disabled" env:"WORKERS_DISABLED" description:"Run task handlers inline instead of in worker processes"`
	PollIntervalMs  int      `long:"poll-interval-ms" env:"POLL_INTERVAL_MS" default:"5000" description:"Worker pool poll interval in milliseconds"`
	ShutdownTimeout int      `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"30" description:"Seconds to wait for workers to exit before killing them"`
	WatchDirs       []string `long:"watch" env:"WATCH_DIRS" env-delim:"," description:"Directories to watch for worker hot reload; workers run the current binary, so changes reach them once a rebuild replaces it (dev builds only)"`

	// Task store
	MaxRetries        int `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Maximum number of retries for a failed task"`
	RetryBackoffMs    int `long:"retry-backoff-ms" env:"RETRY_BACKOFF_MS" default:"1000" description:"Delay before the first retry in milliseconds, doubled per retry"`
	RetryBackoffMaxMs int `long:"retry-backoff-max-ms" env:"RETRY_BACKOFF_MAX_MS" default:"30000" description:"Upper bound for the retry delay in milliseconds"`
	StaleTaskTimeout  int `long:"stale-task-timeout" env:"STALE_TASK_TIMEOUT" default:"600" description:"Seconds after which a running task with no live worker is failed (0 disables)"`
	TaskRetention     int `long:"task-retention" env:"TASK_RETENTION" default:"168" description:"Hours to keep completed tasks"`

	// Scheduler
	SchedulerDisabled   bool   `long:"scheduler-disabled" env:"SCHEDULER_DISABLED" description:"Disable the recurring scheduler"`
	AggregationSchedule string `long:"aggregation-schedule" env:"AGGREGATION_SCHEDULE" default:"*/30 * * * *" description:"Cron expression (UTC) for feed aggregation"`

	// Application metadata
	UserAgent     string `long:"user-agent" env:"USER_AGENT" default:"feedpool/1.0" description:"User agent string for HTTP requests"`
	MetricsStdout bool   `long:"metrics-stdout" env:"METRICS_STDOUT" description:"Export metrics to stdout periodically"`
	Debug         bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`

	Worker bool `long:"worker" hidden:"true" description:"Run as a worker process"`
}

// Load reads .env (when present), environment variables and command-line flags.
// It returns nil without error when help was requested.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:              raw.DBPath,
		FeedsDir:            raw.FeedsDir,
		Port:                raw.Port,
		APIAccessKey:        raw.APIAccessKey,
		WorkerCount:         raw.WorkerCount,
		WorkersDisabled:     raw.WorkersDisabled,
		PollInterval:        time.Duration(raw.PollIntervalMs) * time.Millisecond,
		ShutdownTimeout:     time.Duration(raw.ShutdownTimeout) * time.Second,
		WatchDirs:           raw.WatchDirs,
		MaxRetries:          raw.MaxRetries,
		RetryBackoff:        time.Duration(raw.RetryBackoffMs) * time.Millisecond,
		RetryBackoffMax:     time.Duration(raw.RetryBackoffMaxMs) * time.Millisecond,
		StaleTaskTimeout:    time.Duration(raw.StaleTaskTimeout) * time.Second,
		TaskRetention:       time.Duration(raw.TaskRetention) * time.Hour,
		SchedulerEnabled:    !raw.SchedulerDisabled,
		AggregationSchedule: raw.AggregationSchedule,
		UserAgent:           raw.UserAgent,
		MetricsStdout:       raw.MetricsStdout,
		Debug:               raw.Debug,
		Version:             GetVersion(),
		WorkerMode:          raw.Worker,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LogLevel returns the slog level matching the debug flag
func (c *Cfg) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
