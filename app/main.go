package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/feedpool/app/api"
	"github.com/lysyi3m/feedpool/app/cfg"
	"github.com/lysyi3m/feedpool/app/database"
	"github.com/lysyi3m/feedpool/app/feed"
	"github.com/lysyi3m/feedpool/app/ipc"
	"github.com/lysyi3m/feedpool/app/pool"
	"github.com/lysyi3m/feedpool/app/scheduler"
	"github.com/lysyi3m/feedpool/app/tasks"
	"github.com/lysyi3m/feedpool/app/telemetry"
	"github.com/lysyi3m/feedpool/app/worker"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if c == nil {
		// help was shown
		return
	}

	// stdout belongs to the message channel in worker processes
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel()}))
	slog.SetDefault(logger)

	if c.WorkerMode {
		err = runWorker(c, logger.With("worker_pid", os.Getpid()))
	} else {
		err = runSupervisor(c, logger)
	}
	if err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

// services is what both the supervisor and the workers need to run task
// handlers.
type services struct {
	db         *database.DB
	feedStore  *database.FeedStore
	itemStore  *database.ItemStore
	taskStore  *database.TaskStore
	configs    *feed.ConfigCache
	dispatcher *tasks.Dispatcher
	registry   *worker.Registry
}

func newServices(c *cfg.Cfg, inline bool) (*services, error) {
	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	configs := feed.NewConfigCache(c.FeedsDir)
	if err := configs.Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load feed configurations: %w", err)
	}

	s := &services{
		db:        db,
		feedStore: database.NewFeedStore(db),
		itemStore: database.NewItemStore(db),
		taskStore: database.NewTaskStore(db, database.TaskStoreConfig{
			MaxRetries:   c.MaxRetries,
			RetryBackoff: c.RetryBackoff,
			MaxBackoff:   c.RetryBackoffMax,
		}),
		configs: configs,
	}

	s.dispatcher = tasks.NewDispatcher(s.taskStore, inline)
	handlers := tasks.NewHandlers(tasks.HandlerDeps{
		Feeds:     s.feedStore,
		Items:     s.itemStore,
		Configs:   configs,
		Fetcher:   tasks.NewFetcher(&http.Client{}, c.UserAgent),
		Submitter: s.dispatcher,
	})
	s.registry = tasks.NewRegistry(handlers)
	s.dispatcher.SetRegistry(s.registry)

	return s, nil
}

// runWorker serves tasks sent by the supervisor over stdin/stdout. Follow-up
// tasks are only enqueued; the supervisor dispatches them.
func runWorker(c *cfg.Cfg, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newServices(c, false)
	if err != nil {
		return err
	}
	defer s.db.Close()

	rt := worker.NewRuntime(s.registry, ipc.NewConn(os.Stdin, os.Stdout), logger)
	return rt.Run(ctx)
}

func runSupervisor(c *cfg.Cfg, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting feedpool", "version", c.Version)

	shutdownTelemetry, err := telemetry.Setup(c.MetricsStdout, time.Minute)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Failed to flush metrics", "error", err)
		}
	}()

	s, err := newServices(c, c.WorkersDisabled)
	if err != nil {
		return err
	}
	defer s.db.Close()

	version, dirty, err := database.RunMigrations(s.db)
	if err != nil {
		return err
	}
	logger.Info("Database ready", "path", c.DBPath, "schema_version", version, "dirty", dirty)

	if err := s.configs.Sync(ctx, s.feedStore); err != nil {
		return fmt.Errorf("failed to register feeds: %w", err)
	}
	logger.Info("Feed configurations loaded", "feeds", s.configs.GetConfigCount(), "dir", c.FeedsDir)

	spawner, err := pool.NewExecSpawner()
	if err != nil {
		return err
	}
	workerPool := pool.New(pool.Config{
		WorkerCount:      c.WorkerCount,
		PollInterval:     c.PollInterval,
		Disabled:         c.WorkersDisabled,
		StaleTaskTimeout: c.StaleTaskTimeout,
		ShutdownTimeout:  c.ShutdownTimeout,
		WatchDirs:        c.WatchDirs,
		Executable:       spawner.Path,
	}, s.taskStore, spawner, logger.With("component", "pool"))

	sched := scheduler.New(logger.With("component", "scheduler"))
	err = sched.ScheduleTask(scheduler.Definition{
		ID:             tasks.JobAggregateFeeds,
		Name:           "Aggregate due feeds",
		CronExpression: c.AggregationSchedule,
		Enabled:        true,
		Task:           tasks.AggregateFeedsJob(s.dispatcher, s.feedStore),
	})
	if err != nil {
		return err
	}
	err = sched.ScheduleTask(scheduler.Definition{
		ID:             tasks.JobPurgeTasks,
		Name:           "Purge finished tasks",
		CronExpression: tasks.PurgeSchedule,
		Enabled:        c.TaskRetention > 0,
		Task:           tasks.PurgeTasksJob(s.taskStore, c.TaskRetention),
	})
	if err != nil {
		return err
	}

	workerPool.Start(ctx)
	if c.SchedulerEnabled {
		sched.Start()
	} else {
		logger.Info("Scheduler disabled, jobs run only when triggered")
	}

	handler := api.NewHandler(s.taskStore, s.feedStore, s.configs, s.dispatcher, sched, workerPool)
	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      api.NewServer(handler, c.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serverErr:
		logger.Error("Server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}

	sched.Stop()
	workerPool.Stop()

	logger.Info("Shutdown complete")
	return err
}
