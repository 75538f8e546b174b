package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

var workerTracer = otel.Tracer("todosync/worker")

// WorkerConfig holds configuration for the retention worker.
type WorkerConfig struct {
	PollInterval       time.Duration
	TombstoneRetention time.Duration
	ConflictRetention  time.Duration
	BatchSize          int  // Maximum tombstones removed per statement
	DryRun             bool // If true, log the cutoffs without deleting anything
}

// Purger is the subset of *db.DB the worker needs.
type Purger interface {
	PurgeDeletedTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeStaleConflicts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker periodically removes expired tombstones and abandoned conflicts.
type Worker struct {
	db     Purger
	config WorkerConfig
	now    func() time.Time
}

// runWorker is the entry point for the background worker process.
func runWorker() {
	logger.Info("starting retention worker")

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry for worker", "error", err)
	} else {
		defer otelShutdown()
	}

	workerConfig := loadWorkerConfig()
	logger.Info("worker configuration loaded",
		"poll_interval", workerConfig.PollInterval,
		"tombstone_retention", workerConfig.TombstoneRetention,
		"conflict_retention", workerConfig.ConflictRetention,
		"batch_size", workerConfig.BatchSize,
		"dry_run", workerConfig.DryRun,
	)

	if workerConfig.DryRun {
		logger.Info("DRY-RUN MODE ENABLED - nothing will be purged")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}

	database, err := db.Connect(databaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	worker := NewWorker(database, workerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutdown signal received, stopping worker")
		cancel()
	}()

	worker.Run(ctx)
	logger.Info("worker stopped")
}

func NewWorker(p Purger, config WorkerConfig) *Worker {
	return &Worker{db: p, config: config, now: time.Now}
}

// Run executes the main worker loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on startup
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce executes a single purge cycle. Tombstones are removed in batches
// until a batch comes back short.
func (w *Worker) runOnce(ctx context.Context) {
	ctx, span := workerTracer.Start(ctx, "worker.run_once")
	defer span.End()

	now := w.now().UTC()
	tombstoneCutoff := now.Add(-w.config.TombstoneRetention)
	conflictCutoff := now.Add(-w.config.ConflictRetention)

	if w.config.DryRun {
		logger.Info("[DRY-RUN] would purge",
			"tombstones_before", tombstoneCutoff,
			"conflicts_before", conflictCutoff,
		)
		span.SetAttributes(attribute.Bool("dry_run", true))
		return
	}

	var tasksPurged int64
	for {
		if ctx.Err() != nil {
			logger.Info("stopping purge due to shutdown")
			return
		}
		n, err := w.db.PurgeDeletedTasks(ctx, tombstoneCutoff, w.config.BatchSize)
		if err != nil {
			logger.Error("failed to purge deleted tasks", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		tasksPurged += n
		if n < int64(w.config.BatchSize) {
			break
		}
	}

	conflictsPurged, err := w.db.PurgeStaleConflicts(ctx, conflictCutoff)
	if err != nil {
		logger.Error("failed to purge stale conflicts", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	logger.Info("purge cycle complete",
		"tasks_purged", tasksPurged,
		"conflicts_purged", conflictsPurged,
	)
	span.SetAttributes(
		attribute.Int64("tasks.purged", tasksPurged),
		attribute.Int64("conflicts.purged", conflictsPurged),
	)
}

// loadWorkerConfig loads worker configuration from environment variables.
func loadWorkerConfig() WorkerConfig {
	config := WorkerConfig{
		PollInterval:       6 * time.Hour,
		TombstoneRetention: 90 * 24 * time.Hour,
		ConflictRetention:  30 * 24 * time.Hour,
		BatchSize:          1000,
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		if parsed, err := time.ParseDuration(interval); err == nil && parsed > 0 {
			config.PollInterval = parsed
		}
	}

	// Retentions are whole days
	config.TombstoneRetention = daysEnv("TOMBSTONE_RETENTION_DAYS", config.TombstoneRetention)
	config.ConflictRetention = daysEnv("CONFLICT_RETENTION_DAYS", config.ConflictRetention)

	if batch := os.Getenv("WORKER_BATCH_SIZE"); batch != "" {
		parsed, err := strconv.Atoi(batch)
		if err != nil || parsed <= 0 {
			logger.Fatal("invalid WORKER_BATCH_SIZE", "value", batch)
		}
		config.BatchSize = parsed
	}

	if dryRun := os.Getenv("WORKER_DRY_RUN"); dryRun == "true" || dryRun == "1" {
		config.DryRun = true
	}

	return config
}

func daysEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	days, err := strconv.Atoi(v)
	if err != nil || days <= 0 {
		logger.Fatal("invalid env var", "var", name, "value", v)
	}
	return time.Duration(days) * 24 * time.Hour
}
