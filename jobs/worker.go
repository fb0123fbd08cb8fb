package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// WorkerConfig collects the jobs and schedules served by one worker process.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int

	Snapshot     *SnapshotMaterializeJob
	SnapshotCron string
	Sync         *ProjectWeekSyncJob
	SyncCron     string
}

// Worker runs the snapshot and enrollment-sync handlers plus their cron schedules.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewWorker registers every configured job. A job with an empty cron spec is served
// but never scheduled; it can still be triggered from the CLI.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Snapshot == nil && cfg.Sync == nil {
		return nil, errors.New("worker: no jobs configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("job failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()

	var schedules []cronEntry
	if cfg.Snapshot != nil {
		mux.HandleFunc(TaskSnapshotMaterialize, cfg.Snapshot.Handle)
		if cfg.SnapshotCron != "" {
			task, err := NewSnapshotMaterializeTask(DefaultSnapshotBatch)
			if err != nil {
				return nil, err
			}
			schedules = append(schedules, cronEntry{spec: cfg.SnapshotCron, task: task})
		}
	}
	if cfg.Sync != nil {
		mux.HandleFunc(TaskProjectWeekSync, cfg.Sync.Handle)
		if cfg.SyncCron != "" {
			task, err := NewProjectWeekSyncTask("")
			if err != nil {
				return nil, err
			}
			schedules = append(schedules, cronEntry{spec: cfg.SyncCron, task: task})
		}
	}

	var scheduler *asynq.Scheduler
	if len(schedules) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range schedules {
			if _, err := scheduler.Register(entry.spec, entry.task, asynq.MaxRetry(MaxRetry)); err != nil {
				return nil, err
			}
			logger.Info("job scheduled", slog.String("type", entry.task.Type()), slog.String("cron", entry.spec))
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

type cronEntry struct {
	spec string
	task *asynq.Task
}

// Run serves jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
