package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/timeledger/timeledger/internal/jobs"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/shared"
)

// EnrollmentSyncer refreshes every project-week of a week against the directory.
type EnrollmentSyncer interface {
	SyncWeek(ctx context.Context, week time.Time) ([]projectweek.SyncResult, error)
}

// ProjectWeekSyncJob re-syncs enrollment so late joiners or leavers reach the aggregates.
type ProjectWeekSyncJob struct {
	Coordinator EnrollmentSyncer
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewProjectWeekSyncJob constructs the job handler.
func NewProjectWeekSyncJob(coordinator EnrollmentSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProjectWeekSyncJob {
	return &ProjectWeekSyncJob{
		Coordinator: coordinator,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock used to pick the current week.
func (j *ProjectWeekSyncJob) WithClock(clock func() time.Time) {
	if clock != nil {
		j.clock = clock
	}
}

// Handle executes the sync for the payload's week.
func (j *ProjectWeekSyncJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Coordinator == nil {
		return errors.New("projectweek sync: dependencies not configured")
	}
	var payload ProjectWeekSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	week := shared.WeekStart(j.clock())
	if payload.Week != "" {
		parsed, err := shared.ParseWeek(payload.Week)
		if err != nil {
			return asynq.SkipRetry
		}
		week = parsed
	}

	tracker := j.Metrics.Track(TaskProjectWeekSync)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	results, err := j.Coordinator.SyncWeek(ctx, week)
	if err != nil {
		j.logger().Error("projectweek sync failed", slog.String("week", shared.FormatWeek(week)), slog.Any("error", err))
		return err
	}
	reopened := 0
	for _, res := range results {
		if res.Reopened {
			reopened++
		}
	}
	j.Metrics.AddItems(TaskProjectWeekSync, "synced", len(results))
	j.Metrics.AddItems(TaskProjectWeekSync, "reopened", reopened)
	j.logger().Info("projectweek sync complete",
		slog.String("week", shared.FormatWeek(week)),
		slog.Int("project_weeks", len(results)),
		slog.Int("reopened", reopened),
	)
	return nil
}

func (j *ProjectWeekSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
