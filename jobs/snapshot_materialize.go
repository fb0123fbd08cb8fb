package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/timeledger/timeledger/internal/jobs"
)

// SnapshotMaterializer creates snapshots for frozen timesheets that lack one.
type SnapshotMaterializer interface {
	MaterializePending(ctx context.Context, limit int) (int, error)
}

// SnapshotMaterializeJob runs the materializer from the queue.
type SnapshotMaterializeJob struct {
	Billing SnapshotMaterializer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSnapshotMaterializeJob constructs the job handler.
func NewSnapshotMaterializeJob(billing SnapshotMaterializer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotMaterializeJob {
	return &SnapshotMaterializeJob{Billing: billing, Logger: logger, Metrics: metrics}
}

// Handle executes one materialization run.
func (j *SnapshotMaterializeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Billing == nil {
		return errors.New("snapshot materialize: dependencies not configured")
	}
	var payload SnapshotMaterializePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = DefaultSnapshotBatch
	}

	tracker := j.Metrics.Track(TaskSnapshotMaterialize)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	created, err := j.Billing.MaterializePending(ctx, payload.Limit)
	j.Metrics.AddItems(TaskSnapshotMaterialize, "created", created)
	if err != nil {
		j.logger().Error("snapshot materialize failed", slog.Int("created", created), slog.Any("error", err))
		return err
	}
	j.logger().Info("snapshot materialize complete", slog.Int("created", created), slog.Int("limit", payload.Limit))
	return nil
}

func (j *SnapshotMaterializeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
