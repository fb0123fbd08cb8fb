package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSnapshotMaterialize prices frozen timesheets that have no billing snapshot yet.
	TaskSnapshotMaterialize = "billing:snapshot_materialize"
	// TaskProjectWeekSync refreshes project-week enrollment for one week.
	TaskProjectWeekSync = "projectweek:sync"
	// MaxRetry bounds redelivery of scheduled and manually triggered runs.
	MaxRetry = 3
)

// SnapshotMaterializePayload bounds one materialization run.
type SnapshotMaterializePayload struct {
	Limit int `json:"limit"`
}

// ProjectWeekSyncPayload names the week to re-sync. An empty week means the current one.
type ProjectWeekSyncPayload struct {
	Week string `json:"week,omitempty"`
}

// DefaultSnapshotBatch is the number of timesheets one run materializes at most.
const DefaultSnapshotBatch = 100

// NewSnapshotMaterializeTask constructs the materialization task.
func NewSnapshotMaterializeTask(limit int) (*asynq.Task, error) {
	if limit <= 0 {
		limit = DefaultSnapshotBatch
	}
	data, err := json.Marshal(SnapshotMaterializePayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotMaterialize, data, asynq.Queue(QueueDefault)), nil
}

// NewProjectWeekSyncTask constructs the enrollment sync task.
func NewProjectWeekSyncTask(week string) (*asynq.Task, error) {
	data, err := json.Marshal(ProjectWeekSyncPayload{Week: week})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectWeekSync, data, asynq.Queue(QueueDefault)), nil
}
