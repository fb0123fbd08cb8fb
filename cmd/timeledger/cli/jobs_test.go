package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskProjectWeekSync, "2025-W07")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskProjectWeekSync, task.Type())
	var payload jobs.ProjectWeekSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "2025-W07", payload.Week)

	task, err = BuildTask(jobs.TaskSnapshotMaterialize, "")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskSnapshotMaterialize, task.Type())

	_, err = BuildTask("mail:send", "")
	require.Error(t, err)
}
