package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/timeledger/timeledger/internal/jobs"
	"github.com/timeledger/timeledger/internal/projectweek"
)

type stubMaterializer struct {
	limit   int
	created int
	err     error
}

func (s *stubMaterializer) MaterializePending(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.created, s.err
}

type stubSyncer struct {
	week time.Time
}

func (s *stubSyncer) SyncWeek(_ context.Context, week time.Time) ([]projectweek.SyncResult, error) {
	s.week = week
	return []projectweek.SyncResult{{Reopened: true}, {}}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSnapshotMaterializeUsesPayloadLimit(t *testing.T) {
	m := &stubMaterializer{created: 2}
	job := NewSnapshotMaterializeJob(m, discard(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewSnapshotMaterializeTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, DefaultSnapshotBatch, m.limit)

	task, err = NewSnapshotMaterializeTask(5)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 5, m.limit)

	m.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestSnapshotMaterializeSkipsBadPayload(t *testing.T) {
	job := NewSnapshotMaterializeJob(&stubMaterializer{}, discard(), nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskSnapshotMaterialize, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProjectWeekSyncDefaultsToCurrentWeek(t *testing.T) {
	s := &stubSyncer{}
	job := NewProjectWeekSyncJob(s, discard(), nil)
	job.WithClock(func() time.Time { return time.Date(2025, 2, 13, 15, 0, 0, 0, time.UTC) })

	task, err := NewProjectWeekSyncTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, s.week.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)))

	task, err = NewProjectWeekSyncTask("2025-W02")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, s.week.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)))

	bad, _ := json.Marshal(ProjectWeekSyncPayload{Week: "soon"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskProjectWeekSync, bad))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, discard()).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0,"archived":0}`, rr.Body.String())
}

func TestNewWorkerRequiresJobs(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Logger: discard()})
	require.Error(t, err)
}
