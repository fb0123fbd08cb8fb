package projectweekhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/approval"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/workflow"
)

type stubCoordinator struct {
	week time.Time
}

func (s *stubCoordinator) Get(_ context.Context, projectID int64, week time.Time) (projectweek.Aggregate, error) {
	s.week = week
	return projectweek.Aggregate{ProjectID: projectID, WeekStart: week, Required: 2, Submitted: 1}, nil
}

func (s *stubCoordinator) SyncEnrollment(_ context.Context, projectID int64, week time.Time) (projectweek.SyncResult, error) {
	return projectweek.SyncResult{
		Aggregate: projectweek.Aggregate{ProjectID: projectID, WeekStart: week, Required: 3},
		Reopened:  true,
		Added:     []int64{4},
	}, nil
}

type stubReviewer struct {
	reason string
}

func (s *stubReviewer) ApproveProjectWeek(_ context.Context, actor shared.Actor, _ int64, _ time.Time) ([]approval.ItemResult, error) {
	if actor.ID != 200 {
		return nil, shared.ErrAuthorization
	}
	return []approval.ItemResult{
		{TimesheetID: 5, UserID: 1, OK: true, Status: workflow.StatusLeadApproved},
		{TimesheetID: 6, UserID: 2, OK: false, ErrorKind: shared.KindInvalidState, Message: "already approved"},
	}, nil
}

func (s *stubReviewer) RejectProjectWeek(_ context.Context, _ shared.Actor, _ int64, _ time.Time, reason string) ([]approval.ItemResult, error) {
	s.reason = reason
	return nil, nil
}

func newRouter(actorID int64, c *stubCoordinator, rv *stubReviewer) chi.Router {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), c, rv)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithActor(req.Context(), shared.Actor{ID: actorID, Role: "lead"})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.MountRoutes(r)
	return r
}

func TestShowAcceptsISOWeek(t *testing.T) {
	c := &stubCoordinator{}
	r := newRouter(200, c, &stubReviewer{})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/project-weeks/1/2025-W07", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, c.week.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/project-weeks/1/2025-02-12", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, c.week.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/project-weeks/1/someday", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApproveReportsPerItemOutcome(t *testing.T) {
	r := newRouter(200, &stubCoordinator{}, &stubReviewer{})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/project-weeks/1/2025-W07/approve", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body reviewResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 1, body.Succeeded)
	require.Equal(t, 1, body.Failed)
	require.Equal(t, "2025-02-10", body.WeekStart)
	require.Equal(t, shared.KindInvalidState, body.Items[1].ErrorKind)

	r = newRouter(201, &stubCoordinator{}, &stubReviewer{})
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/project-weeks/1/2025-W07/approve", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRejectRequiresReason(t *testing.T) {
	rv := &stubReviewer{}
	r := newRouter(200, &stubCoordinator{}, rv)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/project-weeks/1/2025-W07/reject", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/project-weeks/1/2025-W07/reject", strings.NewReader(`{"reason":"missing tickets"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "missing tickets", rv.reason)
	require.Contains(t, rr.Body.String(), `"items":[]`)
}

func TestSyncReturnsReopenFlag(t *testing.T) {
	r := newRouter(300, &stubCoordinator{}, &stubReviewer{})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/project-weeks/1/2025-W07/sync", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"reopened":true`)
	require.Contains(t, rr.Body.String(), `"added":[4]`)
}
