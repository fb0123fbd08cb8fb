package billinghttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/billing"
	"github.com/timeledger/timeledger/internal/shared"
)

type stubViews struct {
	got billing.Filter
}

func (s *stubViews) ProjectView(_ context.Context, f billing.Filter) (billing.ProjectView, error) {
	s.got = f
	return billing.ProjectView{}, nil
}

func (s *stubViews) TaskView(_ context.Context, f billing.Filter) (billing.TaskView, error) {
	s.got = f
	return billing.TaskView{}, nil
}

func (s *stubViews) UserView(_ context.Context, f billing.Filter) (billing.UserView, error) {
	s.got = f
	return billing.UserView{}, shared.ErrValidation
}

func serve(actor shared.Actor, views *stubViews, target string) *httptest.ResponseRecorder {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), views)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	h.MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestFilterParsesRangeAndFlags(t *testing.T) {
	views := &stubViews{}
	rr := serve(shared.Actor{ID: 400, Role: "management"}, views, "/billing/projects?from=2025-W07&to=2025-02-20&project_id=1&per_week=true")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, views.got.From.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)))
	require.True(t, views.got.To.Equal(time.Date(2025, 2, 17, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(1), views.got.ProjectID)
	require.True(t, views.got.PerWeek)
}

func TestEmployeesSeeOnlyThemselves(t *testing.T) {
	views := &stubViews{}
	rr := serve(shared.Actor{ID: 1, Role: "employee"}, views, "/billing/tasks?from=2025-W07&to=2025-W08&user_id=2")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(1), views.got.UserID)
}

func TestViewErrorsMapToProblems(t *testing.T) {
	rr := serve(shared.Actor{ID: 400, Role: "management"}, &stubViews{}, "/billing/users?from=2025-W07&to=2025-W08")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(shared.Actor{ID: 400, Role: "management"}, &stubViews{}, "/billing/projects?to=2025-W08")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
