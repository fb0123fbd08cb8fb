package adjustmenthttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/shared"
)

type stubEngine struct {
	set     adjustment.Input
	target  decimal.Decimal
	removed int64
}

func (s *stubEngine) Set(_ context.Context, actor shared.Actor, in adjustment.Input) (adjustment.Adjustment, error) {
	s.set = in
	return adjustment.Adjustment{
		ID:                 11,
		Scope:              in.Scope,
		ProjectID:          in.ProjectID,
		TimesheetID:        in.TimesheetID,
		UserID:             1,
		TotalWorkedHours:   decimal.NewFromInt(40),
		AdjustmentHours:    in.AdjustmentHours,
		TotalBillableHours: decimal.NewFromInt(40).Add(in.AdjustmentHours),
		CreatedBy:          actor.ID,
	}, nil
}

func (s *stubEngine) SetTarget(_ context.Context, _ shared.Actor, _, _ int64, target decimal.Decimal, _ string) (adjustment.Adjustment, error) {
	s.target = target
	return adjustment.Adjustment{ID: 12}, nil
}

func (s *stubEngine) Remove(_ context.Context, actor shared.Actor, id int64) error {
	if actor.Role != "manager" {
		return shared.ErrAuthorization
	}
	s.removed = id
	return nil
}

func (s *stubEngine) List(context.Context, int64) ([]adjustment.Adjustment, error) {
	return nil, nil
}

func newRouter(actor shared.Actor, engine *stubEngine) chi.Router {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), engine)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	h.MountRoutes(r)
	return r
}

func TestSetDecodesSignedDelta(t *testing.T) {
	engine := &stubEngine{}
	r := newRouter(shared.Actor{ID: 300, Role: "manager"}, engine)

	body := `{"scope":"project","timesheet_id":5,"project_id":1,"adjustment_hours":"-5","reason":"training"}`
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/adjustments", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, adjustment.ScopeProject, engine.set.Scope)
	require.True(t, engine.set.AdjustmentHours.Equal(decimal.NewFromInt(-5)))
	require.Contains(t, rr.Body.String(), `"total_billable_hours":"35"`)
}

func TestSetRejectsUnknownScope(t *testing.T) {
	r := newRouter(shared.Actor{ID: 300, Role: "manager"}, &stubEngine{})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/adjustments", strings.NewReader(`{"scope":"client","timesheet_id":5,"adjustment_hours":"1"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTargetAndRemove(t *testing.T) {
	engine := &stubEngine{}
	r := newRouter(shared.Actor{ID: 300, Role: "manager"}, engine)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/adjustments/target", strings.NewReader(`{"timesheet_id":5,"project_id":1,"target_billable_hours":"32.5"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, engine.target.Equal(decimal.RequireFromString("32.5")))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/adjustments/11", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, int64(11), engine.removed)

	r = newRouter(shared.Actor{ID: 1, Role: "employee"}, engine)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/adjustments/11", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListNeedsTimesheet(t *testing.T) {
	r := newRouter(shared.Actor{ID: 300, Role: "manager"}, &stubEngine{})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/adjustments", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/adjustments?timesheet_id=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"adjustments":[]}`, rr.Body.String())
}
