package projectweekhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/timeledger/timeledger/internal/approval"
	"github.com/timeledger/timeledger/internal/platform/httpx"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/shared"
)

type coordinator interface {
	Get(ctx context.Context, projectID int64, week time.Time) (projectweek.Aggregate, error)
	SyncEnrollment(ctx context.Context, projectID int64, week time.Time) (projectweek.SyncResult, error)
}

type reviewer interface {
	ApproveProjectWeek(ctx context.Context, actor shared.Actor, projectID int64, week time.Time) ([]approval.ItemResult, error)
	RejectProjectWeek(ctx context.Context, actor shared.Actor, projectID int64, week time.Time, reason string) ([]approval.ItemResult, error)
}

// Handler serves project-week coordination state and bulk review.
type Handler struct {
	logger      *slog.Logger
	coordinator coordinator
	reviewer    reviewer
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, coordinator coordinator, reviewer reviewer) *Handler {
	return &Handler{logger: logger, coordinator: coordinator, reviewer: reviewer}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/project-weeks/{projectID}/{week}", func(r chi.Router) {
		r.Get("/", h.show)
		r.Post("/approve", h.approve)
		r.Post("/reject", h.reject)
		r.Post("/sync", h.sync)
	})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type reviewResponse struct {
	ProjectID int64                 `json:"project_id"`
	WeekStart string                `json:"week_start"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Items     []approval.ItemResult `json:"items"`
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	projectID, week, ok := keyParams(w, r)
	if !ok {
		return
	}
	agg, err := h.coordinator.Get(r.Context(), projectID, week)
	if err != nil {
		h.fail(w, "get project week", err)
		return
	}
	httpx.JSON(w, http.StatusOK, agg)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	projectID, week, ok := keyParams(w, r)
	if !ok {
		return
	}
	items, err := h.reviewer.ApproveProjectWeek(r.Context(), actor, projectID, week)
	if err != nil {
		h.fail(w, "approve project week", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summarize(projectID, week, items))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	projectID, week, ok := keyParams(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.reviewer.RejectProjectWeek(r.Context(), actor, projectID, week, req.Reason)
	if err != nil {
		h.fail(w, "reject project week", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summarize(projectID, week, items))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Actor(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	projectID, week, ok := keyParams(w, r)
	if !ok {
		return
	}
	res, err := h.coordinator.SyncEnrollment(r.Context(), projectID, week)
	if err != nil {
		h.fail(w, "sync project week", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func summarize(projectID int64, week time.Time, items []approval.ItemResult) reviewResponse {
	resp := reviewResponse{ProjectID: projectID, WeekStart: shared.FormatWeek(week), Items: items}
	if resp.Items == nil {
		resp.Items = []approval.ItemResult{}
	}
	for _, item := range items {
		if item.OK {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp
}

func keyParams(w http.ResponseWriter, r *http.Request) (int64, time.Time, bool) {
	projectID, err := httpx.IDParam(r, "projectID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, time.Time{}, false
	}
	week, err := shared.ParseWeek(chi.URLParam(r, "week"))
	if err != nil {
		httpx.RespondError(w, err)
		return 0, time.Time{}, false
	}
	return projectID, week, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
