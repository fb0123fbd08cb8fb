package adjustmenthttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/platform/httpx"
	"github.com/timeledger/timeledger/internal/shared"
)

type engine interface {
	Set(ctx context.Context, actor shared.Actor, in adjustment.Input) (adjustment.Adjustment, error)
	SetTarget(ctx context.Context, actor shared.Actor, timesheetID, projectID int64, target decimal.Decimal, reason string) (adjustment.Adjustment, error)
	Remove(ctx context.Context, actor shared.Actor, id int64) error
	List(ctx context.Context, timesheetID int64) ([]adjustment.Adjustment, error)
}

// Handler manages billable adjustments.
type Handler struct {
	logger *slog.Logger
	engine engine
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, engine engine) *Handler {
	return &Handler{logger: logger, engine: engine}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/adjustments", func(r chi.Router) {
		r.Get("/", h.list)
		r.Put("/", h.set)
		r.Post("/target", h.setTarget)
		r.Delete("/{id}", h.remove)
	})
}

type setRequest struct {
	Scope           string          `json:"scope" validate:"required,oneof=project timesheet"`
	TimesheetID     int64           `json:"timesheet_id" validate:"required,gt=0"`
	ProjectID       int64           `json:"project_id" validate:"gte=0"`
	AdjustmentHours decimal.Decimal `json:"adjustment_hours"`
	Reason          string          `json:"reason" validate:"max=1000"`
}

type targetRequest struct {
	TimesheetID int64           `json:"timesheet_id" validate:"required,gt=0"`
	ProjectID   int64           `json:"project_id" validate:"required,gt=0"`
	Target      decimal.Decimal `json:"target_billable_hours"`
	Reason      string          `json:"reason" validate:"max=1000"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	timesheetID, err := httpx.QueryInt64(r, "timesheet_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if timesheetID == 0 {
		httpx.RespondError(w, httpx.RequiredParam("timesheet_id"))
		return
	}
	items, err := h.engine.List(r.Context(), timesheetID)
	if err != nil {
		h.fail(w, "list adjustments", err)
		return
	}
	if items == nil {
		items = []adjustment.Adjustment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": items})
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	adj, err := h.engine.Set(r.Context(), actor, adjustment.Input{
		Scope:           adjustment.Scope(req.Scope),
		TimesheetID:     req.TimesheetID,
		ProjectID:       req.ProjectID,
		AdjustmentHours: req.AdjustmentHours,
		Reason:          req.Reason,
	})
	if err != nil {
		h.fail(w, "set adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) setTarget(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req targetRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	adj, err := h.engine.SetTarget(r.Context(), actor, req.TimesheetID, req.ProjectID, req.Target, req.Reason)
	if err != nil {
		h.fail(w, "set adjustment target", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.engine.Remove(r.Context(), actor, id); err != nil {
		h.fail(w, "remove adjustment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
