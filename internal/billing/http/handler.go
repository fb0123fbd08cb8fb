package billinghttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/timeledger/timeledger/internal/billing"
	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/platform/httpx"
	"github.com/timeledger/timeledger/internal/shared"
)

type viewService interface {
	ProjectView(ctx context.Context, f billing.Filter) (billing.ProjectView, error)
	TaskView(ctx context.Context, f billing.Filter) (billing.TaskView, error)
	UserView(ctx context.Context, f billing.Filter) (billing.UserView, error)
}

// Handler serves the billing views.
type Handler struct {
	logger *slog.Logger
	views  viewService
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, views viewService) *Handler {
	return &Handler{logger: logger, views: views}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/projects", h.projects)
		r.Get("/tasks", h.tasks)
		r.Get("/users", h.users)
	})
}

func (h *Handler) projects(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	view, err := h.views.ProjectView(r.Context(), f)
	h.respond(w, "project view", view, err)
}

func (h *Handler) tasks(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	view, err := h.views.TaskView(r.Context(), f)
	h.respond(w, "task view", view, err)
}

func (h *Handler) users(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	view, err := h.views.UserView(r.Context(), f)
	h.respond(w, "user view", view, err)
}

// filter reads the week range and narrows employees to their own figures.
func (h *Handler) filter(w http.ResponseWriter, r *http.Request) (billing.Filter, bool) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return billing.Filter{}, false
	}
	q := r.URL.Query()
	var f billing.Filter
	if f.From, err = shared.ParseWeek(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return billing.Filter{}, false
	}
	if f.To, err = shared.ParseWeek(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return billing.Filter{}, false
	}
	if f.ProjectID, err = httpx.QueryInt64(r, "project_id"); err != nil {
		httpx.RespondError(w, err)
		return billing.Filter{}, false
	}
	if f.UserID, err = httpx.QueryInt64(r, "user_id"); err != nil {
		httpx.RespondError(w, err)
		return billing.Filter{}, false
	}
	f.PerWeek, _ = strconv.ParseBool(q.Get("per_week"))
	if actor.Role == string(directory.RoleEmployee) {
		f.UserID = actor.ID
	}
	return f, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, view any, err error) {
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error(op, slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}
