package jobs

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/timeledger/timeledger/internal/platform/httpx"
)

// QueueStatus summarises the default queue.
type QueueStatus struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reads the default queue counters. A nil inspector yields an empty status.
func InspectQueue(inspector *asynq.Inspector) (QueueStatus, error) {
	status := QueueStatus{Queue: QueueDefault}
	if inspector == nil {
		return status, nil
	}
	info, err := inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		return status, err
	}
	if info != nil {
		status.Pending = info.Pending
		status.Active = info.Active
		status.Scheduled = info.Scheduled
		status.Retry = info.Retry
		status.Archived = info.Archived
	}
	return status, nil
}

// Handler exposes queue health over HTTP.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs the jobs handler.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	status, err := InspectQueue(h.inspector)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}
