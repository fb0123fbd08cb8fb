package timesheethttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/billing"
	"github.com/timeledger/timeledger/internal/platform/httpx"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

type timesheetService interface {
	Create(ctx context.Context, ownerID int64, week time.Time) (timesheet.Timesheet, error)
	Get(ctx context.Context, id int64) (timesheet.Timesheet, error)
	ListForWeek(ctx context.Context, filter timesheet.ListFilter) ([]timesheet.Timesheet, error)
	AddEntry(ctx context.Context, ownerID, timesheetID int64, in timesheet.EntryInput) (timeentry.Entry, []timeentry.Warning, error)
	UpdateEntry(ctx context.Context, ownerID, timesheetID, entryID int64, in timesheet.EntryInput) (timeentry.Entry, []timeentry.Warning, error)
	DeleteEntry(ctx context.Context, ownerID, timesheetID, entryID int64) error
	Submit(ctx context.Context, ownerID, timesheetID int64) (timesheet.Timesheet, error)
	Delete(ctx context.Context, ownerID, timesheetID int64) error
	History(ctx context.Context, actor shared.Actor, id int64) ([]shared.ApprovalLog, error)
}

type reviewService interface {
	ApproveEmployee(ctx context.Context, actor shared.Actor, timesheetID, projectID int64) (timesheet.Timesheet, error)
	RejectEmployee(ctx context.Context, actor shared.Actor, timesheetID, projectID int64, reason string) (timesheet.Timesheet, error)
}

type billableService interface {
	Compute(ctx context.Context, timesheetID, projectID int64) (adjustment.Computation, error)
}

type billingService interface {
	CreateSnapshot(ctx context.Context, actor shared.Actor, timesheetID int64) (billing.Snapshot, error)
	Snapshot(ctx context.Context, timesheetID int64) (billing.Snapshot, error)
	MarkBilled(ctx context.Context, actor shared.Actor, timesheetID int64) (timesheet.Timesheet, error)
}

// Handler exposes the timesheet lifecycle over JSON.
type Handler struct {
	logger     *slog.Logger
	timesheets timesheetService
	reviews    reviewService
	billable   billableService
	billing    billingService
}

// NewHandler constructs a timesheet HTTP handler.
func NewHandler(logger *slog.Logger, timesheets timesheetService, reviews reviewService, billable billableService, billing billingService) *Handler {
	return &Handler{
		logger:     logger,
		timesheets: timesheets,
		reviews:    reviews,
		billable:   billable,
		billing:    billing,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/timesheets", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.show)
			r.Delete("/", h.delete)
			r.Get("/history", h.history)
			r.Post("/entries", h.addEntry)
			r.Put("/entries/{entryID}", h.updateEntry)
			r.Delete("/entries/{entryID}", h.deleteEntry)
			r.Post("/submit", h.submit)
			r.Post("/approve", h.approve)
			r.Post("/reject", h.reject)
			r.Get("/billable", h.billableHours)
			r.Get("/snapshots/latest", h.latestSnapshot)
			r.Post("/snapshots", h.createSnapshot)
			r.Post("/bill", h.bill)
		})
	})
}

type createRequest struct {
	Week string `json:"week" validate:"required"`
}

type entryRequest struct {
	ProjectID        int64           `json:"project_id" validate:"required,gt=0"`
	Kind             string          `json:"kind" validate:"required,oneof=project_task custom_task"`
	TaskID           int64           `json:"task_id" validate:"omitempty,gt=0"`
	Description      string          `json:"description" validate:"max=500"`
	Date             string          `json:"date" validate:"required"`
	Hours            decimal.Decimal `json:"hours"`
	Billable         bool            `json:"billable"`
	BillableOverride bool            `json:"billable_override"`
}

func (req entryRequest) input() (timesheet.EntryInput, error) {
	date, err := shared.ParseDate(req.Date)
	if err != nil {
		return timesheet.EntryInput{}, err
	}
	kind, err := timeentry.KindFrom(timeentry.KindName(req.Kind), req.TaskID, req.Description, req.BillableOverride)
	if err != nil {
		return timesheet.EntryInput{}, err
	}
	return timesheet.EntryInput{
		ProjectID: req.ProjectID,
		Date:      date,
		Hours:     req.Hours,
		Billable:  req.Billable,
		Kind:      kind,
	}, nil
}

type reviewRequest struct {
	ProjectID int64  `json:"project_id" validate:"gte=0"`
	Reason    string `json:"reason" validate:"max=1000"`
}

type entryResponse struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	Kind        string          `json:"kind"`
	TaskID      int64           `json:"task_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Date        string          `json:"date"`
	Hours       decimal.Decimal `json:"hours"`
	Billable    bool            `json:"billable"`
	Status      workflow.Status `json:"status"`
}

type timesheetResponse struct {
	ID          int64               `json:"id"`
	UserID      int64               `json:"user_id"`
	WeekStart   string              `json:"week_start"`
	Status      workflow.Status     `json:"status"`
	SubmittedAt *time.Time          `json:"submitted_at,omitempty"`
	Lead        timesheet.Slot      `json:"lead"`
	Manager     timesheet.Slot      `json:"manager"`
	Management  timesheet.Slot      `json:"management"`
	Frozen      bool                `json:"frozen"`
	SnapshotID  string              `json:"snapshot_id,omitempty"`
	Version     int64               `json:"version"`
	TotalHours  decimal.Decimal     `json:"total_hours"`
	Entries     []entryResponse     `json:"entries"`
	Warnings    []timeentry.Warning `json:"warnings,omitempty"`
}

func toEntry(e timeentry.Entry) entryResponse {
	return entryResponse{
		ID:          e.ID,
		ProjectID:   e.ProjectID,
		Kind:        string(e.Kind.Name()),
		TaskID:      e.TaskID(),
		Description: e.Description(),
		Date:        shared.FormatDate(e.Date),
		Hours:       e.Hours,
		Billable:    e.Billable,
		Status:      e.Status,
	}
}

func toTimesheet(ts timesheet.Timesheet) timesheetResponse {
	resp := timesheetResponse{
		ID:          ts.ID,
		UserID:      ts.UserID,
		WeekStart:   shared.FormatWeek(ts.WeekStart),
		Status:      ts.Status,
		SubmittedAt: ts.SubmittedAt,
		Lead:        ts.Lead,
		Manager:     ts.Manager,
		Management:  ts.Management,
		Frozen:      ts.Frozen,
		Version:     ts.Version,
		TotalHours:  ts.TotalHours(),
		Entries:     []entryResponse{},
		Warnings:    ts.Warnings(),
	}
	if ts.SnapshotID != nil {
		resp.SnapshotID = ts.SnapshotID.String()
	}
	for _, e := range ts.LiveEntries() {
		resp.Entries = append(resp.Entries, toEntry(e))
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Actor(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	week, err := shared.ParseWeek(r.URL.Query().Get("week"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID, err := httpx.QueryInt64(r, "user_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	projectID, err := httpx.QueryInt64(r, "project_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sheets, err := h.timesheets.ListForWeek(r.Context(), timesheet.ListFilter{WeekStart: week, UserID: userID, ProjectID: projectID})
	if err != nil {
		h.fail(w, "list timesheets", err)
		return
	}
	out := make([]timesheetResponse, 0, len(sheets))
	for _, ts := range sheets {
		out = append(out, toTimesheet(ts))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"timesheets": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	week, err := shared.ParseWeek(req.Week)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ts, err := h.timesheets.Create(r.Context(), actor.ID, week)
	if err != nil {
		h.fail(w, "create timesheet", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTimesheet(ts))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ts, err := h.timesheets.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get timesheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTimesheet(ts))
}

type historyResponse struct {
	ActorID int64     `json:"actor_id"`
	Tier    string    `json:"tier,omitempty"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	logs, err := h.timesheets.History(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "timesheet history", err)
		return
	}
	out := make([]historyResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, historyResponse{ActorID: l.ActorID, Tier: l.Tier, Action: string(l.Action), Note: l.Note, At: l.At})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.timesheets.Delete(r.Context(), actor.ID, id); err != nil {
		h.fail(w, "delete timesheet", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addEntry(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	in, ok := h.bindEntry(w, r)
	if !ok {
		return
	}
	entry, warnings, err := h.timesheets.AddEntry(r.Context(), actor.ID, id, in)
	if err != nil {
		h.fail(w, "add entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"entry": toEntry(entry), "warnings": warnings})
}

func (h *Handler) updateEntry(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	entryID, err := httpx.IDParam(r, "entryID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, ok := h.bindEntry(w, r)
	if !ok {
		return
	}
	entry, warnings, err := h.timesheets.UpdateEntry(r.Context(), actor.ID, id, entryID, in)
	if err != nil {
		h.fail(w, "update entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entry": toEntry(entry), "warnings": warnings})
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	entryID, err := httpx.IDParam(r, "entryID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.timesheets.DeleteEntry(r.Context(), actor.ID, id, entryID); err != nil {
		h.fail(w, "delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	ts, err := h.timesheets.Submit(r.Context(), actor.ID, id)
	if err != nil {
		h.fail(w, "submit timesheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTimesheet(ts))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ts, err := h.reviews.ApproveEmployee(r.Context(), actor, id, req.ProjectID)
	if err != nil {
		h.fail(w, "approve timesheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTimesheet(ts))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ts, err := h.reviews.RejectEmployee(r.Context(), actor, id, req.ProjectID, req.Reason)
	if err != nil {
		h.fail(w, "reject timesheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTimesheet(ts))
}

func (h *Handler) billableHours(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	projectID, err := httpx.QueryInt64(r, "project_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.billable.Compute(r.Context(), id, projectID)
	if err != nil {
		h.fail(w, "compute billable", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	snap, err := h.billing.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, "get snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	snap, err := h.billing.CreateSnapshot(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "create snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, snap)
}

func (h *Handler) bill(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	ts, err := h.billing.MarkBilled(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "mark billed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTimesheet(ts))
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	return actor, id, true
}

func (h *Handler) bindEntry(w http.ResponseWriter, r *http.Request) (timesheet.EntryInput, bool) {
	var req entryRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return timesheet.EntryInput{}, false
	}
	in, err := req.input()
	if err != nil {
		httpx.RespondError(w, err)
		return timesheet.EntryInput{}, false
	}
	return in, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
