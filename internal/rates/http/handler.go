package rateshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/platform/httpx"
	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
)

type engine interface {
	CreateRule(ctx context.Context, actor shared.Actor, in rates.RuleInput) (rates.Rule, error)
	ListRules(ctx context.Context, filter rates.ListFilter) ([]rates.Rule, shared.Pagination, error)
	RemoveRule(ctx context.Context, actor shared.Actor, id int64) error
	Resolve(ctx context.Context, q rates.Query) (rates.Resolution, error)
}

// Handler exposes billing rate rules.
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
	r.Route("/rates", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/resolve", h.resolve)
		r.Delete("/{id}", h.remove)
	})
}

const maxPerPage = 100

type createRequest struct {
	Scope              string           `json:"scope" validate:"required,oneof=global role client project user"`
	ScopeKey           string           `json:"scope_key" validate:"max=64"`
	HourlyRate         decimal.Decimal  `json:"hourly_rate"`
	OvertimeMultiplier *decimal.Decimal `json:"overtime_multiplier"`
	HolidayMultiplier  *decimal.Decimal `json:"holiday_multiplier"`
	WeekendMultiplier  *decimal.Decimal `json:"weekend_multiplier"`
	MinIncrement       *decimal.Decimal `json:"min_increment"`
	EffectiveFrom      string           `json:"effective_from" validate:"required"`
	EffectiveUntil     string           `json:"effective_until"`
}

func (req createRequest) input() (rates.RuleInput, error) {
	from, err := shared.ParseDate(req.EffectiveFrom)
	if err != nil {
		return rates.RuleInput{}, err
	}
	in := rates.RuleInput{
		Scope:              rates.Scope(req.Scope),
		ScopeKey:           strings.TrimSpace(req.ScopeKey),
		HourlyRate:         req.HourlyRate,
		OvertimeMultiplier: orZero(req.OvertimeMultiplier),
		HolidayMultiplier:  orZero(req.HolidayMultiplier),
		WeekendMultiplier:  orZero(req.WeekendMultiplier),
		MinIncrement:       orZero(req.MinIncrement),
		EffectiveFrom:      from,
	}
	if req.EffectiveUntil != "" {
		until, err := shared.ParseDate(req.EffectiveUntil)
		if err != nil {
			return rates.RuleInput{}, err
		}
		in.EffectiveUntil = &until
	}
	return in, nil
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rates.ListFilter{
		Scope:    rates.Scope(q.Get("scope")),
		ScopeKey: q.Get("scope_key"),
		Page:     atoi(q.Get("page")),
		PerPage:  atoi(q.Get("per_page")),
	}
	if filter.PerPage > maxPerPage {
		filter.PerPage = maxPerPage
	}
	if filter.Scope != "" && !filter.Scope.Valid() {
		httpx.RespondError(w, httpx.RequiredParam("valid scope"))
		return
	}
	if on := q.Get("on"); on != "" {
		date, err := shared.ParseDate(on)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.On = &date
	}
	rules, page, err := h.engine.ListRules(r.Context(), filter)
	if err != nil {
		h.fail(w, "list rates", err)
		return
	}
	if rules == nil {
		rules = []rates.Rule{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rates": rules, "pagination": page})
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
	in, err := req.input()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule, err := h.engine.CreateRule(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "create rate", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
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
	if err := h.engine.RemoveRule(r.Context(), actor, id); err != nil {
		h.fail(w, "remove rate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolve answers "what would this hour cost" without writing anything.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
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
	if userID == 0 || projectID == 0 {
		httpx.RespondError(w, httpx.RequiredParam("user_id and project_id"))
		return
	}
	q := r.URL.Query()
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := q.Get("date"); raw != "" {
		if date, err = shared.ParseDate(raw); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	hours := decimal.NewFromInt(1)
	if raw := q.Get("hours"); raw != "" {
		if hours, err = decimal.NewFromString(raw); err != nil || hours.IsNegative() {
			httpx.RespondError(w, httpx.RequiredParam("non-negative hours"))
			return
		}
	}
	overtime, _ := strconv.ParseBool(q.Get("overtime"))
	res, err := h.engine.Resolve(r.Context(), rates.Query{
		UserID:    userID,
		ProjectID: projectID,
		Date:      date,
		Hours:     hours,
		Overtime:  overtime,
	})
	if err != nil {
		h.fail(w, "resolve rate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resolution": res, "amount": res.Amount().Round(2)})
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
