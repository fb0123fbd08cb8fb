package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/shared"
)

// RepositoryPort describes billing rule persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, r Rule) (Rule, error)
	Get(ctx context.Context, id int64) (Rule, error)
	Live(ctx context.Context) ([]Rule, error)
	List(ctx context.Context, filter ListFilter) ([]Rule, int, error)
	// SoftDelete refuses with ErrPrecondition when removing a global rule would leave no
	// backstop rule.
	SoftDelete(ctx context.Context, id int64, at time.Time) error
}

// Engine resolves rates and manages rules.
type Engine struct {
	repo      RepositoryPort
	directory directory.Directory
	calendar  directory.Calendar
	cache     *cache.Versioned
	audit     shared.AuditSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine constructs the rate engine. A nil cache loads rules on every call.
func NewEngine(repo RepositoryPort, dir directory.Directory, calendar directory.Calendar, c *cache.Versioned, audit shared.AuditSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		directory: dir,
		calendar:  calendar,
		cache:     c,
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRule validates and stores a rule. Only management may manage rates.
func (e *Engine) CreateRule(ctx context.Context, actor shared.Actor, in RuleInput) (Rule, error) {
	if err := e.authorize(ctx, actor); err != nil {
		return Rule{}, err
	}
	r, err := in.rule()
	if err != nil {
		return Rule{}, err
	}
	r.CreatedBy = actor.ID
	saved, err := e.repo.Insert(ctx, r)
	if err != nil {
		return Rule{}, err
	}
	e.invalidate(ctx)
	e.recordAudit(ctx, actor.ID, "RATE_CREATE", saved)
	return saved, nil
}

// ListRules returns one page of live rules in precedence order.
func (e *Engine) ListRules(ctx context.Context, filter ListFilter) ([]Rule, shared.Pagination, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = page.Page, page.PerPage
	rules, total, err := e.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rules, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// RemoveRule soft-deletes a rule. A global rule cannot be removed unless another backstop
// rule remains.
func (e *Engine) RemoveRule(ctx context.Context, actor shared.Actor, id int64) error {
	if err := e.authorize(ctx, actor); err != nil {
		return err
	}
	r, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.repo.SoftDelete(ctx, id, e.now()); err != nil {
		return err
	}
	e.invalidate(ctx)
	e.recordAudit(ctx, actor.ID, "RATE_REMOVE", r)
	return nil
}

// EnsureGlobalDefault inserts a backstop global rule at rate when none exists.
func (e *Engine) EnsureGlobalDefault(ctx context.Context, rate decimal.Decimal) (Rule, bool, error) {
	rules, err := e.repo.Live(ctx)
	if err != nil {
		return Rule{}, false, err
	}
	for _, r := range rules {
		if r.Backstop() {
			return r, false, nil
		}
	}
	r, err := RuleInput{
		Scope:         ScopeGlobal,
		HourlyRate:    rate,
		EffectiveFrom: GlobalEpoch,
	}.rule()
	if err != nil {
		return Rule{}, false, err
	}
	saved, err := e.repo.Insert(ctx, r)
	if err != nil {
		return Rule{}, false, err
	}
	e.invalidate(ctx)
	e.logger.Info("global billing rate seeded", slog.Int64("rule_id", saved.ID), slog.String("rate", rate.String()))
	return saved, true, nil
}

// Resolve prices one query.
func (e *Engine) Resolve(ctx context.Context, q Query) (Resolution, error) {
	out, err := e.ResolveMany(ctx, []Query{q})
	if err != nil {
		return Resolution{}, err
	}
	return out[0], nil
}

// ResolveMany prices queries against one consistent load of the rule set.
func (e *Engine) ResolveMany(ctx context.Context, queries []Query) ([]Resolution, error) {
	rules, err := e.liveRules(ctx)
	if err != nil {
		return nil, err
	}
	users := map[int64]directory.User{}
	clients := map[int64]int64{}
	holidays := map[string]bool{}
	out := make([]Resolution, len(queries))
	for i, q := range queries {
		user, ok := users[q.UserID]
		if !ok {
			if user, err = e.directory.GetUser(ctx, q.UserID); err != nil {
				return nil, fmt.Errorf("rates: user %d: %w", q.UserID, err)
			}
			users[q.UserID] = user
		}
		if q.Role == "" {
			q.Role = string(user.Role)
		}
		if q.ClientID == 0 && q.ProjectID != 0 {
			client, ok := clients[q.ProjectID]
			if !ok {
				p, err := e.directory.GetProject(ctx, q.ProjectID)
				if err != nil {
					return nil, fmt.Errorf("rates: project %d: %w", q.ProjectID, err)
				}
				client = p.ClientID
				clients[q.ProjectID] = client
			}
			q.ClientID = client
		}
		day := shared.FormatDate(q.Date)
		holiday, ok := holidays[day]
		if !ok && e.calendar != nil {
			if holiday, err = e.calendar.IsHoliday(ctx, q.Date); err != nil {
				return nil, err
			}
			holidays[day] = holiday
		}
		res, err := resolve(rules, q, user.HourlyRate, Conditions{
			Holiday:  holiday,
			Weekend:  shared.IsWeekend(q.Date),
			Overtime: q.Overtime,
		})
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// resolve applies precedence, the profile-rate fallback and multipliers.
func resolve(rules []Rule, q Query, profileRate decimal.Decimal, cond Conditions) (Resolution, error) {
	winner, ok := Select(rules, q)
	if !ok {
		return Resolution{}, fmt.Errorf("rates: user %d project %d on %s: %w", q.UserID, q.ProjectID, shared.FormatDate(q.Date), shared.ErrNoRateFound)
	}
	if winner.Scope == ScopeGlobal && profileRate.IsPositive() {
		return Price(ScopeProfile, winner.ID, profileRate, winner, q.Hours, cond), nil
	}
	return Price(winner.Scope, winner.ID, winner.HourlyRate, winner, q.Hours, cond), nil
}

func (e *Engine) liveRules(ctx context.Context) ([]Rule, error) {
	key, err := e.cache.BuildKey(ctx, "live")
	if err != nil {
		e.logger.Warn("rate cache unavailable", slog.Any("error", err))
		return e.repo.Live(ctx)
	}
	var rules []Rule
	err = e.cache.FetchJSON(ctx, key, &rules, func(ctx context.Context) (any, error) {
		return e.repo.Live(ctx)
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (e *Engine) invalidate(ctx context.Context) {
	if err := e.cache.Bump(ctx); err != nil {
		e.logger.Warn("rate cache bump failed", slog.Any("error", err))
	}
}

func (e *Engine) authorize(ctx context.Context, actor shared.Actor) error {
	user, err := e.directory.GetUser(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("rates: actor %d: %w", actor.ID, shared.ErrAuthorization)
		}
		return err
	}
	if user.Role != directory.RoleManagement {
		return fmt.Errorf("rates: role %s cannot manage rates: %w", user.Role, shared.ErrAuthorization)
	}
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, actorID int64, action string, r Rule) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "billing_rate",
		EntityID: strconv.FormatInt(r.ID, 10),
		After: map[string]any{
			"scope":          r.Scope,
			"scope_key":      r.ScopeKey,
			"hourly_rate":    r.HourlyRate.String(),
			"effective_from": shared.FormatDate(r.EffectiveFrom),
		},
		At: e.now(),
	})
	if err != nil {
		e.logger.Warn("audit rate change", slog.String("action", action), slog.Int64("rule_id", r.ID), slog.Any("error", err))
	}
}
