package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

// IdempotencyModule scopes snapshot claims in the idempotency store.
const IdempotencyModule = "billing_snapshot"

// RepositoryPort describes snapshot persistence.
type RepositoryPort interface {
	// Save stores s and stamps superseded_by on the previous live snapshot of the timesheet.
	Save(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context, timesheetID int64) (Snapshot, error)
	// ListLatest returns the live snapshots whose week lies in [from, to].
	ListLatest(ctx context.Context, from, to time.Time, userID int64) ([]Snapshot, error)
}

// TimesheetPort is the slice of the timesheet service billing drives.
type TimesheetPort interface {
	Get(ctx context.Context, id int64) (timesheet.Timesheet, error)
	ListFrozenWithoutSnapshot(ctx context.Context, limit int) ([]timesheet.Timesheet, error)
	AttachSnapshot(ctx context.Context, timesheetID int64, snapshotID uuid.UUID) error
	MarkBilled(ctx context.Context, actorID, timesheetID int64) (timesheet.Timesheet, error)
}

// AdjustmentReader lists the live adjustments of a timesheet.
type AdjustmentReader interface {
	List(ctx context.Context, timesheetID int64) ([]adjustment.Adjustment, error)
}

// RateResolver prices a batch of queries against one rule set.
type RateResolver interface {
	ResolveMany(ctx context.Context, queries []rates.Query) ([]rates.Resolution, error)
}

// ViewObserver counts view rebuilds.
type ViewObserver interface {
	ObserveViewBuild(view string)
}

// Config tunes snapshot pricing.
type Config struct {
	// OvertimeDailyHours marks entries starting after this many hours on a day as overtime.
	// Zero disables overtime pricing.
	OvertimeDailyHours decimal.Decimal
}

// Service creates snapshots and serves billing views.
type Service struct {
	repo        RepositoryPort
	timesheets  TimesheetPort
	adjustments AdjustmentReader
	rates       RateResolver
	directory   directory.Directory
	claims      shared.KeyClaimer
	cache       *cache.Versioned
	observer    ViewObserver
	audit       shared.AuditSink
	cfg         Config
	logger      *slog.Logger
	group       singleflight.Group
	now         func() time.Time
}

// Deps bundles Service collaborators. Claims, Cache, Observer and Audit are optional.
type Deps struct {
	Repo        RepositoryPort
	Timesheets  TimesheetPort
	Adjustments AdjustmentReader
	Rates       RateResolver
	Directory   directory.Directory
	Claims      shared.KeyClaimer
	Cache       *cache.Versioned
	Observer    ViewObserver
	Audit       shared.AuditSink
	Logger      *slog.Logger
}

// NewService constructs the billing service.
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Repo,
		timesheets:  deps.Timesheets,
		adjustments: deps.Adjustments,
		rates:       deps.Rates,
		directory:   deps.Directory,
		claims:      deps.Claims,
		cache:       deps.Cache,
		observer:    deps.Observer,
		audit:       deps.Audit,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSnapshot prices a frozen timesheet and supersedes its previous snapshot.
// A zero actor id marks a system run.
func (s *Service) CreateSnapshot(ctx context.Context, actor shared.Actor, timesheetID int64) (Snapshot, error) {
	ts, err := s.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return Snapshot{}, err
	}
	if ts.Status != workflow.StatusFrozen {
		return Snapshot{}, fmt.Errorf("billing: timesheet %d is %s, snapshots need frozen: %w", ts.ID, ts.Status, shared.ErrInvalidState)
	}
	if err := s.authorize(ctx, actor, ts); err != nil {
		return Snapshot{}, err
	}

	var (
		adjustments []adjustment.Adjustment
		labels      map[int64]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		adjustments, err = s.adjustments.List(gctx, ts.ID)
		return err
	})
	g.Go(func() error {
		var err error
		labels, err = s.taskLabels(gctx, ts)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap, err := s.price(ctx, ts, adjustments, labels)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedBy = actor.ID
	if prev, err := s.repo.Latest(ctx, ts.ID); err == nil {
		snap.Version = prev.Version + 1
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Snapshot{}, err
	}
	if err := s.repo.Save(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	if err := s.timesheets.AttachSnapshot(ctx, ts.ID, snap.ID); err != nil {
		return Snapshot{}, err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("billing view cache bump failed", slog.Any("error", err))
	}
	s.recordAudit(ctx, actor.ID, "SNAPSHOT_CREATE", snap)
	s.logger.Info("billing snapshot created",
		slog.Int64("timesheet_id", ts.ID),
		slog.String("snapshot_id", snap.ID.String()),
		slog.Int("version", snap.Version),
		slog.String("amount", snap.TotalAmount.String()))
	return snap, nil
}

// price builds the snapshot lines. Each live billable entry gets its distributed share
// of the adjustments priced at the rate resolved for its date.
func (s *Service) price(ctx context.Context, ts timesheet.Timesheet, adjustments []adjustment.Adjustment, labels map[int64]string) (Snapshot, error) {
	shares := map[int64]adjustment.Share{}
	for _, p := range ts.Projects() {
		for _, sh := range adjustment.DistributeFor(ts, adjustments, p) {
			shares[sh.EntryID] = sh
		}
	}
	overtime := s.overtimeEntries(ts)

	entries := ts.LiveEntries()
	sortEntries(entries)
	var (
		priced  []timeentry.Entry
		queries []rates.Query
	)
	for _, e := range entries {
		sh, ok := shares[e.ID]
		if !ok {
			continue
		}
		priced = append(priced, e)
		queries = append(queries, rates.Query{
			UserID:    ts.UserID,
			ProjectID: e.ProjectID,
			Date:      e.Date,
			Hours:     sh.Billable,
			Overtime:  overtime[e.ID],
		})
	}
	resolved, err := s.rates.ResolveMany(ctx, queries)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ID:               uuid.New(),
		TimesheetID:      ts.ID,
		UserID:           ts.UserID,
		WeekStart:        ts.WeekStart,
		TimesheetVersion: ts.Version,
		Version:          1,
		CreatedAt:        s.now(),
		Lines:            make([]Line, 0, len(priced)),
	}
	for i, e := range priced {
		res := resolved[i]
		billable := res.BillableHours
		snap.Lines = append(snap.Lines, Line{
			EntryID:        e.ID,
			ProjectID:      e.ProjectID,
			TaskID:         e.TaskID(),
			TaskLabel:      label(e, labels),
			Date:           e.Date,
			WorkedHours:    e.Hours,
			BillableHours:  billable,
			RateRuleID:     res.RuleID,
			RateScope:      res.Scope,
			MultiplierKind: res.MultiplierKind,
			Multiplier:     res.Multiplier,
			EffectiveRate:  res.EffectiveRate,
			Amount:         billable.Mul(res.EffectiveRate),
		})
	}
	snap.total()
	return snap, nil
}

// overtimeEntries marks entries that start once the day already holds the overtime
// threshold of worked hours.
func (s *Service) overtimeEntries(ts timesheet.Timesheet) map[int64]bool {
	out := map[int64]bool{}
	if !s.cfg.OvertimeDailyHours.IsPositive() {
		return out
	}
	entries := ts.LiveEntries()
	sortEntries(entries)
	day := map[string]decimal.Decimal{}
	for _, e := range entries {
		key := shared.FormatDate(e.Date)
		if day[key].GreaterThanOrEqual(s.cfg.OvertimeDailyHours) {
			out[e.ID] = true
		}
		day[key] = day[key].Add(e.Hours)
	}
	return out
}

func sortEntries(entries []timeentry.Entry) {
	slices.SortFunc(entries, func(a, b timeentry.Entry) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
}

func (s *Service) taskLabels(ctx context.Context, ts timesheet.Timesheet) (map[int64]string, error) {
	labels := map[int64]string{}
	for _, e := range ts.LiveEntries() {
		id := e.TaskID()
		if id == 0 {
			continue
		}
		if _, ok := labels[id]; ok {
			continue
		}
		task, err := s.directory.GetTask(ctx, id)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			labels[id] = fmt.Sprintf("task #%d", id)
		case err != nil:
			return nil, err
		default:
			labels[id] = task.Name
		}
	}
	return labels, nil
}

func label(e timeentry.Entry, labels map[int64]string) string {
	if id := e.TaskID(); id != 0 {
		if l := labels[id]; l != "" {
			return l
		}
		return fmt.Sprintf("task #%d", id)
	}
	return strings.TrimSpace(e.Description())
}

// Snapshot returns the live snapshot of a timesheet.
func (s *Service) Snapshot(ctx context.Context, timesheetID int64) (Snapshot, error) {
	return s.repo.Latest(ctx, timesheetID)
}

// MarkBilled hands a frozen, snapshotted timesheet over to billing.
func (s *Service) MarkBilled(ctx context.Context, actor shared.Actor, timesheetID int64) (timesheet.Timesheet, error) {
	ts, err := s.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return timesheet.Timesheet{}, err
	}
	if err := s.authorize(ctx, actor, ts); err != nil {
		return timesheet.Timesheet{}, err
	}
	return s.timesheets.MarkBilled(ctx, actor.ID, timesheetID)
}

// MaterializePending snapshots frozen timesheets that have none yet. Each timesheet
// version is claimed once so concurrent runs do not duplicate work.
func (s *Service) MaterializePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.timesheets.ListFrozenWithoutSnapshot(ctx, limit)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, ts := range pending {
		key := shared.SnapshotKey(ts.ID, ts.Version)
		if s.claims != nil {
			if err := s.claims.CheckAndInsert(ctx, key, IdempotencyModule); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					continue
				}
				return created, err
			}
		}
		if _, err := s.CreateSnapshot(ctx, shared.Actor{}, ts.ID); err != nil {
			s.logger.Error("snapshot materialization failed", slog.Int64("timesheet_id", ts.ID), slog.Any("error", err))
			if s.claims != nil {
				_ = s.claims.Delete(ctx, key)
			}
			continue
		}
		created++
	}
	return created, nil
}

// ProjectView folds the live snapshots by project and user.
func (s *Service) ProjectView(ctx context.Context, f Filter) (ProjectView, error) {
	var view ProjectView
	err := s.view(ctx, "projects", f, &view, func(snaps []Snapshot, f Filter) any { return FoldProjects(snaps, f) })
	return view, err
}

// TaskView folds the live snapshots by project and task label.
func (s *Service) TaskView(ctx context.Context, f Filter) (TaskView, error) {
	var view TaskView
	err := s.view(ctx, "tasks", f, &view, func(snaps []Snapshot, f Filter) any { return FoldTasks(snaps, f) })
	return view, err
}

// UserView folds the live snapshots by user, project and task label.
func (s *Service) UserView(ctx context.Context, f Filter) (UserView, error) {
	var view UserView
	err := s.view(ctx, "users", f, &view, func(snaps []Snapshot, f Filter) any { return FoldUsers(snaps, f) })
	return view, err
}

// view serves a cached fold. Concurrent identical builds share one computation.
func (s *Service) view(ctx context.Context, name string, f Filter, dest any, fold func([]Snapshot, Filter) any) error {
	f, err := f.Normalize()
	if err != nil {
		return err
	}
	key, err := s.cache.BuildKey(ctx, f.cacheParts(name)...)
	if err != nil {
		s.logger.Warn("billing view cache unavailable", slog.Any("error", err))
		key = strings.Join(f.cacheParts(name), ":")
	}
	loader := func(ctx context.Context) (any, error) {
		v, err, _ := s.group.Do(key, func() (any, error) {
			snaps, err := s.repo.ListLatest(ctx, f.From, f.To, f.UserID)
			if err != nil {
				return nil, err
			}
			if s.observer != nil {
				s.observer.ObserveViewBuild(name)
			}
			return fold(snaps, f), nil
		})
		return v, err
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

// authorize admits system runs, management and managers of a project on the timesheet.
func (s *Service) authorize(ctx context.Context, actor shared.Actor, ts timesheet.Timesheet) error {
	if actor.ID == 0 {
		return nil
	}
	user, err := s.directory.GetUser(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("billing: actor %d: %w", actor.ID, shared.ErrAuthorization)
		}
		return err
	}
	if user.Role == directory.RoleManagement {
		return nil
	}
	from, to := ts.WeekStart, shared.WeekEnd(ts.WeekStart)
	for _, p := range ts.Projects() {
		memberships, err := s.directory.Memberships(ctx, p, from, to)
		if err != nil {
			return err
		}
		if directory.HoldsRole(memberships, actor.ID, directory.MemberManager, from, to) {
			return nil
		}
	}
	return fmt.Errorf("billing: actor %d cannot bill timesheet %d: %w", actor.ID, ts.ID, shared.ErrAuthorization)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, snap Snapshot) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "billing_snapshot",
		EntityID: snap.ID.String(),
		After: map[string]any{
			"timesheet_id":   snap.TimesheetID,
			"version":        snap.Version,
			"total_billable": snap.TotalBillable.String(),
			"total_amount":   snap.TotalAmount.String(),
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit snapshot", slog.String("action", action), slog.String("snapshot_id", snap.ID.String()), slog.Any("error", err))
	}
}
