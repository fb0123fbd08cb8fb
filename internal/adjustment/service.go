package adjustment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
)

// RepositoryPort describes adjustment persistence.
type RepositoryPort interface {
	Upsert(ctx context.Context, a Adjustment) (Adjustment, error)
	Get(ctx context.Context, id int64) (Adjustment, error)
	ListForTimesheet(ctx context.Context, timesheetID int64) ([]Adjustment, error)
	SoftDelete(ctx context.Context, id int64, at time.Time) error
}

// TimesheetReader loads a timesheet with its entries.
type TimesheetReader interface {
	Get(ctx context.Context, id int64) (timesheet.Timesheet, error)
}

// LedgerPort receives per-member billable ledgers.
type LedgerPort interface {
	RecordLedger(ctx context.Context, projectID int64, week time.Time, userID int64, ledger projectweek.Ledger) error
}

// Engine computes and persists billable adjustments.
type Engine struct {
	repo       RepositoryPort
	timesheets TimesheetReader
	directory  directory.Directory
	ledger     LedgerPort
	audit      shared.AuditSink
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine constructs the adjustment engine.
func NewEngine(repo RepositoryPort, timesheets TimesheetReader, dir directory.Directory, ledger LedgerPort, audit shared.AuditSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:       repo,
		timesheets: timesheets,
		directory:  dir,
		ledger:     ledger,
		audit:      audit,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Set creates or replaces the adjustment keyed by (scope, project, timesheet, user).
func (e *Engine) Set(ctx context.Context, actor shared.Actor, in Input) (Adjustment, error) {
	if err := in.validate(); err != nil {
		return Adjustment{}, err
	}
	ts, err := e.mutable(ctx, actor, in.TimesheetID, in.Scope, in.ProjectID)
	if err != nil {
		return Adjustment{}, err
	}
	if in.Scope == ScopeProject && !slices.Contains(ts.Projects(), in.ProjectID) {
		return Adjustment{}, fmt.Errorf("adjustment: timesheet %d has no entries on project %d: %w", ts.ID, in.ProjectID, shared.ErrValidation)
	}
	worked := timeentry.SumHours(ts.Entries, timeentry.BillableIn(in.ProjectID))
	saved, err := e.repo.Upsert(ctx, Adjustment{
		Scope:              in.Scope,
		ProjectID:          in.ProjectID,
		TimesheetID:        ts.ID,
		UserID:             ts.UserID,
		TotalWorkedHours:   worked,
		AdjustmentHours:    in.AdjustmentHours,
		TotalBillableHours: Billable(worked, in.AdjustmentHours),
		Reason:             in.Reason,
		CreatedBy:          actor.ID,
	})
	if err != nil {
		return Adjustment{}, err
	}
	e.recordAudit(ctx, actor, "ADJUSTMENT_SET", saved)
	e.refreshLedger(ctx, ts)
	return saved, nil
}

// SetTarget stores the delta that makes the current billable hours equal target. The live
// adjustments under other keys stay in force, so the delta is solved on top of them.
func (e *Engine) SetTarget(ctx context.Context, actor shared.Actor, timesheetID, projectID int64, target decimal.Decimal, reason string) (Adjustment, error) {
	if target.IsNegative() {
		return Adjustment{}, fmt.Errorf("adjustment: target %s below zero: %w", target, shared.ErrValidation)
	}
	ts, err := e.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return Adjustment{}, err
	}
	adjustments, err := e.repo.ListForTimesheet(ctx, timesheetID)
	if err != nil {
		return Adjustment{}, err
	}
	scope := ScopeTimesheet
	if projectID != 0 {
		scope = ScopeProject
	}
	others := slices.DeleteFunc(adjustments, func(a Adjustment) bool {
		return a.Scope == scope && a.ProjectID == projectID && a.UserID == ts.UserID
	})
	return e.Set(ctx, actor, Input{
		Scope:           scope,
		TimesheetID:     timesheetID,
		ProjectID:       projectID,
		AdjustmentHours: DeltaFor(ts, others, projectID, target),
		Reason:          reason,
	})
}

// Remove soft-deletes an adjustment.
func (e *Engine) Remove(ctx context.Context, actor shared.Actor, id int64) error {
	a, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	ts, err := e.mutable(ctx, actor, a.TimesheetID, a.Scope, a.ProjectID)
	if err != nil {
		return err
	}
	if err := e.repo.SoftDelete(ctx, id, e.now()); err != nil {
		return err
	}
	e.recordAudit(ctx, actor, "ADJUSTMENT_REMOVE", a)
	e.refreshLedger(ctx, ts)
	return nil
}

// List returns the live adjustments of a timesheet.
func (e *Engine) List(ctx context.Context, timesheetID int64) ([]Adjustment, error) {
	return e.repo.ListForTimesheet(ctx, timesheetID)
}

// Compute returns the billable hours of one project of the timesheet, or of the whole
// timesheet when projectID is zero.
func (e *Engine) Compute(ctx context.Context, timesheetID, projectID int64) (Computation, error) {
	ts, err := e.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return Computation{}, err
	}
	adjustments, err := e.repo.ListForTimesheet(ctx, timesheetID)
	if err != nil {
		return Computation{}, err
	}
	return ComputeFor(ts, adjustments, projectID), nil
}

// ComputeFor is the pure form of Compute over already-loaded data. The timesheet figure is
// the sum of the per-project figures, each floored at zero, which is what snapshots bill.
func ComputeFor(ts timesheet.Timesheet, adjustments []Adjustment, projectID int64) Computation {
	b := newBreakdown(ts, adjustments)
	deltas := b.deltas(b.timesheetDelta)
	c := Computation{TimesheetID: ts.ID, ProjectID: projectID}
	if projectID != 0 {
		c.Worked = b.worked[projectID]
		c.Adjustment = deltas[projectID]
		c.Billable = Billable(c.Worked, c.Adjustment)
		return c
	}
	for _, p := range b.projects {
		worked := b.worked[p]
		c.Worked = c.Worked.Add(worked)
		c.Adjustment = c.Adjustment.Add(decimal.Max(deltas[p], worked.Neg()))
	}
	c.Billable = c.Worked.Add(c.Adjustment)
	return c
}

// DeltaFor returns the delta that, stored under the (scope, projectID) key next to others,
// brings the billable hours of projectID (or of the whole timesheet when zero) to target.
func DeltaFor(ts timesheet.Timesheet, others []Adjustment, projectID int64, target decimal.Decimal) decimal.Decimal {
	if projectID != 0 {
		c := ComputeFor(ts, others, projectID)
		return target.Sub(c.Worked).Sub(c.Adjustment)
	}
	b := newBreakdown(ts, others)
	total := decimal.Zero
	delta := target
	for _, p := range b.projects {
		total = total.Add(b.worked[p])
		delta = delta.Sub(b.worked[p]).Sub(b.projectDelta[p])
	}
	delta = delta.Sub(b.timesheetDelta)
	if total.IsZero() {
		return delta
	}
	// Newton steps along the slope of the projects that are not floored.
	for range len(b.projects) + 1 {
		deltas := b.deltas(b.timesheetDelta.Add(delta))
		billable, active := decimal.Zero, decimal.Zero
		for _, p := range b.projects {
			if v := b.worked[p].Add(deltas[p]); v.IsPositive() {
				billable = billable.Add(v)
				active = active.Add(b.worked[p])
			}
		}
		gap := billable.Sub(target)
		if !gap.IsPositive() || active.IsZero() {
			break
		}
		delta = delta.Sub(gap.Mul(total).Div(active))
	}
	return delta
}

// breakdown is the per-project view of a timesheet's live hours and adjustments.
type breakdown struct {
	projects       []int64
	worked         map[int64]decimal.Decimal
	projectDelta   map[int64]decimal.Decimal
	timesheetDelta decimal.Decimal
}

func newBreakdown(ts timesheet.Timesheet, adjustments []Adjustment) breakdown {
	b := breakdown{
		projects:     ts.Projects(),
		projectDelta: map[int64]decimal.Decimal{},
	}
	b.worked = make(map[int64]decimal.Decimal, len(b.projects))
	for _, p := range b.projects {
		b.worked[p] = timeentry.SumHours(ts.Entries, timeentry.BillableIn(p))
	}
	for _, a := range adjustments {
		if a.DeletedAt != nil {
			continue
		}
		switch a.Scope {
		case ScopeProject:
			b.projectDelta[a.ProjectID] = b.projectDelta[a.ProjectID].Add(a.AdjustmentHours)
		case ScopeTimesheet:
			b.timesheetDelta = b.timesheetDelta.Add(a.AdjustmentHours)
		}
	}
	return b
}

// deltas returns each project's delta with timesheetDelta apportioned by worked hours.
func (b breakdown) deltas(timesheetDelta decimal.Decimal) map[int64]decimal.Decimal {
	split := splitTimesheetDelta(b.worked, b.projects, timesheetDelta)
	out := make(map[int64]decimal.Decimal, len(b.projects))
	for _, p := range b.projects {
		out[p] = b.projectDelta[p].Add(split[p])
	}
	return out
}

// DistributeFor spreads the project's effective adjustment across its billable entries.
func DistributeFor(ts timesheet.Timesheet, adjustments []Adjustment, projectID int64) []Share {
	c := ComputeFor(ts, adjustments, projectID)
	var entries []timeentry.Entry
	for _, en := range ts.LiveEntries() {
		if en.ProjectID == projectID {
			entries = append(entries, en)
		}
	}
	return Distribute(entries, c.Adjustment)
}

// mutable loads the timesheet, rejects frozen or billed ones and authorizes the actor.
func (e *Engine) mutable(ctx context.Context, actor shared.Actor, timesheetID int64, scope Scope, projectID int64) (timesheet.Timesheet, error) {
	ts, err := e.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return timesheet.Timesheet{}, err
	}
	if ts.Status.Locked() {
		return timesheet.Timesheet{}, fmt.Errorf("adjustment: timesheet %d is %s: %w", ts.ID, ts.Status, shared.ErrInvalidState)
	}
	if err := e.authorize(ctx, actor, ts, scope, projectID); err != nil {
		return timesheet.Timesheet{}, err
	}
	return ts, nil
}

func (e *Engine) authorize(ctx context.Context, actor shared.Actor, ts timesheet.Timesheet, scope Scope, projectID int64) error {
	user, err := e.directory.GetUser(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("adjustment: actor %d: %w", actor.ID, shared.ErrAuthorization)
	}
	if scope == ScopeTimesheet && user.Role == directory.RoleManagement {
		return nil
	}
	candidates := []int64{projectID}
	if scope == ScopeTimesheet {
		candidates = ts.Projects()
	}
	from, to := shared.WeekStart(ts.WeekStart), shared.WeekEnd(ts.WeekStart)
	for _, p := range candidates {
		memberships, err := e.directory.Memberships(ctx, p, from, to)
		if err != nil {
			return err
		}
		if directory.HoldsRole(memberships, actor.ID, directory.MemberManager, from, to) {
			return nil
		}
	}
	return fmt.Errorf("adjustment: actor %d manages no project in scope: %w", actor.ID, shared.ErrAuthorization)
}

func (e *Engine) refreshLedger(ctx context.Context, ts timesheet.Timesheet) {
	if e.ledger == nil {
		return
	}
	adjustments, err := e.repo.ListForTimesheet(ctx, ts.ID)
	if err != nil {
		e.logger.Warn("ledger refresh: list adjustments", slog.Int64("timesheet_id", ts.ID), slog.Any("error", err))
		return
	}
	for _, p := range ts.Projects() {
		c := ComputeFor(ts, adjustments, p)
		err := e.ledger.RecordLedger(ctx, p, ts.WeekStart, ts.UserID, projectweek.Ledger{
			Worked:     c.Worked,
			Adjustment: c.Adjustment,
			Billable:   c.Billable,
		})
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			e.logger.Warn("ledger refresh", slog.Int64("timesheet_id", ts.ID), slog.Int64("project_id", p), slog.Any("error", err))
		}
	}
}

func (e *Engine) recordAudit(ctx context.Context, actor shared.Actor, action string, a Adjustment) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "billing_adjustment",
		EntityID: strconv.FormatInt(a.ID, 10),
		After: map[string]any{
			"scope":            a.Scope,
			"project_id":       a.ProjectID,
			"timesheet_id":     a.TimesheetID,
			"adjustment_hours": a.AdjustmentHours.String(),
			"worked_hours":     a.TotalWorkedHours.String(),
		},
		At: e.now(),
	})
	if err != nil {
		e.logger.Warn("audit adjustment", slog.String("action", action), slog.Int64("adjustment_id", a.ID), slog.Any("error", err))
	}
}
