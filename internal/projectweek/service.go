package projectweek

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
	"github.com/timeledger/timeledger/internal/platform/lock"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

const saveAttempts = 3

// RepositoryPort describes aggregate persistence used by Coordinator.
type RepositoryPort interface {
	Get(ctx context.Context, key Key) (Aggregate, error)
	Save(ctx context.Context, agg Aggregate) (Aggregate, error)
	KeysForTimesheet(ctx context.Context, timesheetID int64) ([]Key, error)
	KeysForWeek(ctx context.Context, week time.Time) ([]Key, error)
}

// TimesheetReader lists the timesheets of a week.
type TimesheetReader interface {
	ListForWeek(ctx context.Context, filter timesheet.ListFilter) ([]timesheet.Timesheet, error)
}

// Coordinator maintains project-week aggregates and answers review readiness.
type Coordinator struct {
	repo       RepositoryPort
	timesheets TimesheetReader
	directory  directory.Directory
	locker     lock.Locker
	audit      shared.AuditSink
	observer   ReopenObserver
	logger     *slog.Logger
	now        func() time.Time
}

// ReopenObserver is notified when a completed project-week gains required members.
type ReopenObserver interface {
	ObserveReopen()
}

// WithObserver attaches a reopen observer.
func (c *Coordinator) WithObserver(o ReopenObserver) *Coordinator {
	c.observer = o
	return c
}

// NewCoordinator constructs the coordinator. A nil locker serializes in-process only.
func NewCoordinator(repo RepositoryPort, timesheets TimesheetReader, dir directory.Directory, locker lock.Locker, audit shared.AuditSink, logger *slog.Logger) *Coordinator {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:       repo,
		timesheets: timesheets,
		directory:  dir,
		locker:     locker,
		audit:      audit,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register recomputes every project-week the timesheet touches now or touched before.
func (c *Coordinator) Register(ctx context.Context, ts timesheet.Timesheet) error {
	week := shared.WeekStart(ts.WeekStart)
	keys := map[int64]Key{}
	for _, projectID := range ts.Projects() {
		keys[projectID] = Key{ProjectID: projectID, WeekStart: week}
	}
	if ts.ID != 0 {
		prior, err := c.repo.KeysForTimesheet(ctx, ts.ID)
		if err != nil {
			return err
		}
		for _, k := range prior {
			keys[k.ProjectID] = k
		}
	}
	ids := make([]int64, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := c.refresh(ctx, keys[id], nil); err != nil {
			return fmt.Errorf("projectweek: register timesheet %d project %d: %w", ts.ID, id, err)
		}
	}
	return nil
}

// Get returns the stored aggregate, materializing it on first use.
func (c *Coordinator) Get(ctx context.Context, projectID int64, week time.Time) (Aggregate, error) {
	key := Key{ProjectID: projectID, WeekStart: shared.WeekStart(week)}
	agg, err := c.repo.Get(ctx, key)
	if errors.Is(err, shared.ErrNotFound) {
		res, err := c.refresh(ctx, key, nil)
		return res.Aggregate, err
	}
	return agg, err
}

// CanReview reports whether tier may act on the project-week: the lead needs every
// required member submitted, later tiers need the previous tier complete.
func (c *Coordinator) CanReview(ctx context.Context, tier workflow.Tier, projectID int64, week time.Time) (bool, error) {
	res, err := c.refresh(ctx, Key{ProjectID: projectID, WeekStart: shared.WeekStart(week)}, nil)
	if err != nil {
		return false, err
	}
	return res.Aggregate.CanReview(tier), nil
}

// IsComplete reports whether every required member reached tier's approval.
func (c *Coordinator) IsComplete(ctx context.Context, projectID int64, week time.Time, tier workflow.Tier) (bool, error) {
	res, err := c.refresh(ctx, Key{ProjectID: projectID, WeekStart: shared.WeekStart(week)}, nil)
	if err != nil {
		return false, err
	}
	return res.Aggregate.Complete(tier), nil
}

// SyncEnrollment re-reads required members from the directory.
func (c *Coordinator) SyncEnrollment(ctx context.Context, projectID int64, week time.Time) (SyncResult, error) {
	return c.refresh(ctx, Key{ProjectID: projectID, WeekStart: shared.WeekStart(week)}, nil)
}

// SyncWeek refreshes every known project-week of a week.
func (c *Coordinator) SyncWeek(ctx context.Context, week time.Time) ([]SyncResult, error) {
	keys, err := c.repo.KeysForWeek(ctx, shared.WeekStart(week))
	if err != nil {
		return nil, err
	}
	out := make([]SyncResult, 0, len(keys))
	for _, k := range keys {
		res, err := c.refresh(ctx, k, nil)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// RecordLedger stores the billable computation of one member.
func (c *Coordinator) RecordLedger(ctx context.Context, projectID int64, week time.Time, userID int64, ledger Ledger) error {
	key := Key{ProjectID: projectID, WeekStart: shared.WeekStart(week)}
	var found bool
	_, err := c.refresh(ctx, key, func(agg *Aggregate) {
		for i := range agg.Members {
			if agg.Members[i].UserID == userID {
				agg.Members[i].Worked = ledger.Worked
				agg.Members[i].Adjustment = ledger.Adjustment
				agg.Members[i].Billable = ledger.Billable
				found = true
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("projectweek: user %d not on project %d week %s: %w", userID, projectID, shared.FormatWeek(week), shared.ErrNotFound)
	}
	return nil
}

// refresh recomputes the aggregate under the project-week lock, applies mutate, and saves
// it with an optimistic version check.
func (c *Coordinator) refresh(ctx context.Context, key Key, mutate func(*Aggregate)) (SyncResult, error) {
	release, err := c.locker.Acquire(ctx, shared.ProjectWeekLockKey(key.ProjectID, key.WeekStart))
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		prev, err := c.repo.Get(ctx, key)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			prev = Aggregate{ProjectID: key.ProjectID, WeekStart: key.WeekStart}
		case err != nil:
			return SyncResult{}, err
		}
		res, err := c.compute(ctx, prev)
		if err != nil {
			return SyncResult{}, err
		}
		if mutate != nil {
			mutate(&res.Aggregate)
		}
		res.Aggregate.UpdatedAt = c.now()
		saved, err := c.repo.Save(ctx, res.Aggregate)
		if errors.Is(err, shared.ErrConflict) && attempt < saveAttempts {
			continue
		}
		if err != nil {
			return SyncResult{}, err
		}
		res.Aggregate = saved
		if res.Reopened {
			c.reportReopen(ctx, res)
		}
		return res, nil
	}
}

func (c *Coordinator) compute(ctx context.Context, prev Aggregate) (SyncResult, error) {
	from := prev.WeekStart
	to := shared.WeekEnd(from)
	memberships, err := c.directory.Memberships(ctx, prev.ProjectID, from, to)
	if err != nil {
		return SyncResult{}, err
	}
	required := directory.RequiredMembers(memberships, from, to)
	sheets, err := c.timesheets.ListForWeek(ctx, timesheet.ListFilter{WeekStart: from})
	if err != nil {
		return SyncResult{}, err
	}
	byUser := make(map[int64]timesheet.Timesheet, len(sheets))
	for _, ts := range sheets {
		byUser[ts.UserID] = ts
	}
	previous := make(map[int64]Member, len(prev.Members))
	for _, m := range prev.Members {
		previous[m.UserID] = m
	}

	next := Aggregate{ProjectID: prev.ProjectID, WeekStart: from, Version: prev.Version}
	users := slices.Clone(required)
	for _, ts := range sheets {
		if slices.Contains(ts.Projects(), prev.ProjectID) && !slices.Contains(users, ts.UserID) {
			users = append(users, ts.UserID)
		}
	}
	slices.Sort(users)
	for _, userID := range users {
		m := Member{UserID: userID, Required: slices.Contains(required, userID), Stage: workflow.StatusDraft}
		if ts, ok := byUser[userID]; ok {
			m.TimesheetID = ts.ID
			if stage, ok := ts.ProjectStatus(prev.ProjectID); ok {
				m.Stage = stage
			} else {
				m.Stage = ts.Status
				m.Empty = ts.Status != workflow.StatusDraft
			}
			m.Worked = timeentry.SumHours(ts.Entries, timeentry.BillableIn(prev.ProjectID))
		}
		m.Adjustment = previous[userID].Adjustment
		m.Billable = decimal.Max(decimal.Zero, m.Worked.Add(m.Adjustment))
		next.Members = append(next.Members, m)
	}
	next.recount()

	res := SyncResult{}
	for _, id := range required {
		if old, ok := previous[id]; !ok || !old.Required {
			res.Added = append(res.Added, id)
		}
	}
	for _, old := range prev.Members {
		if old.Required && !slices.Contains(required, old.UserID) {
			res.Removed = append(res.Removed, old.UserID)
		}
	}
	wasComplete := prev.Version > 0 && prev.Required > 0 && prev.SubmissionComplete()
	switch {
	case wasComplete && len(res.Added) > 0 && !next.SubmissionComplete():
		next.Reopened = true
		res.Reopened = true
	case next.SubmissionComplete():
		next.Reopened = false
	default:
		next.Reopened = prev.Reopened
	}
	res.Aggregate = next
	return res, nil
}

func (c *Coordinator) reportReopen(ctx context.Context, res SyncResult) {
	agg := res.Aggregate
	c.logger.Warn("project-week reopened by enrollment growth",
		slog.Int64("project_id", agg.ProjectID),
		slog.String("week", shared.FormatWeek(agg.WeekStart)),
		slog.Any("added", res.Added),
		slog.Int("required", agg.Required))
	if c.observer != nil {
		c.observer.ObserveReopen()
	}
	if c.audit == nil {
		return
	}
	err := c.audit.Record(ctx, shared.AuditLog{
		Action:   "PROJECT_WEEK_REOPENED",
		Entity:   "project_week",
		EntityID: strconv.FormatInt(agg.ProjectID, 10) + ":" + shared.FormatWeek(agg.WeekStart),
		After:    map[string]any{"required": agg.Required, "submitted": agg.Submitted},
		Meta:     map[string]any{"added": res.Added},
		At:       c.now(),
	})
	if err != nil {
		c.logger.Warn("audit project-week reopen", slog.Any("error", err))
	}
}
