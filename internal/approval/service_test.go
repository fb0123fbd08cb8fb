package approval

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

var week = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

var (
	lead       = shared.Actor{ID: 200, Role: string(directory.RoleLead)}
	otherLead  = shared.Actor{ID: 201, Role: string(directory.RoleLead)}
	manager    = shared.Actor{ID: 300, Role: string(directory.RoleManager)}
	management = shared.Actor{ID: 400, Role: string(directory.RoleManagement)}
	employee   = shared.Actor{ID: 1, Role: string(directory.RoleEmployee)}
)

type reviewCounter struct {
	ok, failed int
}

func (r *reviewCounter) ObserveReview(_, _ string, ok bool) {
	if ok {
		r.ok++
	} else {
		r.failed++
	}
}

type fixture struct {
	sheets   *timesheet.Service
	engine   *Engine
	observer *reviewCounter
}

func newFixture(t *testing.T, members ...int64) *fixture {
	t.Helper()
	since := week.AddDate(0, -1, 0)
	dir := directory.NewStatic().
		AddProject(directory.Project{ID: 1, ClientID: 9}).
		AddProject(directory.Project{ID: 2, ClientID: 9}).
		AddUser(directory.User{ID: lead.ID, Role: directory.RoleLead}).
		AddUser(directory.User{ID: otherLead.ID, Role: directory.RoleLead}).
		AddUser(directory.User{ID: manager.ID, Role: directory.RoleManager}).
		AddUser(directory.User{ID: management.ID, Role: directory.RoleManagement}).
		Enrol(1, lead.ID, directory.MemberLead, since).
		Enrol(2, otherLead.ID, directory.MemberLead, since).
		Enrol(1, manager.ID, directory.MemberManager, since)
	for _, id := range members {
		dir.AddUser(directory.User{ID: id, Role: directory.RoleEmployee}).
			Enrol(1, id, directory.MemberEmployee, since)
	}
	dir.AddTask(directory.Task{ID: 7, ProjectID: 1}, members...)
	dir.AddTask(directory.Task{ID: 8, ProjectID: 2}, members...)

	repo := timesheet.NewMemoryRepository()
	coordinator := projectweek.NewCoordinator(projectweek.NewMemoryRepository(), repo, dir, nil, nil, nil)
	sheets := timesheet.NewService(repo, dir, coordinator, nil, nil, timesheet.DefaultRules(), nil)
	observer := &reviewCounter{}
	engine := NewEngine(sheets, coordinator, dir, DefaultPermissions(), nil, observer, nil)
	return &fixture{sheets: sheets, engine: engine, observer: observer}
}

func (f *fixture) submit(t *testing.T, userID int64, extra ...timeentry.Input) timesheet.Timesheet {
	t.Helper()
	ctx := context.Background()
	ts, err := f.sheets.Create(ctx, userID, week)
	require.NoError(t, err)
	for day := 0; day < 5; day++ {
		_, _, err := f.sheets.AddEntry(ctx, userID, ts.ID, timeentry.Input{
			ProjectID: 1,
			Date:      week.AddDate(0, 0, day),
			Hours:     decimal.NewFromInt(8),
			Billable:  true,
			Kind:      timeentry.ProjectTask{TaskID: 7},
		})
		require.NoError(t, err)
	}
	for _, in := range extra {
		_, _, err := f.sheets.AddEntry(ctx, userID, ts.ID, in)
		require.NoError(t, err)
	}
	ts, err = f.sheets.Submit(ctx, userID, ts.ID)
	require.NoError(t, err)
	return ts
}

func TestPermissionTable(t *testing.T) {
	p := DefaultPermissions()
	require.True(t, p.Allowed(directory.RoleLead, workflow.TierLead, ActionApprove))
	require.True(t, p.Allowed(directory.RoleManagement, workflow.TierManagement, ActionReject))
	require.False(t, p.Allowed(directory.RoleLead, workflow.TierManager, ActionApprove))
	require.False(t, p.Allowed(directory.RoleEmployee, workflow.TierLead, ActionApprove))
}

func TestBulkApprovalWaitsForAllSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 2, 3)
	f.submit(t, 1)
	f.submit(t, 2)

	_, err := f.engine.ApproveProjectWeek(ctx, lead, 1, week)
	require.ErrorIs(t, err, shared.ErrPrecondition)

	f.submit(t, 3)
	results, err := f.engine.ApproveProjectWeek(ctx, lead, 1, week)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.OK, r.Message)
		require.Equal(t, workflow.StatusLeadApproved, r.Status)
	}

	_, err = f.engine.ApproveProjectWeek(ctx, management, 1, week)
	require.ErrorIs(t, err, shared.ErrPrecondition)

	results, err = f.engine.ApproveProjectWeek(ctx, manager, 1, week)
	require.NoError(t, err)
	require.Len(t, results, 3)

	results, err = f.engine.ApproveProjectWeek(ctx, management, 1, week)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, workflow.StatusFrozen, r.Status)
	}
	require.Equal(t, 9, f.observer.ok)
}

func TestRoleAndAssignmentAreEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	ts := f.submit(t, 1)

	_, err := f.engine.ApproveEmployee(ctx, employee, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	_, err = f.engine.ApproveEmployee(ctx, otherLead, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	_, err = f.engine.ApproveProjectWeek(ctx, otherLead, 1, week)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	_, err = f.engine.ApproveEmployee(ctx, shared.Actor{}, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	_, err = f.engine.ApproveEmployee(ctx, manager, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrPrecondition)

	got, err := f.engine.ApproveEmployee(ctx, lead, ts.ID, 0)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusLeadApproved, got.Status)
}

func TestSingleReviewIsGatedByProjectWeek(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 2)
	ts := f.submit(t, 1)

	_, err := f.engine.ApproveEmployee(ctx, lead, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrPrecondition)

	second := f.submit(t, 2)
	_, err = f.engine.RejectEmployee(ctx, lead, ts.ID, 1, " ")
	require.ErrorIs(t, err, shared.ErrValidation)

	got, err := f.engine.RejectEmployee(ctx, lead, ts.ID, 1, "hours look high")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusLeadRejected, got.Status)

	_, err = f.engine.ApproveEmployee(ctx, lead, ts.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.engine.ApproveEmployee(ctx, lead, ts.ID, 2)
	require.ErrorIs(t, err, shared.ErrNotFound)

	untouched, err := f.sheets.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSubmitted, untouched.Status)
	for _, e := range untouched.LiveEntries() {
		require.Equal(t, workflow.StatusSubmitted, e.Status)
	}

	entry := got.LiveEntries()[0]
	require.Equal(t, workflow.StatusLeadRejected, entry.Status)
	updated, _, err := f.sheets.UpdateEntry(ctx, employee.ID, ts.ID, entry.ID, timeentry.Input{
		ProjectID: 1,
		Date:      entry.Date,
		Hours:     decimal.NewFromInt(6),
		Billable:  true,
		Kind:      timeentry.ProjectTask{TaskID: 7},
	})
	require.NoError(t, err)
	require.True(t, updated.Hours.Equal(decimal.NewFromInt(6)))

	resubmitted, err := f.sheets.Submit(ctx, employee.ID, ts.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSubmitted, resubmitted.Status)

	got, err = f.engine.ApproveEmployee(ctx, lead, ts.ID, 1)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusLeadApproved, got.Status)
}

func TestBulkRejectLeavesApprovedAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 2)
	first := f.submit(t, 1)
	f.submit(t, 2)

	_, err := f.engine.ApproveEmployee(ctx, lead, first.ID, 1)
	require.NoError(t, err)

	_, err = f.engine.RejectProjectWeek(ctx, lead, 1, week, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	results, err := f.engine.RejectProjectWeek(ctx, lead, 1, week, "missing ticket numbers")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(2), results[0].UserID)
	require.Equal(t, workflow.StatusLeadRejected, results[0].Status)

	still, err := f.sheets.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusLeadApproved, still.Status)
}

func TestBulkItemsFailIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 2)
	blocked := f.submit(t, 1, timeentry.Input{
		ProjectID: 2,
		Date:      week.AddDate(0, 0, 1),
		Hours:     decimal.NewFromInt(1),
		Billable:  true,
		Kind:      timeentry.ProjectTask{TaskID: 8},
	})
	f.submit(t, 2)

	_, err := f.engine.ApproveProjectWeek(ctx, lead, 1, week)
	require.NoError(t, err)

	results, err := f.engine.ApproveProjectWeek(ctx, manager, 1, week)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byUser := map[int64]ItemResult{}
	for _, r := range results {
		byUser[r.UserID] = r
	}
	require.False(t, byUser[1].OK)
	require.Equal(t, shared.KindInvalidState, byUser[1].ErrorKind)
	require.Equal(t, blocked.ID, byUser[1].TimesheetID)
	require.True(t, byUser[2].OK)
	require.Equal(t, workflow.StatusManagerApproved, byUser[2].Status)
	require.Equal(t, 1, f.observer.failed)
}
