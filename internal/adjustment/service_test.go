package adjustment

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
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

const owner int64 = 1

var (
	projectManager = shared.Actor{ID: 300}
	otherManager   = shared.Actor{ID: 301}
	management     = shared.Actor{ID: 400}
	employee       = shared.Actor{ID: owner}
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type ledgerCall struct {
	projectID int64
	ledger    projectweek.Ledger
}

type recordingLedger struct {
	calls []ledgerCall
}

func (l *recordingLedger) RecordLedger(_ context.Context, projectID int64, _ time.Time, _ int64, ledger projectweek.Ledger) error {
	l.calls = append(l.calls, ledgerCall{projectID: projectID, ledger: ledger})
	return nil
}

type fixture struct {
	sheets *timesheet.Service
	engine *Engine
	ledger *recordingLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	since := week.AddDate(0, -1, 0)
	dir := directory.NewStatic().
		AddUser(directory.User{ID: owner, Role: directory.RoleEmployee}).
		AddUser(directory.User{ID: 200, Role: directory.RoleLead}).
		AddUser(directory.User{ID: projectManager.ID, Role: directory.RoleManager}).
		AddUser(directory.User{ID: otherManager.ID, Role: directory.RoleManager}).
		AddUser(directory.User{ID: management.ID, Role: directory.RoleManagement}).
		AddProject(directory.Project{ID: 1, ClientID: 9}).
		AddProject(directory.Project{ID: 2, ClientID: 9}).
		AddTask(directory.Task{ID: 7, ProjectID: 1}, owner).
		AddTask(directory.Task{ID: 8, ProjectID: 2}, owner).
		Enrol(1, owner, directory.MemberEmployee, since).
		Enrol(1, 200, directory.MemberLead, since).
		Enrol(1, projectManager.ID, directory.MemberManager, since).
		Enrol(2, otherManager.ID, directory.MemberManager, since)
	rules := timesheet.DefaultRules()
	rules.MaxWeeklyHours = decimal.NewFromInt(80)
	repo := timesheet.NewMemoryRepository()
	sheets := timesheet.NewService(repo, dir, nil, nil, nil, rules, nil)
	ledger := &recordingLedger{}
	engine := NewEngine(NewMemoryRepository(), sheets, dir, ledger, nil, nil)
	return &fixture{sheets: sheets, engine: engine, ledger: ledger}
}

func (f *fixture) log(t *testing.T, timesheetID int64, day int, hours string, projectID, taskID int64) {
	t.Helper()
	_, _, err := f.sheets.AddEntry(context.Background(), owner, timesheetID, timeentry.Input{
		ProjectID: projectID,
		Date:      week.AddDate(0, 0, day),
		Hours:     dec(hours),
		Billable:  true,
		Kind:      timeentry.ProjectTask{TaskID: taskID},
	})
	require.NoError(t, err)
}

func TestAdjustmentSurvivesLaterHours(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	for day := 0; day < 5; day++ {
		f.log(t, ts.ID, day, "8", 1, 7)
	}

	adj, err := f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-5")})
	require.NoError(t, err)
	require.True(t, adj.TotalWorkedHours.Equal(dec("40")))
	require.True(t, adj.TotalBillableHours.Equal(dec("35")))

	f.log(t, ts.ID, 5, "10", 1, 7)
	f.log(t, ts.ID, 6, "10", 1, 7)

	c, err := f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	require.True(t, c.Worked.Equal(dec("60")))
	require.True(t, c.Adjustment.Equal(dec("-5")))
	require.True(t, c.Billable.Equal(dec("55")))

	stored, err := f.engine.List(ctx, ts.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].AdjustmentHours.Equal(dec("-5")))
	require.True(t, stored[0].TotalWorkedHours.Equal(dec("40")))
}

func TestSetReplacesAdjustmentForSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	f.log(t, ts.ID, 0, "8", 1, 7)

	first, err := f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-1")})
	require.NoError(t, err)
	second, err := f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("2")})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	c, err := f.engine.Compute(ctx, ts.ID, 0)
	require.NoError(t, err)
	require.True(t, c.Billable.Equal(dec("10")))
	require.NotEmpty(t, f.ledger.calls)
	last := f.ledger.calls[len(f.ledger.calls)-1]
	require.Equal(t, int64(1), last.projectID)
	require.True(t, last.ledger.Billable.Equal(dec("10")))
}

func TestProjectAndTimesheetScopesCombine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	for day := 0; day < 3; day++ {
		f.log(t, ts.ID, day, "10", 1, 7)
	}
	f.log(t, ts.ID, 3, "10", 2, 8)

	_, err = f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-2")})
	require.NoError(t, err)
	_, err = f.engine.Set(ctx, management, Input{Scope: ScopeTimesheet, TimesheetID: ts.ID, AdjustmentHours: dec("4")})
	require.NoError(t, err)

	p1, err := f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	p2, err := f.engine.Compute(ctx, ts.ID, 2)
	require.NoError(t, err)
	whole, err := f.engine.Compute(ctx, ts.ID, 0)
	require.NoError(t, err)

	require.True(t, p1.Billable.Equal(dec("31")), p1.Billable.String())
	require.True(t, p2.Billable.Equal(dec("11")), p2.Billable.String())
	require.True(t, whole.Billable.Equal(dec("42")))
	require.True(t, p1.Billable.Add(p2.Billable).Equal(whole.Billable))
}

func TestSetTargetAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	for day := 0; day < 5; day++ {
		f.log(t, ts.ID, day, "8", 1, 7)
	}

	_, err = f.engine.SetTarget(ctx, projectManager, ts.ID, 1, dec("-1"), "")
	require.ErrorIs(t, err, shared.ErrValidation)

	adj, err := f.engine.SetTarget(ctx, projectManager, ts.ID, 1, dec("30"), "cap agreed with client")
	require.NoError(t, err)
	require.True(t, adj.AdjustmentHours.Equal(dec("-10")))

	c, err := f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	require.True(t, c.Billable.Equal(dec("30")))

	require.ErrorIs(t, f.engine.Remove(ctx, otherManager, adj.ID), shared.ErrAuthorization)
	require.NoError(t, f.engine.Remove(ctx, projectManager, adj.ID))
	require.ErrorIs(t, f.engine.Remove(ctx, projectManager, adj.ID), shared.ErrNotFound)

	c, err = f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	require.True(t, c.Billable.Equal(dec("40")))
}

func TestNegativeAdjustmentFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	f.log(t, ts.ID, 0, "4", 1, 7)

	_, err = f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-10")})
	require.NoError(t, err)
	c, err := f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	require.True(t, c.Billable.IsZero())
}

func TestAuthorizationAndLockedTimesheets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	for day := 0; day < 5; day++ {
		f.log(t, ts.ID, day, "8", 1, 7)
	}
	in := Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("1")}

	for _, actor := range []shared.Actor{employee, {ID: 200}, otherManager, management} {
		_, err := f.engine.Set(ctx, actor, in)
		require.ErrorIs(t, err, shared.ErrAuthorization, "actor %d", actor.ID)
	}
	_, err = f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 2, AdjustmentHours: dec("1")})
	require.ErrorIs(t, err, shared.ErrAuthorization)
	_, err = f.engine.Set(ctx, projectManager, Input{Scope: "client", TimesheetID: ts.ID})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.engine.Set(ctx, projectManager, Input{Scope: ScopeTimesheet, TimesheetID: ts.ID, AdjustmentHours: dec("1")})
	require.NoError(t, err)

	_, err = f.sheets.Submit(ctx, owner, ts.ID)
	require.NoError(t, err)
	for _, step := range []struct {
		tier  workflow.Tier
		actor int64
	}{{workflow.TierLead, 200}, {workflow.TierManager, projectManager.ID}, {workflow.TierManagement, management.ID}} {
		_, err := f.sheets.ApplyReview(ctx, timesheet.ReviewInput{
			TimesheetID: ts.ID, ProjectIDs: []int64{1}, Tier: step.tier,
			Decision: timesheet.DecisionApprove, ActorID: step.actor,
		})
		require.NoError(t, err)
	}
	_, err = f.engine.Set(ctx, projectManager, in)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestDistributeSumsToTotal(t *testing.T) {
	entries := []timeentry.Entry{
		{ID: 1, ProjectID: 1, Hours: dec("1"), Billable: true},
		{ID: 2, ProjectID: 1, Hours: dec("1"), Billable: true},
		{ID: 3, ProjectID: 1, Hours: dec("1"), Billable: true},
		{ID: 4, ProjectID: 1, Hours: dec("5"), Billable: false},
	}
	shares := Distribute(entries, dec("1"))
	require.Len(t, shares, 3)
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s.Adjustment)
	}
	require.True(t, sum.Equal(dec("1")))
	require.True(t, shares[0].Adjustment.Equal(dec("0.3333")))
	require.True(t, shares[2].Adjustment.Equal(dec("0.3334")))

	shares = Distribute(entries[:2], dec("-10"))
	for _, s := range shares {
		require.True(t, s.Billable.IsZero())
	}
	require.Nil(t, Distribute(nil, dec("3")))
}

func TestDistributeIsProportional(t *testing.T) {
	entries := []timeentry.Entry{
		{ID: 1, ProjectID: 1, Hours: dec("6"), Billable: true},
		{ID: 2, ProjectID: 1, Hours: dec("2"), Billable: true},
	}
	shares := Distribute(entries, dec("-4"))
	require.True(t, shares[0].Adjustment.Equal(dec("-3")))
	require.True(t, shares[1].Adjustment.Equal(dec("-1")))
	require.True(t, shares[0].Billable.Add(shares[1].Billable).Equal(dec("4")))
}

func TestSetTargetKeepsOtherScopesInForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	for day := 0; day < 5; day++ {
		f.log(t, ts.ID, day, "8", 1, 7)
	}

	_, err = f.engine.Set(ctx, management, Input{Scope: ScopeTimesheet, TimesheetID: ts.ID, AdjustmentHours: dec("-4")})
	require.NoError(t, err)
	adj, err := f.engine.SetTarget(ctx, projectManager, ts.ID, 1, dec("30"), "")
	require.NoError(t, err)
	require.True(t, adj.AdjustmentHours.Equal(dec("-6")), adj.AdjustmentHours.String())
	c, err := f.engine.Compute(ctx, ts.ID, 1)
	require.NoError(t, err)
	require.True(t, c.Billable.Equal(dec("30")), c.Billable.String())

	adj, err = f.engine.SetTarget(ctx, management, ts.ID, 0, dec("25"), "")
	require.NoError(t, err)
	require.Equal(t, ScopeTimesheet, adj.Scope)
	require.True(t, adj.AdjustmentHours.Equal(dec("-9")), adj.AdjustmentHours.String())
	c, err = f.engine.Compute(ctx, ts.ID, 0)
	require.NoError(t, err)
	require.True(t, c.Billable.Equal(dec("25")), c.Billable.String())

	stored, err := f.engine.List(ctx, ts.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestTimesheetBillableIsSumOfFlooredProjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	f.log(t, ts.ID, 0, "10", 1, 7)
	f.log(t, ts.ID, 1, "10", 2, 8)

	_, err = f.engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-20")})
	require.NoError(t, err)

	billed := func() (p1, p2, whole decimal.Decimal) {
		t.Helper()
		a, err := f.engine.Compute(ctx, ts.ID, 1)
		require.NoError(t, err)
		b, err := f.engine.Compute(ctx, ts.ID, 2)
		require.NoError(t, err)
		c, err := f.engine.Compute(ctx, ts.ID, 0)
		require.NoError(t, err)
		require.True(t, c.Billable.Equal(c.Worked.Add(c.Adjustment)))
		return a.Billable, b.Billable, c.Billable
	}

	p1, p2, whole := billed()
	require.True(t, p1.IsZero())
	require.True(t, p2.Equal(dec("10")))
	require.True(t, whole.Equal(dec("10")), whole.String())

	sheet, err := f.sheets.Get(ctx, ts.ID)
	require.NoError(t, err)
	adjustments, err := f.engine.List(ctx, ts.ID)
	require.NoError(t, err)
	distributed := decimal.Zero
	for _, p := range []int64{1, 2} {
		for _, sh := range DistributeFor(sheet, adjustments, p) {
			distributed = distributed.Add(sh.Billable)
		}
	}
	require.True(t, distributed.Equal(whole))

	adj, err := f.engine.SetTarget(ctx, management, ts.ID, 0, dec("15"), "")
	require.NoError(t, err)
	require.True(t, adj.AdjustmentHours.Equal(dec("10")), adj.AdjustmentHours.String())
	p1, p2, whole = billed()
	require.True(t, p1.IsZero())
	require.True(t, p2.Equal(dec("15")), p2.String())
	require.True(t, whole.Equal(dec("15")), whole.String())
}

type brokenAudit struct{}

func (brokenAudit) Record(context.Context, shared.AuditLog) error {
	return errors.New("audit store down")
}

func TestAuditFailureDoesNotBlockSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	engine := NewEngine(NewMemoryRepository(), f.sheets, f.engine.directory, nil, brokenAudit{}, logger)
	ts, err := f.sheets.Create(ctx, owner, week)
	require.NoError(t, err)
	f.log(t, ts.ID, 0, "8", 1, 7)

	_, err = engine.Set(ctx, projectManager, Input{Scope: ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-1")})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "audit adjustment")
	require.Contains(t, buf.String(), "ADJUSTMENT_SET")
}
