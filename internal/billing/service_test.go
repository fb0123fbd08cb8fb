package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

var week = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

var (
	manager    = shared.Actor{ID: 300}
	management = shared.Actor{ID: 400}
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %s got %s", want, got)
}

type countingObserver struct{ builds map[string]int }

func (o *countingObserver) ObserveViewBuild(view string) { o.builds[view]++ }

type fixture struct {
	sheets      *timesheet.Service
	adjustments *adjustment.Engine
	rates       *rates.Engine
	repo        *MemoryRepository
	service     *Service
	observer    *countingObserver
}

type options struct {
	cache  *cache.Versioned
	claims shared.KeyClaimer
	cfg    Config
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	ctx := context.Background()
	since := week.AddDate(-1, 0, 0)
	dir := directory.NewStatic().
		AddUser(directory.User{ID: 1, Role: directory.RoleEmployee}).
		AddUser(directory.User{ID: 2, Role: directory.RoleEmployee}).
		AddUser(directory.User{ID: 200, Role: directory.RoleLead}).
		AddUser(directory.User{ID: manager.ID, Role: directory.RoleManager}).
		AddUser(directory.User{ID: management.ID, Role: directory.RoleManagement}).
		AddProject(directory.Project{ID: 1, ClientID: 9}).
		AddProject(directory.Project{ID: 2, ClientID: 9}).
		AddTask(directory.Task{ID: 7, ProjectID: 1, Name: "Backend"}, 1, 2).
		Enrol(1, 1, directory.MemberEmployee, since).
		Enrol(1, 2, directory.MemberEmployee, since).
		Enrol(1, manager.ID, directory.MemberManager, since)

	sheets := timesheet.NewService(timesheet.NewMemoryRepository(), dir, nil, nil, nil, timesheet.DefaultRules(), nil)
	adjustments := adjustment.NewEngine(adjustment.NewMemoryRepository(), sheets, dir, nil, nil, nil)
	rateEngine := rates.NewEngine(rates.NewMemoryRepository(), dir, nil, nil, nil, nil)
	_, _, err := rateEngine.EnsureGlobalDefault(ctx, dec("100"))
	require.NoError(t, err)
	_, err = rateEngine.CreateRule(ctx, management, rates.RuleInput{
		Scope: rates.ScopeProject, ScopeKey: "1", HourlyRate: dec("120"), EffectiveFrom: since,
	})
	require.NoError(t, err)

	repo := NewMemoryRepository()
	observer := &countingObserver{builds: map[string]int{}}
	svc := NewService(Deps{
		Repo:        repo,
		Timesheets:  sheets,
		Adjustments: adjustments,
		Rates:       rateEngine,
		Directory:   dir,
		Claims:      opts.claims,
		Cache:       opts.cache,
		Observer:    observer,
	}, opts.cfg)
	return &fixture{sheets: sheets, adjustments: adjustments, rates: rateEngine, repo: repo, service: svc, observer: observer}
}

func (f *fixture) timesheet(t *testing.T, userID int64, entries ...timeentry.Input) timesheet.Timesheet {
	t.Helper()
	ctx := context.Background()
	ts, err := f.sheets.Create(ctx, userID, week)
	require.NoError(t, err)
	for _, in := range entries {
		_, _, err := f.sheets.AddEntry(ctx, userID, ts.ID, in)
		require.NoError(t, err)
	}
	return ts
}

func (f *fixture) freeze(t *testing.T, ts timesheet.Timesheet) {
	t.Helper()
	ctx := context.Background()
	_, err := f.sheets.Submit(ctx, ts.UserID, ts.ID)
	require.NoError(t, err)
	current, err := f.sheets.Get(ctx, ts.ID)
	require.NoError(t, err)
	for _, tier := range workflow.Tiers {
		_, err := f.sheets.ApplyReview(ctx, timesheet.ReviewInput{
			TimesheetID: ts.ID, ProjectIDs: current.Projects(), Tier: tier,
			Decision: timesheet.DecisionApprove, ActorID: management.ID,
		})
		require.NoError(t, err)
	}
}

func backend(day int, hours string) timeentry.Input {
	return timeentry.Input{
		ProjectID: 1,
		Date:      week.AddDate(0, 0, day),
		Hours:     dec(hours),
		Billable:  true,
		Kind:      timeentry.ProjectTask{TaskID: 7},
	}
}

func support(day int, hours string) timeentry.Input {
	return timeentry.Input{
		ProjectID: 2,
		Date:      week.AddDate(0, 0, day),
		Hours:     dec(hours),
		Billable:  true,
		Kind:      timeentry.CustomTask{Description: "Support call", BillableOverride: true},
	}
}

func fullWeek(t *testing.T, f *fixture, userID int64) timesheet.Timesheet {
	t.Helper()
	var in []timeentry.Input
	for day := 0; day < 5; day++ {
		in = append(in, backend(day, "8"))
	}
	return f.timesheet(t, userID, in...)
}

func TestSnapshotPricesApprovedWeek(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, options{})
	ts := fullWeek(t, f, 1)

	_, err := f.service.CreateSnapshot(ctx, manager, ts.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	f.freeze(t, ts)
	_, err = f.service.MarkBilled(ctx, manager, ts.ID)
	require.ErrorIs(t, err, shared.ErrPrecondition)
	_, err = f.service.CreateSnapshot(ctx, shared.Actor{ID: 1}, ts.ID)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	snap, err := f.service.CreateSnapshot(ctx, manager, ts.ID)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 5)
	requireDec(t, "40", snap.TotalBillable)
	requireDec(t, "4800", snap.TotalAmount)
	for _, l := range snap.Lines {
		require.Equal(t, "Backend", l.TaskLabel)
		require.Equal(t, rates.ScopeProject, l.RateScope)
		require.Equal(t, rates.MultiplierBase, l.MultiplierKind)
	}

	stored, err := f.sheets.Get(ctx, ts.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ID, *stored.SnapshotID)

	_, err = f.service.MarkBilled(ctx, shared.Actor{ID: 1}, ts.ID)
	require.ErrorIs(t, err, shared.ErrAuthorization)
	billed, err := f.service.MarkBilled(ctx, management, ts.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusBilled, billed.Status)
	_, err = f.service.CreateSnapshot(ctx, manager, ts.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestSnapshotAppliesAdjustmentAndSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, options{})
	ts := fullWeek(t, f, 1)
	_, err := f.adjustments.Set(ctx, manager, adjustment.Input{
		Scope: adjustment.ScopeProject, TimesheetID: ts.ID, ProjectID: 1, AdjustmentHours: dec("-5"),
	})
	require.NoError(t, err)
	f.freeze(t, ts)

	first, err := f.service.CreateSnapshot(ctx, manager, ts.ID)
	require.NoError(t, err)
	requireDec(t, "40", first.TotalWorked)
	requireDec(t, "35", first.TotalBillable)
	requireDec(t, "4200", first.TotalAmount)
	for _, l := range first.Lines {
		requireDec(t, "7", l.BillableHours)
	}

	second, err := f.service.CreateSnapshot(ctx, shared.Actor{}, ts.ID)
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	requireDec(t, first.TotalAmount.String(), second.TotalAmount)

	all := f.repo.All()
	require.Len(t, all, 2)
	require.NotNil(t, all[0].SupersededBy)
	require.Equal(t, second.ID, *all[0].SupersededBy)

	view, err := f.service.ProjectView(ctx, Filter{From: week, To: week})
	require.NoError(t, err)
	requireDec(t, "4200", view.Totals.Amount)
}

func TestViewsFoldByProjectTaskAndUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, options{})
	first := fullWeek(t, f, 1)
	second := f.timesheet(t, 2, backend(0, "8"), backend(1, "8"), backend(2, "8"), backend(3, "8"), support(4, "8"))
	for _, ts := range []timesheet.Timesheet{first, second} {
		f.freeze(t, ts)
		_, err := f.service.CreateSnapshot(ctx, management, ts.ID)
		require.NoError(t, err)
	}
	filter := Filter{From: week.AddDate(0, 0, 3), To: week, PerWeek: true}

	projects, err := f.service.ProjectView(ctx, filter)
	require.NoError(t, err)
	requireDec(t, "80", projects.Totals.Billable)
	requireDec(t, "9440", projects.Totals.Amount)
	require.Len(t, projects.Projects, 2)
	p1 := projects.Projects[0]
	require.Equal(t, int64(1), p1.ProjectID)
	requireDec(t, "8640", p1.Amount)
	require.Len(t, p1.Users, 2)
	require.Equal(t, int64(1), p1.Users[0].UserID)
	requireDec(t, "4800", p1.Users[0].Amount)
	requireDec(t, "3840", p1.Users[1].Amount)
	require.Len(t, p1.Users[0].Weeks, 1)
	require.True(t, p1.Users[0].Weeks[0].WeekStart.Equal(week))
	requireDec(t, "800", projects.Projects[1].Amount)

	tasks, err := f.service.TaskView(ctx, filter)
	require.NoError(t, err)
	require.Equal(t, "Backend", tasks.Projects[0].Tasks[0].Label)
	requireDec(t, "72", tasks.Projects[0].Tasks[0].Billable)
	require.Equal(t, "Support call", tasks.Projects[1].Tasks[0].Label)

	users, err := f.service.UserView(ctx, filter)
	require.NoError(t, err)
	require.Len(t, users.Users, 2)
	requireDec(t, "4640", users.Users[1].Amount)
	require.Len(t, users.Users[1].Projects, 2)
	requireDec(t, "800", users.Users[1].Projects[1].Tasks[0].Amount)

	only, err := f.service.UserView(ctx, Filter{From: week, To: week, ProjectID: 2})
	require.NoError(t, err)
	require.Len(t, only.Users, 1)
	requireDec(t, "800", only.Totals.Amount)

	mine, err := f.service.ProjectView(ctx, Filter{From: week, To: week, UserID: 1})
	require.NoError(t, err)
	requireDec(t, "4800", mine.Totals.Amount)

	_, err = f.service.TaskView(ctx, Filter{From: week})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.service.TaskView(ctx, Filter{From: week, To: week.AddDate(0, 0, -7)})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFoldIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, options{})
	first := fullWeek(t, f, 1)
	second := f.timesheet(t, 2, backend(0, "8"), backend(1, "8"), backend(2, "8"), backend(3, "8"), support(4, "8"))
	for _, ts := range []timesheet.Timesheet{first, second} {
		f.freeze(t, ts)
		_, err := f.service.CreateSnapshot(ctx, management, ts.ID)
		require.NoError(t, err)
	}
	snaps := f.repo.All()
	reversed := []Snapshot{snaps[1], snaps[0]}
	filter := Filter{From: week, To: week}
	requireSameJSON(t, FoldUsers(snaps, filter), FoldUsers(reversed, filter))
	requireSameJSON(t, FoldTasks(snaps, filter), FoldTasks(reversed, filter))
	requireSameJSON(t, FoldProjects(snaps, filter), FoldProjects(reversed, filter))
}

func requireSameJSON(t *testing.T, want, got any) {
	t.Helper()
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
}

func TestAmountsRoundOnlyAtTotals(t *testing.T) {
	line := Line{ProjectID: 1, TaskLabel: "x", WorkedHours: dec("1"), BillableHours: dec("1"), Amount: dec("0.333")}
	snaps := []Snapshot{{UserID: 1, WeekStart: week, Lines: []Line{line, line, line}}}
	view := FoldTasks(snaps, Filter{From: week, To: week})
	requireDec(t, "1", view.Totals.Amount)
	requireDec(t, "1", view.Projects[0].Tasks[0].Amount)
}

func TestOvertimeEntriesUseOvertimeMultiplier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, options{cfg: Config{OvertimeDailyHours: dec("8")}})
	ts := f.timesheet(t, 1, backend(0, "8"), backend(0, "2"), backend(1, "8"), backend(2, "8"), backend(3, "8"), backend(4, "8"))
	f.freeze(t, ts)

	snap, err := f.service.CreateSnapshot(ctx, manager, ts.ID)
	require.NoError(t, err)
	requireDec(t, "5160", snap.TotalAmount)
	overtime := 0
	for _, l := range snap.Lines {
		if l.MultiplierKind == rates.MultiplierOvertime {
			overtime++
			requireDec(t, "2", l.BillableHours)
			requireDec(t, "180", l.EffectiveRate)
		}
	}
	require.Equal(t, 1, overtime)
}

func TestViewCacheRebuildsAfterSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	f := newFixture(t, options{cache: cache.NewVersioned(client, "billing", time.Minute)})
	first := fullWeek(t, f, 1)
	f.freeze(t, first)
	_, err := f.service.CreateSnapshot(ctx, management, first.ID)
	require.NoError(t, err)

	filter := Filter{From: week, To: week}
	view, err := f.service.ProjectView(ctx, filter)
	require.NoError(t, err)
	requireDec(t, "4800", view.Totals.Amount)
	_, err = f.service.ProjectView(ctx, filter)
	require.NoError(t, err)
	require.Equal(t, 1, f.observer.builds["projects"])

	second := f.timesheet(t, 2, backend(0, "8"), backend(1, "8"), backend(2, "8"), backend(3, "8"), support(4, "8"))
	f.freeze(t, second)
	_, err = f.service.CreateSnapshot(ctx, management, second.ID)
	require.NoError(t, err)

	view, err = f.service.ProjectView(ctx, filter)
	require.NoError(t, err)
	require.Equal(t, 2, f.observer.builds["projects"])
	requireDec(t, "9440", view.Totals.Amount)
}

type memoryClaims struct {
	keys map[string]bool
	fail error
}

func (c *memoryClaims) CheckAndInsert(_ context.Context, key, _ string) error {
	if c.fail != nil {
		return c.fail
	}
	if c.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	c.keys[key] = true
	return nil
}

func (c *memoryClaims) Delete(_ context.Context, key string) error {
	delete(c.keys, key)
	return nil
}

func TestMaterializePendingClaimsOnce(t *testing.T) {
	ctx := context.Background()
	claims := &memoryClaims{keys: map[string]bool{}}
	f := newFixture(t, options{claims: claims})
	ts := fullWeek(t, f, 1)
	f.freeze(t, ts)
	frozen, err := f.sheets.Get(ctx, ts.ID)
	require.NoError(t, err)

	claims.keys[shared.SnapshotKey(frozen.ID, frozen.Version)] = true
	created, err := f.service.MaterializePending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, created)

	delete(claims.keys, shared.SnapshotKey(frozen.ID, frozen.Version))
	created, err = f.service.MaterializePending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	created, err = f.service.MaterializePending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, created)

	claims.fail = errors.New("db down")
	other := fullWeek(t, f, 2)
	f.freeze(t, other)
	_, err = f.service.MaterializePending(ctx, 10)
	require.Error(t, err)
}
