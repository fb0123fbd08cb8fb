// Package billing materializes frozen timesheets into immutable snapshots and folds
// them into project, task and user billing views.
package billing

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
)

// moneyPlaces is applied to amounts only when a total is reported.
const moneyPlaces = 2

// Snapshot is the immutable billable computation of one frozen timesheet.
type Snapshot struct {
	ID               uuid.UUID       `json:"id"`
	TimesheetID      int64           `json:"timesheet_id"`
	UserID           int64           `json:"user_id"`
	WeekStart        time.Time       `json:"week_start"`
	TimesheetVersion int64           `json:"timesheet_version"`
	Version          int             `json:"version"`
	TotalWorked      decimal.Decimal `json:"total_worked_hours"`
	TotalBillable    decimal.Decimal `json:"total_billable_hours"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	SupersededBy     *uuid.UUID      `json:"superseded_by,omitempty"`
	CreatedBy        int64           `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	Lines            []Line          `json:"lines"`
}

// Line prices one billable entry.
type Line struct {
	EntryID        int64                `json:"entry_id"`
	ProjectID      int64                `json:"project_id"`
	TaskID         int64                `json:"task_id,omitempty"`
	TaskLabel      string               `json:"task_label"`
	Date           time.Time            `json:"date"`
	WorkedHours    decimal.Decimal      `json:"worked_hours"`
	BillableHours  decimal.Decimal      `json:"billable_hours"`
	RateRuleID     int64                `json:"rate_rule_id"`
	RateScope      rates.Scope          `json:"rate_scope"`
	MultiplierKind rates.MultiplierKind `json:"multiplier_kind"`
	Multiplier     decimal.Decimal      `json:"multiplier"`
	EffectiveRate  decimal.Decimal      `json:"effective_rate"`
	Amount         decimal.Decimal      `json:"amount"`
}

// total recomputes the snapshot totals from its lines.
func (s *Snapshot) total() {
	var t accumulator
	for _, l := range s.Lines {
		t.add(l)
	}
	totals := t.totals()
	s.TotalWorked, s.TotalBillable, s.TotalAmount = totals.Worked, totals.Billable, totals.Amount
}

// Filter selects the snapshots a view folds.
type Filter struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	ProjectID int64     `json:"project_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	PerWeek   bool      `json:"per_week,omitempty"`
}

// Normalize snaps the range to week starts.
func (f Filter) Normalize() (Filter, error) {
	if f.From.IsZero() || f.To.IsZero() {
		return Filter{}, fmt.Errorf("billing: from and to weeks required: %w", shared.ErrValidation)
	}
	f.From, f.To = shared.WeekStart(f.From), shared.WeekStart(f.To)
	if f.To.Before(f.From) {
		return Filter{}, fmt.Errorf("billing: range ends before it starts: %w", shared.ErrValidation)
	}
	return f, nil
}

func (f Filter) cacheParts(view string) []string {
	return []string{
		view,
		shared.FormatWeek(f.From),
		shared.FormatWeek(f.To),
		"p" + strconv.FormatInt(f.ProjectID, 10),
		"u" + strconv.FormatInt(f.UserID, 10),
		strconv.FormatBool(f.PerWeek),
	}
}

// Totals are hours and amount of one view row. Amount is rounded to cents.
type Totals struct {
	Worked   decimal.Decimal `json:"worked_hours"`
	Billable decimal.Decimal `json:"billable_hours"`
	Amount   decimal.Decimal `json:"amount"`
}

type accumulator struct {
	worked, billable, amount decimal.Decimal
}

func (a *accumulator) add(l Line) {
	a.worked = a.worked.Add(l.WorkedHours)
	a.billable = a.billable.Add(l.BillableHours)
	a.amount = a.amount.Add(l.Amount)
}

func (a accumulator) totals() Totals {
	return Totals{Worked: a.worked, Billable: a.billable, Amount: a.amount.Round(moneyPlaces)}
}

// WeekRow is one week of a user's project hours.
type WeekRow struct {
	WeekStart time.Time `json:"week_start"`
	Totals
}

// UserRow is one user's contribution to a project.
type UserRow struct {
	UserID int64 `json:"user_id"`
	Totals
	Weeks []WeekRow `json:"weeks,omitempty"`
}

// ProjectRow drills a project down to users.
type ProjectRow struct {
	ProjectID int64 `json:"project_id"`
	Totals
	Users []UserRow `json:"users"`
}

// ProjectView groups billing by project.
type ProjectView struct {
	Filter   Filter       `json:"filter"`
	Projects []ProjectRow `json:"projects"`
	Totals   Totals       `json:"totals"`
}

// TaskRow groups hours by task label.
type TaskRow struct {
	Label string `json:"label"`
	Totals
}

// ProjectTasks drills a project down to task labels.
type ProjectTasks struct {
	ProjectID int64 `json:"project_id"`
	Totals
	Tasks []TaskRow `json:"tasks"`
}

// TaskView groups billing by task per project.
type TaskView struct {
	Filter   Filter         `json:"filter"`
	Projects []ProjectTasks `json:"projects"`
	Totals   Totals         `json:"totals"`
}

// UserProject drills a user's project down to tasks.
type UserProject struct {
	ProjectID int64 `json:"project_id"`
	Totals
	Tasks []TaskRow `json:"tasks"`
}

// UserSummary is one user's billing.
type UserSummary struct {
	UserID int64 `json:"user_id"`
	Totals
	Projects []UserProject `json:"projects"`
}

// UserView groups billing by user.
type UserView struct {
	Filter Filter        `json:"filter"`
	Users  []UserSummary `json:"users"`
	Totals Totals        `json:"totals"`
}

// group is an ordered tree of accumulators keyed by string path segments.
type group struct {
	acc      accumulator
	children map[string]*group
}

func (g *group) child(key string) *group {
	if g.children == nil {
		g.children = map[string]*group{}
	}
	c, ok := g.children[key]
	if !ok {
		c = &group{}
		g.children[key] = c
	}
	return c
}

// add accumulates l on g and on every node along path.
func (g *group) add(l Line, path ...string) {
	g.acc.add(l)
	node := g
	for _, key := range path {
		node = node.child(key)
		node.acc.add(l)
	}
}

// keys returns child keys ordered numerically when they are ids, else lexically.
func (g *group) keys() []string {
	keys := make([]string, 0, len(g.children))
	for k := range g.children {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func parseID(key string) int64 {
	v, _ := strconv.ParseInt(key, 10, 64)
	return v
}

// lines yields the lines of snapshots that pass the project filter.
func lines(snapshots []Snapshot, f Filter, fn func(Snapshot, Line)) {
	for _, s := range snapshots {
		if f.UserID != 0 && s.UserID != f.UserID {
			continue
		}
		for _, l := range s.Lines {
			if f.ProjectID != 0 && l.ProjectID != f.ProjectID {
				continue
			}
			fn(s, l)
		}
	}
}

// FoldProjects builds the project view. The fold is pure and order-independent.
func FoldProjects(snapshots []Snapshot, f Filter) ProjectView {
	var root group
	lines(snapshots, f, func(s Snapshot, l Line) {
		root.add(l, id(l.ProjectID), id(s.UserID), shared.FormatWeek(s.WeekStart))
	})
	view := ProjectView{Filter: f, Projects: []ProjectRow{}, Totals: root.acc.totals()}
	for _, pk := range root.keys() {
		p := root.children[pk]
		row := ProjectRow{ProjectID: parseID(pk), Totals: p.acc.totals(), Users: []UserRow{}}
		for _, uk := range p.keys() {
			u := p.children[uk]
			user := UserRow{UserID: parseID(uk), Totals: u.acc.totals()}
			if f.PerWeek {
				for _, wk := range u.keys() {
					week, _ := shared.ParseWeek(wk)
					user.Weeks = append(user.Weeks, WeekRow{WeekStart: week, Totals: u.children[wk].acc.totals()})
				}
			}
			row.Users = append(row.Users, user)
		}
		view.Projects = append(view.Projects, row)
	}
	return view
}

// FoldTasks builds the task view.
func FoldTasks(snapshots []Snapshot, f Filter) TaskView {
	var root group
	lines(snapshots, f, func(_ Snapshot, l Line) {
		root.add(l, id(l.ProjectID), l.TaskLabel)
	})
	view := TaskView{Filter: f, Projects: []ProjectTasks{}, Totals: root.acc.totals()}
	for _, pk := range root.keys() {
		p := root.children[pk]
		view.Projects = append(view.Projects, ProjectTasks{
			ProjectID: parseID(pk),
			Totals:    p.acc.totals(),
			Tasks:     taskRows(p),
		})
	}
	return view
}

// FoldUsers builds the user view.
func FoldUsers(snapshots []Snapshot, f Filter) UserView {
	var root group
	lines(snapshots, f, func(s Snapshot, l Line) {
		root.add(l, id(s.UserID), id(l.ProjectID), l.TaskLabel)
	})
	view := UserView{Filter: f, Users: []UserSummary{}, Totals: root.acc.totals()}
	for _, uk := range root.keys() {
		u := root.children[uk]
		summary := UserSummary{UserID: parseID(uk), Totals: u.acc.totals(), Projects: []UserProject{}}
		for _, pk := range u.keys() {
			p := u.children[pk]
			summary.Projects = append(summary.Projects, UserProject{
				ProjectID: parseID(pk),
				Totals:    p.acc.totals(),
				Tasks:     taskRows(p),
			})
		}
		view.Users = append(view.Users, summary)
	}
	return view
}

func taskRows(g *group) []TaskRow {
	rows := []TaskRow{}
	for _, label := range slices.Sorted(maps.Keys(g.children)) {
		rows = append(rows, TaskRow{Label: label, Totals: g.children[label].acc.totals()})
	}
	return rows
}
