// Package timesheet owns weekly timesheets, their entries and the review state machine.
package timesheet

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/workflow"
)

// Slot records the last action of one approval tier.
type Slot struct {
	ApproverID int64      `json:"approver_id,omitempty"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Timesheet is one user's week of logged time.
type Timesheet struct {
	ID          int64
	UserID      int64
	WeekStart   time.Time
	Status      workflow.Status
	SubmittedAt *time.Time
	Lead        Slot
	Manager     Slot
	Management  Slot
	Frozen      bool
	SnapshotID  *uuid.UUID
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
	Entries     []timeentry.Entry
}

// Slot returns a pointer to the approval slot of tier.
func (t *Timesheet) Slot(tier workflow.Tier) *Slot {
	switch tier {
	case workflow.TierLead:
		return &t.Lead
	case workflow.TierManager:
		return &t.Manager
	default:
		return &t.Management
	}
}

// LiveEntries returns entries that are not soft-deleted.
func (t Timesheet) LiveEntries() []timeentry.Entry {
	out := make([]timeentry.Entry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.Live() {
			out = append(out, e)
		}
	}
	return out
}

// Projects returns the distinct projects of live entries, ascending.
func (t Timesheet) Projects() []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, e := range t.LiveEntries() {
		if !seen[e.ProjectID] {
			seen[e.ProjectID] = true
			ids = append(ids, e.ProjectID)
		}
	}
	slices.Sort(ids)
	return ids
}

// ProjectStatus folds the statuses of the live entries of projectID. A rejection wins;
// otherwise the least advanced status is reported. ok is false when the project has no
// live entries.
func (t Timesheet) ProjectStatus(projectID int64) (status workflow.Status, ok bool) {
	for _, e := range t.LiveEntries() {
		if e.ProjectID != projectID {
			continue
		}
		if e.Status.Rejected() {
			return e.Status, true
		}
		if !ok || status.Reached(e.Status) {
			status = e.Status
		}
		ok = true
	}
	return status, ok
}

// DailyHours totals live hours per calendar date.
func (t Timesheet) DailyHours() map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, e := range t.LiveEntries() {
		key := shared.FormatDate(e.Date)
		out[key] = out[key].Add(e.Hours)
	}
	return out
}

// TotalHours totals live hours.
func (t Timesheet) TotalHours() decimal.Decimal {
	return timeentry.SumHours(t.Entries, nil)
}

// Warnings lists soft findings on the current entries.
func (t Timesheet) Warnings() []timeentry.Warning {
	var out []timeentry.Warning
	for _, e := range t.LiveEntries() {
		if e.Billable && shared.IsWeekend(e.Date) {
			out = append(out, timeentry.Warning{
				Code:    timeentry.WarningWeekendBillable,
				Date:    shared.FormatDate(e.Date),
				Message: "billable time logged on a weekend",
			})
		}
	}
	return out
}

// Rules bounds the content of a timesheet.
type Rules struct {
	Entry                  timeentry.Rules
	MaxWeeklyHours         decimal.Decimal
	MaxDailyHours          decimal.Decimal
	RequireWeekdayCoverage bool
}

// DefaultRules returns the 56h week / 24h day / weekday coverage rules.
func DefaultRules() Rules {
	return Rules{
		Entry:                  timeentry.DefaultRules(),
		MaxWeeklyHours:         decimal.NewFromInt(56),
		MaxDailyHours:          decimal.NewFromInt(24),
		RequireWeekdayCoverage: true,
	}
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReviewInput applies one tier's verdict to the entries of the given projects.
type ReviewInput struct {
	TimesheetID int64
	ProjectIDs  []int64
	Tier        workflow.Tier
	Decision    Decision
	ActorID     int64
	Reason      string
}

// ListFilter narrows ListForWeek.
type ListFilter struct {
	WeekStart time.Time
	UserID    int64
	ProjectID int64
}

// EntryInput is the payload of AddEntry and UpdateEntry.
type EntryInput = timeentry.Input

// Awaiting returns the projects with live entries waiting for tier's review, ascending.
func (t Timesheet) Awaiting(tier workflow.Tier) []int64 {
	var ids []int64
	for _, e := range t.LiveEntries() {
		if e.Status == tier.Reviewable() && !slices.Contains(ids, e.ProjectID) {
			ids = append(ids, e.ProjectID)
		}
	}
	slices.Sort(ids)
	return ids
}
