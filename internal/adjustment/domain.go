// Package adjustment applies manager-issued billable-hour deltas on top of logged hours.
package adjustment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
)

// Scope selects what an adjustment applies to.
type Scope string

const (
	ScopeProject   Scope = "project"
	ScopeTimesheet Scope = "timesheet"
)

// Adjustment is a signed billable-hour delta. The delta is kept as entered; billable hours
// are recomputed from live entries whenever they are read.
type Adjustment struct {
	ID                 int64           `json:"id"`
	Scope              Scope           `json:"scope"`
	ProjectID          int64           `json:"project_id,omitempty"`
	TimesheetID        int64           `json:"timesheet_id"`
	UserID             int64           `json:"user_id"`
	TotalWorkedHours   decimal.Decimal `json:"total_worked_hours"`
	AdjustmentHours    decimal.Decimal `json:"adjustment_hours"`
	TotalBillableHours decimal.Decimal `json:"total_billable_hours"`
	Reason             string          `json:"reason,omitempty"`
	CreatedBy          int64           `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          *time.Time      `json:"-"`
}

// Input is the payload of Set.
type Input struct {
	Scope           Scope
	TimesheetID     int64
	ProjectID       int64
	AdjustmentHours decimal.Decimal
	Reason          string
}

func (in Input) validate() error {
	switch in.Scope {
	case ScopeProject:
		if in.ProjectID <= 0 {
			return fmt.Errorf("adjustment: project scope needs project id: %w", shared.ErrValidation)
		}
	case ScopeTimesheet:
		if in.ProjectID != 0 {
			return fmt.Errorf("adjustment: timesheet scope takes no project id: %w", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("adjustment: unknown scope %q: %w", in.Scope, shared.ErrValidation)
	}
	if in.TimesheetID <= 0 {
		return fmt.Errorf("adjustment: timesheet id required: %w", shared.ErrValidation)
	}
	return nil
}

// Computation is the billable view of a timesheet or one of its projects.
type Computation struct {
	TimesheetID int64           `json:"timesheet_id"`
	ProjectID   int64           `json:"project_id,omitempty"`
	Worked      decimal.Decimal `json:"worked_hours"`
	Adjustment  decimal.Decimal `json:"adjustment_hours"`
	Billable    decimal.Decimal `json:"billable_hours"`
}

// Share is one entry's portion of a distributed adjustment.
type Share struct {
	EntryID    int64           `json:"entry_id"`
	ProjectID  int64           `json:"project_id"`
	Worked     decimal.Decimal `json:"worked_hours"`
	Adjustment decimal.Decimal `json:"adjustment_hours"`
	Billable   decimal.Decimal `json:"billable_hours"`
}

// sharePlaces is the precision of per-entry shares before the remainder is absorbed.
const sharePlaces = 4

// Billable floors worked + delta at zero.
func Billable(worked, delta decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, worked.Add(delta))
}

// Distribute spreads total across the live billable entries in proportion to their hours.
// No entry goes below zero billable hours and the last entry absorbs the rounding
// remainder, so the shares sum to the clamped total exactly.
func Distribute(entries []timeentry.Entry, total decimal.Decimal) []Share {
	var live []timeentry.Entry
	worked := decimal.Zero
	for _, e := range entries {
		if e.Live() && e.Billable {
			live = append(live, e)
			worked = worked.Add(e.Hours)
		}
	}
	if len(live) == 0 {
		return nil
	}
	effective := decimal.Max(total, worked.Neg())
	shares := make([]Share, len(live))
	allocated := decimal.Zero
	for i, e := range live {
		var adj decimal.Decimal
		switch {
		case i == len(live)-1:
			adj = effective.Sub(allocated)
		case worked.IsZero():
			adj = decimal.Zero
		default:
			adj = effective.Mul(e.Hours).Div(worked).Round(sharePlaces)
		}
		if e.Hours.Add(adj).IsNegative() {
			adj = e.Hours.Neg()
		}
		allocated = allocated.Add(adj)
		shares[i] = Share{
			EntryID:    e.ID,
			ProjectID:  e.ProjectID,
			Worked:     e.Hours,
			Adjustment: adj,
			Billable:   e.Hours.Add(adj),
		}
	}
	return shares
}

// splitTimesheetDelta apportions a timesheet-scoped delta across projects by worked hours.
// The highest project id absorbs the remainder.
func splitTimesheetDelta(workedByProject map[int64]decimal.Decimal, projects []int64, delta decimal.Decimal) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(projects))
	total := decimal.Zero
	for _, p := range projects {
		total = total.Add(workedByProject[p])
	}
	if total.IsZero() || delta.IsZero() {
		return out
	}
	allocated := decimal.Zero
	for i, p := range projects {
		if i == len(projects)-1 {
			out[p] = delta.Sub(allocated)
			break
		}
		share := delta.Mul(workedByProject[p]).Div(total).Round(sharePlaces)
		out[p] = share
		allocated = allocated.Add(share)
	}
	return out
}
