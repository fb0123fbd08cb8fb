// Package projectweek coordinates review readiness across all members of a project for
// one week.
package projectweek

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/workflow"
)

// Key identifies a project-week.
type Key struct {
	ProjectID int64
	WeekStart time.Time
}

// Member is one user's position within a project-week.
type Member struct {
	UserID      int64           `json:"user_id"`
	TimesheetID int64           `json:"timesheet_id,omitempty"`
	Required    bool            `json:"required"`
	Stage       workflow.Status `json:"stage"`
	// Empty marks a submitted timesheet with no entries on the project.
	Empty      bool            `json:"empty,omitempty"`
	Worked     decimal.Decimal `json:"worked_hours"`
	Adjustment decimal.Decimal `json:"adjustment_hours"`
	Billable   decimal.Decimal `json:"billable_hours"`
}

// Submitted reports whether the member has handed in the week. Rejected work counts as
// handed in.
func (m Member) Submitted() bool {
	return m.TimesheetID != 0 && m.Stage != workflow.StatusDraft && m.Stage != ""
}

// ReachedTier reports whether the member's work on the project is approved at tier.
func (m Member) ReachedTier(tier workflow.Tier) bool {
	if !m.Submitted() {
		return false
	}
	return m.Empty || m.Stage.Reached(tier.Approved())
}

// Aggregate is the materialized coordination state of a project-week.
type Aggregate struct {
	ProjectID       int64     `json:"project_id"`
	WeekStart       time.Time `json:"week_start"`
	Required        int       `json:"required"`
	Submitted       int       `json:"submitted"`
	LeadApproved    int       `json:"lead_approved"`
	ManagerApproved int       `json:"manager_approved"`
	Frozen          int       `json:"frozen"`
	Rejected        int       `json:"rejected"`
	Reopened        bool      `json:"reopened"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
	Members         []Member  `json:"members"`
}

// Key returns the aggregate key.
func (a Aggregate) Key() Key { return Key{ProjectID: a.ProjectID, WeekStart: a.WeekStart} }

// SubmissionComplete reports whether every required member has submitted.
func (a Aggregate) SubmissionComplete() bool {
	return a.Submitted == a.Required
}

// Complete reports whether every required member reached tier's approval.
func (a Aggregate) Complete(tier workflow.Tier) bool {
	for _, m := range a.Members {
		if m.Required && !m.ReachedTier(tier) {
			return false
		}
	}
	return true
}

// CanReview reports whether tier may act on the project-week.
func (a Aggregate) CanReview(tier workflow.Tier) bool {
	if prior, ok := tier.Prior(); ok {
		return a.Complete(prior)
	}
	return a.SubmissionComplete()
}

// Member returns the member row of userID.
func (a Aggregate) Member(userID int64) (Member, bool) {
	for _, m := range a.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// recount derives the counters from the member rows.
func (a *Aggregate) recount() {
	a.Required, a.Submitted, a.LeadApproved, a.ManagerApproved, a.Frozen, a.Rejected = 0, 0, 0, 0, 0, 0
	for _, m := range a.Members {
		if !m.Required {
			continue
		}
		a.Required++
		if m.Submitted() {
			a.Submitted++
		}
		if m.ReachedTier(workflow.TierLead) {
			a.LeadApproved++
		}
		if m.ReachedTier(workflow.TierManager) {
			a.ManagerApproved++
		}
		if m.ReachedTier(workflow.TierManagement) {
			a.Frozen++
		}
		if m.Stage.Rejected() {
			a.Rejected++
		}
	}
}

// Ledger is the billable computation of one member on the project.
type Ledger struct {
	Worked     decimal.Decimal
	Adjustment decimal.Decimal
	Billable   decimal.Decimal
}

// SyncResult reports the outcome of an enrollment refresh.
type SyncResult struct {
	Aggregate Aggregate `json:"aggregate"`
	Reopened  bool      `json:"reopened"`
	Added     []int64   `json:"added,omitempty"`
	Removed   []int64   `json:"removed,omitempty"`
}
