// Package workflow defines the review lifecycle shared by timesheets and their entries.
package workflow

import (
	"fmt"

	"github.com/timeledger/timeledger/internal/shared"
)

// Status is a lifecycle status of a timesheet or one of its entries.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusSubmitted          Status = "submitted"
	StatusLeadApproved       Status = "lead_approved"
	StatusLeadRejected       Status = "lead_rejected"
	StatusManagerApproved    Status = "manager_approved"
	StatusManagerRejected    Status = "manager_rejected"
	StatusFrozen             Status = "frozen"
	StatusManagementRejected Status = "management_rejected"
	StatusBilled             Status = "billed"
)

// Tier is one approval stage.
type Tier string

const (
	TierLead       Tier = "lead"
	TierManager    Tier = "manager"
	TierManagement Tier = "management"
)

// Tiers lists approval stages in review order.
var Tiers = []Tier{TierLead, TierManager, TierManagement}

var transitions = map[Status][]Status{
	StatusDraft:              {StatusSubmitted},
	StatusSubmitted:          {StatusLeadApproved, StatusLeadRejected},
	StatusLeadRejected:       {StatusSubmitted},
	StatusLeadApproved:       {StatusManagerApproved, StatusManagerRejected},
	StatusManagerRejected:    {StatusSubmitted},
	StatusManagerApproved:    {StatusFrozen, StatusManagementRejected},
	StatusManagementRejected: {StatusSubmitted},
	StatusFrozen:             {StatusBilled},
}

// progress orders non-rejected statuses.
var progress = map[Status]int{
	StatusDraft:           0,
	StatusSubmitted:       1,
	StatusLeadApproved:    2,
	StatusManagerApproved: 3,
	StatusFrozen:          4,
	StatusBilled:          5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusBilled
}

// Editable reports whether the owner may change entries in this status.
func (s Status) Editable() bool {
	return s == StatusDraft || s.Rejected()
}

// Rejected reports whether s is a rejection at any tier.
func (s Status) Rejected() bool {
	return s == StatusLeadRejected || s == StatusManagerRejected || s == StatusManagementRejected
}

// Locked reports whether s is terminal for mutation.
func (s Status) Locked() bool {
	return s == StatusFrozen || s == StatusBilled
}

// Reached reports whether s is a non-rejected status at or beyond target.
func (s Status) Reached(target Status) bool {
	if s.Rejected() {
		return false
	}
	a, ok := progress[s]
	if !ok {
		return false
	}
	b, ok := progress[target]
	return ok && a >= b
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns an ErrInvalidState wrap when illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("workflow: %s -> %s: %w", from, to, shared.ErrInvalidState)
	}
	return nil
}

// ParseTier validates a tier name.
func ParseTier(value string) (Tier, error) {
	switch Tier(value) {
	case TierLead, TierManager, TierManagement:
		return Tier(value), nil
	}
	return "", fmt.Errorf("workflow: unknown tier %q: %w", value, shared.ErrValidation)
}

// Reviewable is the status a record must hold for this tier to act on it.
func (t Tier) Reviewable() Status {
	switch t {
	case TierLead:
		return StatusSubmitted
	case TierManager:
		return StatusLeadApproved
	case TierManagement:
		return StatusManagerApproved
	}
	return ""
}

// Approved is the status produced by this tier's approval.
func (t Tier) Approved() Status {
	switch t {
	case TierLead:
		return StatusLeadApproved
	case TierManager:
		return StatusManagerApproved
	case TierManagement:
		return StatusFrozen
	}
	return ""
}

// Rejected is the status produced by this tier's rejection.
func (t Tier) Rejected() Status {
	switch t {
	case TierLead:
		return StatusLeadRejected
	case TierManager:
		return StatusManagerRejected
	case TierManagement:
		return StatusManagementRejected
	}
	return ""
}

// Prior returns the tier that must complete before t may act.
func (t Tier) Prior() (Tier, bool) {
	switch t {
	case TierManager:
		return TierLead, true
	case TierManagement:
		return TierManager, true
	}
	return "", false
}

// RejectedBy returns the tier that produced a rejection status.
func (s Status) RejectedBy() (Tier, bool) {
	switch s {
	case StatusLeadRejected:
		return TierLead, true
	case StatusManagerRejected:
		return TierManager, true
	case StatusManagementRejected:
		return TierManagement, true
	}
	return "", false
}
