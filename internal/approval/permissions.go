// Package approval authorizes reviewers and drives single and bulk timesheet reviews.
package approval

import (
	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/workflow"
)

// Action is a review verb.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

type permissionKey struct {
	role   directory.Role
	tier   workflow.Tier
	action Action
}

// Permissions is the explicit (role, tier, action) table consulted before every review.
type Permissions map[permissionKey]bool

// DefaultPermissions lets each reviewing role approve and reject at its own tier.
func DefaultPermissions() Permissions {
	p := Permissions{}
	for role, tier := range map[directory.Role]workflow.Tier{
		directory.RoleLead:       workflow.TierLead,
		directory.RoleManager:    workflow.TierManager,
		directory.RoleManagement: workflow.TierManagement,
	} {
		p.Grant(role, tier, ActionApprove)
		p.Grant(role, tier, ActionReject)
	}
	return p
}

// Grant allows role to perform action at tier.
func (p Permissions) Grant(role directory.Role, tier workflow.Tier, action Action) {
	p[permissionKey{role: role, tier: tier, action: action}] = true
}

// Allowed reports whether role may perform action at tier.
func (p Permissions) Allowed(role directory.Role, tier workflow.Tier, action Action) bool {
	return p[permissionKey{role: role, tier: tier, action: action}]
}

// TierFor maps a directory role to the tier it reviews at.
func TierFor(role directory.Role) (workflow.Tier, bool) {
	switch role {
	case directory.RoleLead:
		return workflow.TierLead, true
	case directory.RoleManager:
		return workflow.TierManager, true
	case directory.RoleManagement:
		return workflow.TierManagement, true
	}
	return "", false
}

// assignmentRole is the project membership a tier's reviewer must hold; management needs none.
func assignmentRole(tier workflow.Tier) (directory.MemberRole, bool) {
	switch tier {
	case workflow.TierLead:
		return directory.MemberLead, true
	case workflow.TierManager:
		return directory.MemberManager, true
	}
	return "", false
}
