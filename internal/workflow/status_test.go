package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/shared"
)

var allStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusLeadApproved, StatusLeadRejected,
	StatusManagerApproved, StatusManagerRejected, StatusFrozen,
	StatusManagementRejected, StatusBilled,
}

func TestTransitionGraphIsClosed(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusDraft, StatusSubmitted}:                    true,
		{StatusSubmitted, StatusLeadApproved}:             true,
		{StatusSubmitted, StatusLeadRejected}:             true,
		{StatusLeadRejected, StatusSubmitted}:             true,
		{StatusLeadApproved, StatusManagerApproved}:       true,
		{StatusLeadApproved, StatusManagerRejected}:       true,
		{StatusManagerRejected, StatusSubmitted}:          true,
		{StatusManagerApproved, StatusFrozen}:             true,
		{StatusManagerApproved, StatusManagementRejected}: true,
		{StatusManagementRejected, StatusSubmitted}:       true,
		{StatusFrozen, StatusBilled}:                      true,
	}
	for _, from := range allStatuses {
		require.True(t, from.Valid(), from)
		for _, to := range allStatuses {
			want := legal[[2]Status{from, to}]
			require.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			err := Transition(from, to)
			if want {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, shared.ErrInvalidState)
			}
		}
	}
	require.False(t, Status("archived").Valid())
}

func TestTierMappingsFollowGraph(t *testing.T) {
	for _, tier := range Tiers {
		require.True(t, CanTransition(tier.Reviewable(), tier.Approved()), tier)
		require.True(t, CanTransition(tier.Reviewable(), tier.Rejected()), tier)
		require.True(t, CanTransition(tier.Rejected(), StatusSubmitted), tier)
		by, ok := tier.Rejected().RejectedBy()
		require.True(t, ok)
		require.Equal(t, tier, by)
		if prior, ok := tier.Prior(); ok {
			require.Equal(t, prior.Approved(), tier.Reviewable())
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, StatusDraft.Editable())
	require.True(t, StatusManagerRejected.Editable())
	require.False(t, StatusSubmitted.Editable())
	require.True(t, StatusFrozen.Locked())
	require.True(t, StatusBilled.Locked())
	require.True(t, StatusFrozen.Reached(StatusLeadApproved))
	require.False(t, StatusLeadRejected.Reached(StatusSubmitted))
	require.False(t, StatusSubmitted.Reached(StatusLeadApproved))

	_, err := ParseTier("director")
	require.ErrorIs(t, err, shared.ErrValidation)
}
