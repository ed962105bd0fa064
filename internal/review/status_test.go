package review

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allStatuses := []Status{
		StatusPending, StatusClaimed, StatusInReview, StatusApproved,
		StatusChangesRequested, StatusClosed,
	}

	allowed := map[Status][]Status{
		StatusPending: {StatusClaimed},
		StatusClaimed: {
			StatusPending, StatusInReview, StatusApproved,
			StatusChangesRequested,
		},
		StatusInReview:         {StatusApproved, StatusChangesRequested},
		StatusApproved:         {StatusClosed},
		StatusChangesRequested: {StatusPending, StatusClosed},
		StatusClosed:           {},
	}

	// Every ordered pair is either in the allow list or rejected.
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}

			require.Equal(t, want, from.CanTransitionTo(to),
				"%s -> %s", from, to)
		}
	}
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPending.Valid())
	require.True(t, StatusClosed.Valid())
	require.False(t, Status("rejected").Valid())
	require.False(t, Status("").Valid())
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusClosed.IsTerminal())
	require.False(t, StatusApproved.IsTerminal())
	require.False(t, StatusChangesRequested.IsTerminal())
}

func TestVerdictValid(t *testing.T) {
	t.Parallel()

	require.True(t, VerdictApproved.Valid())
	require.True(t, VerdictChangesRequested.Valid())
	require.True(t, VerdictComment.Valid())
	require.False(t, Verdict("rejected").Valid())
}

func TestDerivePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		agentType string
		phase     string
		want      Priority
	}{
		{
			name:      "planner is critical",
			agentType: "gsd-planner",
			phase:     "2",
			want:      PriorityCritical,
		},
		{
			name:      "planner outranks verify demotion",
			agentType: "gsd-planner",
			phase:     "verify",
			want:      PriorityCritical,
		},
		{
			name:      "verify phase is low",
			agentType: "gsd-executor",
			phase:     "verify-3",
			want:      PriorityLow,
		},
		{
			name:      "everything else is normal",
			agentType: "gsd-executor",
			phase:     "1",
			want:      PriorityNormal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := DerivePriority(tc.agentType, tc.phase)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestValidRole(t *testing.T) {
	t.Parallel()

	require.True(t, ValidRole(RoleProposer))
	require.True(t, ValidRole(RoleReviewer))
	require.False(t, ValidRole("observer"))
	require.False(t, ValidRole(""))
}
