package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	stats, err := s.GetReviewStats(context.Background())
	require.NoError(t, err)

	require.Zero(t, stats.Total)
	require.Empty(t, stats.ByStatus)
	require.Empty(t, stats.ByCategory)
	require.Nil(t, stats.ApprovalRatePct)
	require.Nil(t, stats.AvgTimeToVerdictSeconds)
	require.Nil(t, stats.AvgReviewDurationSeconds)

	states := []string{
		"pending", "claimed", "approved", "changes_requested",
	}
	for _, state := range states {
		require.Nil(t, stats.AvgTimeInStateSeconds[state])
	}
}

func TestStatsPopulated(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Three reviews created at the same instant so verdict latencies
	// are exactly the audit offsets below.
	r1 := testReview("rev-1", testTime(0))
	r1.Status = "approved"
	r1.Category = "code_change"
	r2 := testReview("rev-2", testTime(0))
	r2.Status = "approved"
	r3 := testReview("rev-3", testTime(0))
	r3.Status = "changes_requested"

	for _, rev := range []Review{r1, r2, r3} {
		require.NoError(t, s.CreateReview(ctx, rev))
	}

	// rev-1 walks pending (40s) then claimed (60s) before its verdict.
	// The approved interval stays open and must not count.
	audits := []AuditEvent{
		{
			ReviewID:  "rev-1",
			EventType: EventReviewCreated,
			NewStatus: "pending",
			CreatedAt: testTime(0),
		},
		{
			ReviewID:  "rev-1",
			EventType: EventReviewClaimed,
			OldStatus: "pending",
			NewStatus: "claimed",
			CreatedAt: testTime(40),
		},
		{
			ReviewID:  "rev-1",
			EventType: EventVerdictSubmitted,
			OldStatus: "claimed",
			NewStatus: "approved",
			CreatedAt: testTime(100),
		},
		{
			ReviewID:  "rev-2",
			EventType: EventVerdictSubmitted,
			NewStatus: "approved",
			CreatedAt: testTime(200),
		},
		{
			ReviewID:  "rev-3",
			EventType: EventVerdictSubmitted,
			NewStatus: "changes_requested",
			CreatedAt: testTime(300),
		},
	}
	for _, event := range audits {
		require.NoError(t, s.AppendAudit(ctx, event))
	}

	require.NoError(t, s.CreateReviewer(ctx, Reviewer{
		ID:                 "reviewer-1-abc",
		DisplayName:        "reviewer-1",
		SessionToken:       "session-a",
		Status:             ReviewerTerminated,
		SpawnedAt:          testTime(0),
		LastActiveAt:       testTime(0),
		ReviewsCompleted:   2,
		Approvals:          2,
		TotalReviewSeconds: 120,
	}))
	require.NoError(t, s.CreateReviewer(ctx, Reviewer{
		ID:           "reviewer-2-def",
		DisplayName:  "reviewer-2",
		SessionToken: "session-a",
		Status:       ReviewerActive,
		SpawnedAt:    testTime(10),
		LastActiveAt: testTime(10),
	}))

	stats, err := s.GetReviewStats(ctx)
	require.NoError(t, err)

	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByStatus["approved"])
	require.Equal(t, 1, stats.ByStatus["changes_requested"])

	require.Equal(t, 1, stats.ByCategory["code_change"])
	require.Equal(t, 2, stats.ByCategory["uncategorized"])

	// Two approvals out of three verdicts.
	require.NotNil(t, stats.ApprovalRatePct)
	require.InDelta(t, 66.7, *stats.ApprovalRatePct, 0.01)

	// Verdict latencies 100, 200 and 300 seconds.
	require.NotNil(t, stats.AvgTimeToVerdictSeconds)
	require.InDelta(t, 200, *stats.AvgTimeToVerdictSeconds, 0.1)

	// 120 seconds over two completed reviews.
	require.NotNil(t, stats.AvgReviewDurationSeconds)
	require.InDelta(t, 60, *stats.AvgReviewDurationSeconds, 0.01)

	require.NotNil(t, stats.AvgTimeInStateSeconds["pending"])
	require.InDelta(t, 40, *stats.AvgTimeInStateSeconds["pending"], 0.1)
	require.NotNil(t, stats.AvgTimeInStateSeconds["claimed"])
	require.InDelta(t, 60, *stats.AvgTimeInStateSeconds["claimed"], 0.1)

	// Open intervals never count, so terminal states with no later
	// transition stay unknown.
	require.Nil(t, stats.AvgTimeInStateSeconds["approved"])
	require.Nil(t, stats.AvgTimeInStateSeconds["changes_requested"])
}
