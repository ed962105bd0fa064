package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roasbeef/revbroker/internal/db"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a migrated scratch database and wraps it in a
// SQLStore.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "broker.sqlite3")

	database, err := db.Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})

	require.NoError(t, database.MigrateUp(context.Background()))

	return NewSQLStore(database)
}

// testTime returns a fixed base time offset by the given number of
// seconds.
func testTime(offsetSeconds int) time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(offsetSeconds) * time.Second)
}

// testReview builds a minimal pending review row.
func testReview(id string, at time.Time) Review {
	return Review{
		ID:           id,
		Status:       "pending",
		Intent:       "intent for " + id,
		AgentType:    "gsd-executor",
		AgentRole:    "proposer",
		Phase:        "1",
		Priority:     "normal",
		CurrentRound: 1,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestReviewRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	claimedAt := testTime(30)
	rev := Review{
		ID:                 "rev-rt",
		Status:             "claimed",
		Intent:             "implement auth module",
		Description:        "adds login flow",
		Diff:               "diff --git a/x b/x\n+x\n",
		AffectedFiles:      `[{"path":"x","change_type":"modified"}]`,
		AgentType:          "gsd-executor",
		AgentRole:          "proposer",
		Phase:              "1",
		Plan:               "plan-1",
		Task:               "task-2",
		Project:            "alpha",
		Priority:           "normal",
		Category:           "code_change",
		CurrentRound:       2,
		CounterPatch:       "diff --git a/y b/y\n+y\n",
		CounterPatchStatus: "pending",
		ClaimedBy:          "reviewer-1-abc",
		ClaimGeneration:    3,
		ClaimedAt:          &claimedAt,
		SkipDiffValidation: true,
		VerdictReason:      "needs work",
		ParentID:           "rev-parent",
		CreatedAt:          testTime(0),
		UpdatedAt:          testTime(60),
	}

	require.NoError(t, s.CreateReview(ctx, rev))

	got, err := s.GetReview(ctx, "rev-rt")
	require.NoError(t, err)
	require.Equal(t, rev, got)

	// The raw diff bytes must survive storage untouched.
	require.Equal(t, rev.Diff, got.Diff)

	_, err = s.GetReview(ctx, "no-such-review")
	require.ErrorIs(t, err, ErrReviewNotFound)
}

func TestUpdateReview(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	rev := testReview("rev-up", testTime(0))
	require.NoError(t, s.CreateReview(ctx, rev))

	rev.Status = "claimed"
	rev.ClaimedBy = "reviewer-1-abc"
	rev.ClaimGeneration = 1
	claimedAt := testTime(5)
	rev.ClaimedAt = &claimedAt
	rev.UpdatedAt = testTime(5)
	require.NoError(t, s.UpdateReview(ctx, rev))

	got, err := s.GetReview(ctx, "rev-up")
	require.NoError(t, err)
	require.Equal(t, "claimed", got.Status)
	require.Equal(t, "reviewer-1-abc", got.ClaimedBy)
	require.NotNil(t, got.ClaimedAt)

	missing := testReview("rev-missing", testTime(0))
	require.ErrorIs(t, s.UpdateReview(ctx, missing), ErrReviewNotFound)
}

func TestListReviewsOrdering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Insert out of order: a later critical review must still sort
	// before earlier normal and low ones.
	lo := testReview("rev-low", testTime(0))
	lo.Priority = "low"
	norm := testReview("rev-normal", testTime(10))
	crit := testReview("rev-critical", testTime(20))
	crit.Priority = "critical"
	norm2 := testReview("rev-normal-2", testTime(30))

	for _, rev := range []Review{lo, norm, crit, norm2} {
		require.NoError(t, s.CreateReview(ctx, rev))
	}

	reviews, err := s.ListReviews(ctx, ReviewFilter{})
	require.NoError(t, err)

	var ids []string
	for _, rev := range reviews {
		ids = append(ids, rev.ID)
	}
	require.Equal(t, []string{
		"rev-critical", "rev-normal", "rev-normal-2", "rev-low",
	}, ids)
}

func TestListReviewsFilters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a := testReview("rev-a", testTime(0))
	a.Project = "alpha"
	a.Category = "code_change"
	b := testReview("rev-b", testTime(1))
	b.Project = "beta"
	b.Status = "claimed"
	c := testReview("rev-c", testTime(2))

	for _, rev := range []Review{a, b, c} {
		require.NoError(t, s.CreateReview(ctx, rev))
	}

	pending, err := s.ListReviews(ctx, ReviewFilter{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byCat, err := s.ListReviews(ctx, ReviewFilter{
		Category: "code_change",
	})
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	require.Equal(t, "rev-a", byCat[0].ID)

	byProj, err := s.ListReviews(ctx, ReviewFilter{
		Projects: []string{"alpha", "beta"},
	})
	require.NoError(t, err)
	require.Len(t, byProj, 2)
}

func TestActivityFeed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	older := testReview("rev-older", testTime(0))
	older.UpdatedAt = testTime(100)
	newer := testReview("rev-newer", testTime(1))
	newer.UpdatedAt = testTime(200)

	require.NoError(t, s.CreateReview(ctx, older))
	require.NoError(t, s.CreateReview(ctx, newer))

	longBody := strings.Repeat("x", 150)
	_, err := s.CreateMessage(ctx, Message{
		ReviewID:   "rev-older",
		SenderRole: "reviewer",
		Round:      1,
		Body:       "first note",
		CreatedAt:  testTime(50),
	})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, Message{
		ReviewID:   "rev-older",
		SenderRole: "proposer",
		Round:      1,
		Body:       longBody,
		CreatedAt:  testTime(60),
	})
	require.NoError(t, err)

	feed, err := s.ActivityFeed(ctx, ReviewFilter{})
	require.NoError(t, err)
	require.Len(t, feed, 2)

	// Most recently updated first.
	require.Equal(t, "rev-newer", feed[0].ID)
	require.Equal(t, "rev-older", feed[1].ID)

	require.Zero(t, feed[0].MessageCount)
	require.Nil(t, feed[0].LastMessageAt)

	require.Equal(t, 2, feed[1].MessageCount)
	require.NotNil(t, feed[1].LastMessageAt)
	require.Equal(t, testTime(60), *feed[1].LastMessageAt)
	require.Len(t, feed[1].LastMessagePreview, 120)
	require.Equal(t, longBody[:120], feed[1].LastMessagePreview)
}

func TestAttachedReviewsAndActiveClaims(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	reviewerID := "reviewer-1-abc"
	statuses := []string{
		"pending", "claimed", "in_review", "changes_requested",
		"approved", "closed",
	}
	for i, status := range statuses {
		rev := testReview(fmt.Sprintf("rev-%d", i), testTime(i))
		rev.Status = status
		rev.ClaimedBy = reviewerID
		require.NoError(t, s.CreateReview(ctx, rev))
	}

	attached, err := s.ListAttachedReviews(ctx, reviewerID)
	require.NoError(t, err)
	require.Len(t, attached, 4)
	for _, rev := range attached {
		require.NotContains(t,
			[]string{"approved", "closed"}, rev.Status)
	}

	active, err := s.CountActiveClaims(ctx, reviewerID)
	require.NoError(t, err)
	require.Equal(t, 2, active)
}

func TestOrphanedClaims(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// A live reviewer of the current session.
	require.NoError(t, s.CreateReviewer(ctx, Reviewer{
		ID:           "reviewer-1-live",
		DisplayName:  "reviewer-1",
		SessionToken: "session-a",
		Status:       ReviewerActive,
		SpawnedAt:    testTime(0),
		LastActiveAt: testTime(0),
	}))

	held := testReview("rev-held", testTime(0))
	held.Status = "claimed"
	held.ClaimedBy = "reviewer-1-live"
	require.NoError(t, s.CreateReview(ctx, held))

	orphan := testReview("rev-orphan", testTime(1))
	orphan.Status = "claimed"
	orphan.ClaimedBy = "reviewer-9-gone"
	require.NoError(t, s.CreateReview(ctx, orphan))

	// Under the live session only the unknown claimant is orphaned.
	orphans, err := s.ListOrphanedClaims(ctx, "session-a")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "rev-orphan", orphans[0].ID)

	// Under a new session every claim is orphaned.
	orphans, err = s.ListOrphanedClaims(ctx, "session-b")
	require.NoError(t, err)
	require.Len(t, orphans, 2)
}

func TestMessagesRoundsAndLatest(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReview(
		ctx, testReview("rev-msg", testTime(0)),
	))

	latest, err := s.LatestMessage(ctx, "rev-msg")
	require.NoError(t, err)
	require.True(t, latest.IsNone())

	bodies := []struct {
		role  string
		round int
		body  string
	}{
		{"reviewer", 1, "looks odd"},
		{"proposer", 1, "fixed"},
		{"reviewer", 2, "better now"},
	}
	for i, b := range bodies {
		msg, err := s.CreateMessage(ctx, Message{
			ReviewID:   "rev-msg",
			SenderRole: b.role,
			Round:      b.round,
			Body:       b.body,
			CreatedAt:  testTime(i),
		})
		require.NoError(t, err)
		require.Positive(t, msg.ID)
	}

	all, err := s.ListMessages(ctx, "rev-msg", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "looks odd", all[0].Body)
	require.Equal(t, "better now", all[2].Body)

	roundOne, err := s.ListMessages(ctx, "rev-msg", 1)
	require.NoError(t, err)
	require.Len(t, roundOne, 2)

	latest, err = s.LatestMessage(ctx, "rev-msg")
	require.NoError(t, err)
	require.True(t, latest.IsSome())
	latest.WhenSome(func(msg Message) {
		require.Equal(t, "better now", msg.Body)
		require.Equal(t, "reviewer", msg.SenderRole)
	})
}

func TestAuditTrailOrdering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	events := []AuditEvent{
		{
			ReviewID:  "rev-1",
			EventType: EventReviewCreated,
			NewStatus: "pending",
			CreatedAt: testTime(0),
		},
		{
			EventType: EventReviewerSpawned,
			Actor:     "reviewer-1-abc",
			CreatedAt: testTime(1),
		},
		{
			ReviewID:  "rev-1",
			EventType: EventReviewClaimed,
			OldStatus: "pending",
			NewStatus: "claimed",
			Actor:     "reviewer-1-abc",
			CreatedAt: testTime(2),
		},
	}
	for _, event := range events {
		require.NoError(t, s.AppendAudit(ctx, event))
	}

	forReview, err := s.ListAuditByReview(ctx, "rev-1")
	require.NoError(t, err)
	require.Len(t, forReview, 2)
	require.Equal(t, EventReviewCreated, forReview[0].EventType)
	require.Equal(t, EventReviewClaimed, forReview[1].EventType)
	require.Less(t, forReview[0].ID, forReview[1].ID)

	all, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// The pool level event must have no review id.
	require.Empty(t, all[1].ReviewID)
}

func TestReviewerLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	rev := Reviewer{
		ID:           "reviewer-1-abc",
		DisplayName:  "reviewer-1",
		SessionToken: "session-a",
		Status:       ReviewerActive,
		PID:          4242,
		SpawnedAt:    testTime(0),
		LastActiveAt: testTime(0),
	}
	require.NoError(t, s.CreateReviewer(ctx, rev))

	got, err := s.GetReviewer(ctx, "reviewer-1-abc")
	require.NoError(t, err)
	require.Equal(t, rev, got)

	_, err = s.GetReviewer(ctx, "nobody")
	require.ErrorIs(t, err, ErrReviewerNotFound)

	require.NoError(t, s.TouchReviewer(
		ctx, "reviewer-1-abc", testTime(33),
	))
	got, err = s.GetReviewer(ctx, "reviewer-1-abc")
	require.NoError(t, err)
	require.Equal(t, testTime(33), got.LastActiveAt)

	got.Status = ReviewerTerminated
	terminatedAt := testTime(40)
	got.TerminatedAt = &terminatedAt
	got.ReviewsCompleted = 2
	got.Approvals = 1
	got.Rejections = 1
	got.TotalReviewSeconds = 95.5
	require.NoError(t, s.UpdateReviewer(ctx, got))

	terminated, err := s.ListReviewersByStatuses(
		ctx, ReviewerTerminated,
	)
	require.NoError(t, err)
	require.Len(t, terminated, 1)
	require.NotNil(t, terminated[0].TerminatedAt)
	require.Equal(t, 95.5, terminated[0].TotalReviewSeconds)

	none, err := s.ListReviewersByStatuses(ctx, ReviewerDraining)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestWithTxAtomicity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	errBoom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(ctx context.Context, st Storage) error {
		err := st.CreateReview(ctx, testReview(
			"rev-tx", testTime(0),
		))
		if err != nil {
			return err
		}

		err = st.AppendAudit(ctx, AuditEvent{
			ReviewID:  "rev-tx",
			EventType: EventReviewCreated,
			NewStatus: "pending",
			CreatedAt: testTime(0),
		})
		if err != nil {
			return err
		}

		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = s.GetReview(ctx, "rev-tx")
	require.ErrorIs(t, err, ErrReviewNotFound)

	audit, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Empty(t, audit)
}

func TestTimestampFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	require.Equal(t, "2026-03-01T12:00:00.123Z", FormatTime(at))

	parsed, err := ParseTime("2026-03-01T12:00:00.123Z")
	require.NoError(t, err)
	require.Equal(t, at, parsed)

	// Timestamps without milliseconds still parse.
	legacy, err := ParseTime("2026-03-01T12:00:00Z")
	require.NoError(t, err)
	require.Equal(t, at.Truncate(time.Second), legacy)
}
