package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// priorityRank mirrors the CASE expression used by the list queries.
func priorityRank(priority string) int {
	switch priority {
	case "critical":
		return 0
	case "low":
		return 2
	default:
		return 1
	}
}

// TestListReviewsOrderingProperty feeds randomly generated reviews into a
// real database and checks the queue ordering invariant on every pass.
func TestListReviewsOrderingProperty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var inserted int

	// PROPERTY: for any set of reviews, ListReviews orders critical
	// before normal before low, with ties broken by created_at then id.
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		for i := 0; i < n; i++ {
			inserted++
			offset := rapid.IntRange(0, 500).Draw(rt, "offset")
			rev := testReview(
				fmt.Sprintf("rev-%06d", inserted),
				testTime(offset),
			)
			rev.Priority = rapid.SampledFrom([]string{
				"critical", "normal", "low",
			}).Draw(rt, "priority")
			require.NoError(rt, s.CreateReview(ctx, rev))
		}

		reviews, err := s.ListReviews(ctx, ReviewFilter{})
		require.NoError(rt, err)

		for i := 1; i < len(reviews); i++ {
			prev, cur := reviews[i-1], reviews[i]
			prevRank := priorityRank(prev.Priority)
			curRank := priorityRank(cur.Priority)

			if prevRank > curRank {
				rt.Fatalf("review %s (%s) listed before "+
					"%s (%s)", prev.ID, prev.Priority,
					cur.ID, cur.Priority)
			}
			if prevRank < curRank {
				continue
			}

			if prev.CreatedAt.After(cur.CreatedAt) {
				rt.Fatalf("review %s created %v listed "+
					"before %s created %v", prev.ID,
					prev.CreatedAt, cur.ID, cur.CreatedAt)
			}
			if prev.CreatedAt.Equal(cur.CreatedAt) &&
				prev.ID >= cur.ID {

				rt.Fatalf("tie between %s and %s not broken "+
					"by id", prev.ID, cur.ID)
			}
		}
	})
}

// TestMessageOrderingProperty checks that the discussion thread is always
// returned oldest first and that LatestMessage agrees with its tail.
func TestMessageOrderingProperty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReview(
		ctx, testReview("rev-msgs", testTime(0)),
	))

	// PROPERTY: ListMessages is nondecreasing in created_at with id as
	// the tiebreak, and LatestMessage returns the final element.
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "n")
		for i := 0; i < n; i++ {
			role := rapid.SampledFrom([]string{
				"proposer", "reviewer",
			}).Draw(rt, "role")
			offset := rapid.IntRange(0, 500).Draw(rt, "offset")

			_, err := s.CreateMessage(ctx, Message{
				ReviewID:   "rev-msgs",
				SenderRole: role,
				Round:      rapid.IntRange(1, 4).Draw(rt, "round"),
				Body: rapid.StringMatching(
					`[a-z ]{1,40}`,
				).Draw(rt, "body"),
				CreatedAt: testTime(offset),
			})
			require.NoError(rt, err)
		}

		msgs, err := s.ListMessages(ctx, "rev-msgs", 0)
		require.NoError(rt, err)

		for i := 1; i < len(msgs); i++ {
			prev, cur := msgs[i-1], msgs[i]
			if prev.CreatedAt.After(cur.CreatedAt) {
				rt.Fatalf("message %d listed before older "+
					"message %d", prev.ID, cur.ID)
			}
			if prev.CreatedAt.Equal(cur.CreatedAt) &&
				prev.ID >= cur.ID {

				rt.Fatalf("tie between messages %d and %d "+
					"not broken by id", prev.ID, cur.ID)
			}
		}

		latest, err := s.LatestMessage(ctx, "rev-msgs")
		require.NoError(rt, err)
		require.True(rt, latest.IsSome())
		latest.WhenSome(func(msg Message) {
			require.Equal(rt, msgs[len(msgs)-1].ID, msg.ID)
		})
	})
}

// TestTimestampRoundTripProperty checks the wire format against arbitrary
// instants.
func TestTimestampRoundTripProperty(t *testing.T) {
	t.Parallel()

	// PROPERTY: any UTC instant at millisecond precision survives a
	// format/parse round trip unchanged.
	rapid.Check(t, func(rt *rapid.T) {
		unixMs := rapid.Int64Range(
			0, 4102444800000,
		).Draw(rt, "unix_ms")
		at := time.UnixMilli(unixMs).UTC()

		parsed, err := ParseTime(FormatTime(at))
		require.NoError(rt, err)
		require.True(rt, at.Equal(parsed),
			"round trip changed %v to %v", at, parsed)
	})
}
