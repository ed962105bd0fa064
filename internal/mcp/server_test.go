package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/revbroker/internal/db"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/pool"
	"github.com/roasbeef/revbroker/internal/review"
	"github.com/roasbeef/revbroker/internal/store"
	"github.com/stretchr/testify/require"
)

// testServer wires a broker service over a fresh database, with the pool
// disabled and a short long-poll timeout.
type testServer struct {
	srv *Server
	svc *review.Service
	bus *notify.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "broker.sqlite3")
	database, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})
	require.NoError(t, database.MigrateUp(context.Background()))

	st := store.NewSQLStore(database)
	bus := notify.NewBus()
	mgr := pool.NewManager(pool.ManagerConfig{
		Store:        st,
		SessionToken: "feedcafe",
	})

	seq := 0
	svc := review.NewService(review.ServiceConfig{
		Store: st,
		Bus:   bus,
		Pool:  mgr,
		NewID: func() string {
			seq++
			return fmt.Sprintf("rev-%d", seq)
		},
	})

	srv := NewServerWithConfig(Config{
		Service:     svc,
		Bus:         bus,
		WaitTimeout: 2 * time.Second,
	})

	return &testServer{srv: srv, svc: svc, bus: bus}
}

func (ts *testServer) createReview(t *testing.T, intent string) string {
	t.Helper()

	res, out, err := ts.srv.handleCreateReview(
		context.Background(), nil, CreateReviewArgs{
			Intent:    intent,
			AgentType: "gsd-executor",
			AgentRole: "proposer",
			Phase:     "1",
		},
	)
	require.NoError(t, err)
	require.Nil(t, res)
	require.NotEmpty(t, out.ReviewID)

	return out.ReviewID
}

// errorDocument unpacks the in-band error document from a tool result.
func errorDocument(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()

	require.NotNil(t, res)
	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "unexpected content type %T", res.Content[0])

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &doc))
	require.Contains(t, doc, "error")

	return doc
}

// TestNewServer verifies that the MCP server can be created without
// panicking. This tests that all tool schemas are valid.
func TestNewServer(t *testing.T) {
	ts := newTestServer(t)
	require.NotNil(t, ts.srv)
}

// TestCreateAndStatusRoundTrip drives a proposal through the create and
// status tools and checks the caller-facing field mapping.
func TestCreateAndStatusRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	res, created, err := ts.srv.handleCreateReview(ctx, nil, CreateReviewArgs{
		Intent:    "add retry logic",
		AgentType: "gsd-executor",
		AgentRole: "proposer",
		Phase:     "2",
		Project:   "alpha",
	})
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, "rev-1", created.ReviewID)
	require.Equal(t, "pending", created.Status)
	require.False(t, created.Revised)

	res, status, err := ts.srv.handleGetReviewStatus(ctx, nil,
		GetReviewStatusArgs{ReviewID: created.ReviewID})
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, "rev-1", status.ID)
	require.Equal(t, "pending", status.Status)
	require.Equal(t, "add retry logic", status.Intent)
	require.Equal(t, "alpha", status.Project)
	require.Equal(t, "normal", status.Priority)
	require.Equal(t, 1, status.CurrentRound)
	require.False(t, status.HasDiff)
	require.Empty(t, status.ClaimedAt)

	// Timestamps use millisecond precision with a Z suffix.
	_, err = time.Parse(timeLayout, status.CreatedAt)
	require.NoError(t, err)
}

// TestClaimAndVerdictThroughTools exercises the fencing token mapping from
// the wire pointer to the service option.
func TestClaimAndVerdictThroughTools(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	id := ts.createReview(t, "rename config key")

	res, claim, err := ts.srv.handleClaimReview(ctx, nil, ClaimReviewArgs{
		ReviewID:   id,
		ReviewerID: "alice",
	})
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, "claimed", claim.Status)
	require.Equal(t, "alice", claim.ClaimedBy)
	require.Equal(t, 1, claim.ClaimGeneration)
	require.False(t, claim.AutoRejected)

	// A stale fencing token is refused with a stale_claim document.
	stale := 0
	res, _, err = ts.srv.handleSubmitVerdict(ctx, nil, SubmitVerdictArgs{
		ReviewID:        id,
		Verdict:         "approved",
		ReviewerID:      "alice",
		ClaimGeneration: &stale,
	})
	require.NoError(t, err)
	doc := errorDocument(t, res)
	require.Contains(t, doc["error"], "stale")

	gen := claim.ClaimGeneration
	res, verdict, err := ts.srv.handleSubmitVerdict(ctx, nil, SubmitVerdictArgs{
		ReviewID:        id,
		Verdict:         "approved",
		Reason:          "looks good",
		ReviewerID:      "alice",
		ClaimGeneration: &gen,
	})
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, "approved", verdict.Status)
	require.Equal(t, "looks good", verdict.VerdictReason)
	require.False(t, verdict.HasCounterPatch)
}

// TestErrorDocumentShape verifies refusals surface as in-band error
// documents rather than opaque strings.
func TestErrorDocumentShape(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	res, _, err := ts.srv.handleGetReviewStatus(ctx, nil,
		GetReviewStatusArgs{ReviewID: "rev-missing"})
	require.NoError(t, err)
	doc := errorDocument(t, res)
	require.Contains(t, doc["error"], "rev-missing")

	// wait=true is only valid for the pending queue.
	res, _, err = ts.srv.handleListReviews(ctx, nil, ListReviewsArgs{
		Status: "claimed",
		Wait:   true,
	})
	require.NoError(t, err)
	doc = errorDocument(t, res)
	require.Equal(t, "wait=true requires status=pending", doc["error"])
}

// TestListReviewsLongPoll parks a waiter on the empty queue and checks that
// a create wakes it with the new review.
func TestListReviewsLongPoll(t *testing.T) {
	ts := newTestServer(t)

	type pollResult struct {
		out ListReviewsResult
		err error
	}
	done := make(chan pollResult, 1)

	go func() {
		_, out, err := ts.srv.handleListReviews(
			context.Background(), nil, ListReviewsArgs{
				Status: "pending",
				Wait:   true,
			},
		)
		done <- pollResult{out: out, err: err}
	}()

	// Give the waiter a moment to park before creating work.
	time.Sleep(50 * time.Millisecond)
	id := ts.createReview(t, "wake the queue")

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Len(t, got.out.Reviews, 1)
		require.Equal(t, id, got.out.Reviews[0].ID)

	case <-time.After(5 * time.Second):
		t.Fatal("long-poll never woke")
	}
}

// TestGetProposalAffectedFiles checks that stored affected files decode
// into the proposal document.
func TestGetProposalAffectedFiles(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	diffText := "diff --git a/main.go b/main.go\n" +
		"index 1111111..2222222 100644\n" +
		"--- a/main.go\n" +
		"+++ b/main.go\n" +
		"@@ -1,3 +1,4 @@\n" +
		" package main\n" +
		"+\n" +
		" func main() {\n" +
		" }\n"

	res, created, err := ts.srv.handleCreateReview(ctx, nil, CreateReviewArgs{
		Intent:             "touch main",
		AgentType:          "gsd-executor",
		AgentRole:          "proposer",
		Phase:              "1",
		Diff:               diffText,
		SkipDiffValidation: true,
	})
	require.NoError(t, err)
	require.Nil(t, res)

	res, proposal, err := ts.srv.handleGetProposal(ctx, nil,
		GetProposalArgs{ReviewID: created.ReviewID})
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, diffText, proposal.Diff)
	require.Len(t, proposal.AffectedFiles, 1)
	require.Equal(t, "main.go", proposal.AffectedFiles[0].Path)
	require.Empty(t, proposal.CounterPatch)
}
