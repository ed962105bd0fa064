package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/roasbeef/revbroker/internal/db"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/pool"
	"github.com/roasbeef/revbroker/internal/review"
	"github.com/roasbeef/revbroker/internal/store"
	"github.com/stretchr/testify/require"
)

// newTestServer wires the web surface over a fresh database with the pool
// disabled and a short long-poll timeout.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
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

	srv, err := NewServer(&Config{
		Addr:        "127.0.0.1:0",
		Service:     svc,
		Bus:         bus,
		WaitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(context.Background()))
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response,
	map[string]any) {

	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	return resp, doc
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	return resp, doc
}

func createTestReview(t *testing.T, base string, intent string) string {
	t.Helper()

	resp, doc := postJSON(t, base+"/api/v1/reviews", map[string]any{
		"intent":     intent,
		"agent_type": "gsd-executor",
		"agent_role": "proposer",
		"phase":      "1",
		"category":   "code_change",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id, _ := doc["review_id"].(string)
	require.NotEmpty(t, id)

	return id
}

// TestHealthz checks the liveness endpoint.
func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, doc := getJSON(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", doc["status"])
}

// TestReviewLifecycleOverHTTP drives create, claim, verdict and close
// through the JSON API.
func TestReviewLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	id := createTestReview(t, ts.URL, "implement auth module")

	resp, claim := postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/claim",
		map[string]any{"reviewer_id": "rev-worker-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "claimed", claim["status"])
	require.Equal(t, float64(1), claim["claim_generation"])

	resp, verdict := postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/verdict",
		map[string]any{
			"verdict":          "approved",
			"reason":           "LGTM",
			"reviewer_id":      "rev-worker-1",
			"claim_generation": 1,
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "approved", verdict["status"])

	resp, closed := postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/close",
		map[string]any{"closer_role": "proposer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "closed", closed["status"])

	// Timeline records the full sequence in order.
	resp, timeline := getJSON(t,
		ts.URL+"/api/v1/reviews/"+id+"/timeline")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events, ok := timeline["events"].([]any)
	require.True(t, ok)
	types := make([]string, 0, len(events))
	for _, raw := range events {
		ev := raw.(map[string]any)
		types = append(types, ev["event_type"].(string))
	}
	require.Equal(t, []string{
		"review_created", "review_claimed", "verdict_submitted",
		"review_closed",
	}, types)
}

// TestErrorDocumentStatusMapping verifies refusal kinds map to HTTP status
// codes while keeping the {"error": ...} document shape.
func TestErrorDocumentStatusMapping(t *testing.T) {
	_, ts := newTestServer(t)

	// Unknown review: 404.
	resp, doc := getJSON(t, ts.URL+"/api/v1/reviews/rev-missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, doc["error"], "rev-missing")

	// wait=true on a non-pending filter: 400.
	resp, doc = getJSON(t,
		ts.URL+"/api/v1/reviews?status=claimed&wait=true")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "wait=true requires status=pending", doc["error"])

	// Close by a reviewer: 403.
	id := createTestReview(t, ts.URL, "forbidden close")
	resp, doc = postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/close",
		map[string]any{"closer_role": "reviewer"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, doc, "error")
}

// TestListReviewsFilters checks status filtering and the count field.
func TestListReviewsFilters(t *testing.T) {
	_, ts := newTestServer(t)

	createTestReview(t, ts.URL, "first")
	id := createTestReview(t, ts.URL, "second")

	resp, _ := postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/claim",
		map[string]any{"reviewer_id": "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, doc := getJSON(t, ts.URL+"/api/v1/reviews?status=pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), doc["count"])

	resp, doc = getJSON(t, ts.URL+"/api/v1/reviews")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), doc["count"])
}

// TestDiscussionRendersMarkdown checks the body_html field carries the
// rendered message body.
func TestDiscussionRendersMarkdown(t *testing.T) {
	_, ts := newTestServer(t)

	id := createTestReview(t, ts.URL, "markdown bodies")

	resp, _ := postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/claim",
		map[string]any{"reviewer_id": "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/api/v1/reviews/"+id+"/discussion",
		map[string]any{
			"sender_role": "reviewer",
			"body":        "looks **mostly** good",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, doc := getJSON(t, ts.URL+"/api/v1/reviews/"+id+"/discussion")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), doc["count"])

	messages := doc["messages"].([]any)
	first := messages[0].(map[string]any)
	require.Equal(t, "looks **mostly** good", first["body"])
	require.Contains(t, first["body_html"], "<strong>mostly</strong>")
}

// TestProposalRoundTrip checks the raw diff survives the HTTP surface.
func TestProposalRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	diffText := "diff --git a/main.go b/main.go\n" +
		"index 1111111..2222222 100644\n" +
		"--- a/main.go\n" +
		"+++ b/main.go\n" +
		"@@ -1,3 +1,4 @@\n" +
		" package main\n" +
		"+\n" +
		" func main() {\n" +
		" }\n"

	resp, created := postJSON(t, ts.URL+"/api/v1/reviews", map[string]any{
		"intent":               "touch main",
		"agent_type":           "gsd-executor",
		"agent_role":           "proposer",
		"phase":                "1",
		"diff":                 diffText,
		"skip_diff_validation": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["review_id"].(string)

	resp, doc := getJSON(t, ts.URL+"/api/v1/reviews/"+id+"/proposal")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, diffText, doc["diff"])

	files := doc["affected_files"].([]any)
	require.Len(t, files, 1)
}

// TestStatsEndpoint checks the aggregate document shape.
func TestStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	createTestReview(t, ts.URL, "stats fodder")

	resp, doc := getJSON(t, ts.URL+"/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), doc["total"])

	byStatus := doc["by_status"].(map[string]any)
	require.Equal(t, float64(1), byStatus["pending"])

	// No verdicts yet: the rate is null, not zero.
	require.Nil(t, doc["approval_rate_pct"])
}
