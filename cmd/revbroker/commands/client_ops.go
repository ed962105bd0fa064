package commands

import (
	"context"
	"net/url"
	"strconv"

	"github.com/roasbeef/revbroker/internal/store"
)

// ListReviews returns the filtered review list document.
func (c *Client) ListReviews(ctx context.Context, status, category,
	project string, wait bool) (map[string]any, error) {

	if c.mode == ModeHTTP {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if category != "" {
			q.Set("category", category)
		}
		if project != "" {
			q.Set("project", project)
		}
		if wait {
			q.Set("wait", "true")
		}

		return c.get(ctx, "/api/v1/reviews", q)
	}

	if wait {
		return nil, errDaemonRequired("list --wait")
	}

	var projects []string
	if project != "" {
		projects = []string{project}
	}
	reviews, err := c.store.ListReviews(ctx, store.ReviewFilter{
		Status:   status,
		Category: category,
		Projects: projects,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(reviews))
	for _, rev := range reviews {
		docs = append(docs, summaryDoc(rev))
	}

	return map[string]any{"reviews": docs, "count": len(docs)}, nil
}

// ReviewStatus returns the status document for one review.
func (c *Client) ReviewStatus(ctx context.Context, id string,
	wait bool) (map[string]any, error) {

	if c.mode == ModeHTTP {
		q := url.Values{}
		if wait {
			q.Set("wait", "true")
		}

		return c.get(ctx, "/api/v1/reviews/"+url.PathEscape(id), q)
	}

	if wait {
		return nil, errDaemonRequired("show --wait")
	}

	rev, err := c.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	return statusDoc(rev), nil
}

// Proposal returns the full proposal document including the raw diff.
func (c *Client) Proposal(ctx context.Context,
	id string) (map[string]any, error) {

	if c.mode == ModeHTTP {
		return c.get(ctx,
			"/api/v1/reviews/"+url.PathEscape(id)+"/proposal", nil)
	}

	rev, err := c.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	return proposalDoc(rev), nil
}

// Discussion returns the message thread for one review.
func (c *Client) Discussion(ctx context.Context, id string,
	round int) (map[string]any, error) {

	if c.mode == ModeHTTP {
		q := url.Values{}
		if round > 0 {
			q.Set("round", strconv.Itoa(round))
		}

		return c.get(ctx,
			"/api/v1/reviews/"+url.PathEscape(id)+"/discussion", q)
	}

	// The review must exist even when the thread is empty.
	if _, err := c.store.GetReview(ctx, id); err != nil {
		return nil, err
	}

	messages, err := c.store.ListMessages(ctx, id, round)
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		docs = append(docs, messageDoc(m))
	}

	return map[string]any{
		"review_id": id,
		"messages":  docs,
		"count":     len(docs),
	}, nil
}

// Timeline returns the per-review audit trail with review context.
func (c *Client) Timeline(ctx context.Context,
	id string) (map[string]any, error) {

	if c.mode == ModeHTTP {
		return c.get(ctx,
			"/api/v1/reviews/"+url.PathEscape(id)+"/timeline", nil)
	}

	rev, err := c.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := c.store.ListAuditByReview(ctx, id)
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		docs = append(docs, auditDoc(ev))
	}

	return map[string]any{
		"review_id":      id,
		"intent":         rev.Intent,
		"current_status": rev.Status,
		"category":       rev.Category,
		"events":         docs,
		"event_count":    len(docs),
	}, nil
}

// Audit returns the audit log, optionally scoped to one review.
func (c *Client) Audit(ctx context.Context,
	reviewID string) (map[string]any, error) {

	if c.mode == ModeHTTP {
		q := url.Values{}
		if reviewID != "" {
			q.Set("review_id", reviewID)
		}

		return c.get(ctx, "/api/v1/audit", q)
	}

	var (
		events []store.AuditEvent
		err    error
	)
	if reviewID != "" {
		events, err = c.store.ListAuditByReview(ctx, reviewID)
	} else {
		events, err = c.store.ListAudit(ctx)
	}
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		docs = append(docs, auditDoc(ev))
	}

	return map[string]any{"events": docs, "count": len(docs)}, nil
}

// Feed returns the activity feed document.
func (c *Client) Feed(ctx context.Context, status, category,
	project string) (map[string]any, error) {

	if c.mode == ModeHTTP {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if category != "" {
			q.Set("category", category)
		}
		if project != "" {
			q.Set("project", project)
		}

		return c.get(ctx, "/api/v1/feed", q)
	}

	var projects []string
	if project != "" {
		projects = []string{project}
	}
	items, err := c.store.ActivityFeed(ctx, store.ReviewFilter{
		Status:   status,
		Category: category,
		Projects: projects,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		docs = append(docs, feedItemDoc(item))
	}

	return map[string]any{"reviews": docs, "count": len(docs)}, nil
}

// Stats returns the aggregate counters document.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	if c.mode == ModeHTTP {
		return c.get(ctx, "/api/v1/stats", nil)
	}

	stats, err := c.store.GetReviewStats(ctx)
	if err != nil {
		return nil, err
	}

	return statsDoc(stats), nil
}

// Reviewers returns the reviewer pool listing.
func (c *Client) Reviewers(ctx context.Context) (map[string]any, error) {
	if c.mode == ModeHTTP {
		return c.get(ctx, "/api/v1/reviewers", nil)
	}

	reviewers, err := c.store.ListReviewers(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(reviewers))
	for _, rw := range reviewers {
		docs = append(docs, reviewerDoc(rw))
	}

	return map[string]any{"reviewers": docs}, nil
}

// CreateReview submits a new proposal, or a revision when the body carries
// review_id. Daemon only.
func (c *Client) CreateReview(ctx context.Context,
	body map[string]any) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("create")
	}

	return c.post(ctx, "/api/v1/reviews", body)
}

// ClaimReview claims a pending review for a reviewer. Daemon only.
func (c *Client) ClaimReview(ctx context.Context, id,
	reviewerID string) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("claim")
	}

	return c.post(ctx, "/api/v1/reviews/"+url.PathEscape(id)+"/claim",
		map[string]any{"reviewer_id": reviewerID})
}

// SubmitVerdict submits a verdict on a claimed review. Daemon only.
func (c *Client) SubmitVerdict(ctx context.Context, id string,
	body map[string]any) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("verdict")
	}

	return c.post(ctx, "/api/v1/reviews/"+url.PathEscape(id)+"/verdict",
		body)
}

// CounterPatch accepts or rejects a pending counter-patch. Daemon only.
func (c *Client) CounterPatch(ctx context.Context, id string,
	accept bool) (map[string]any, error) {

	if c.mode != ModeHTTP {
		op := "counter reject"
		if accept {
			op = "counter accept"
		}
		return nil, errDaemonRequired(op)
	}

	action := "reject"
	if accept {
		action = "accept"
	}

	return c.post(ctx,
		"/api/v1/reviews/"+url.PathEscape(id)+"/counter/"+action,
		map[string]any{})
}

// AddMessage appends a discussion message. Daemon only.
func (c *Client) AddMessage(ctx context.Context, id string,
	body map[string]any) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("msg")
	}

	return c.post(ctx,
		"/api/v1/reviews/"+url.PathEscape(id)+"/discussion", body)
}

// CloseReview closes a review. Daemon only.
func (c *Client) CloseReview(ctx context.Context, id,
	closerRole string) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("close")
	}

	return c.post(ctx, "/api/v1/reviews/"+url.PathEscape(id)+"/close",
		map[string]any{"closer_role": closerRole})
}

// SpawnReviewer starts a new reviewer worker. Daemon only.
func (c *Client) SpawnReviewer(ctx context.Context,
	project string) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("spawn")
	}

	body := map[string]any{}
	if project != "" {
		body["project"] = project
	}

	return c.post(ctx, "/api/v1/reviewers", body)
}

// KillReviewer drains and terminates a reviewer worker. Daemon only.
func (c *Client) KillReviewer(ctx context.Context,
	id string) (map[string]any, error) {

	if c.mode != ModeHTTP {
		return nil, errDaemonRequired("kill")
	}

	return c.post(ctx,
		"/api/v1/reviewers/"+url.PathEscape(id)+"/kill",
		map[string]any{})
}
