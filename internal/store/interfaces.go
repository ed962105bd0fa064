package store

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrReviewNotFound is returned when a referenced review row does
	// not exist.
	ErrReviewNotFound = errors.New("review not found")

	// ErrReviewerNotFound is returned when a referenced reviewer row
	// does not exist.
	ErrReviewerNotFound = errors.New("reviewer not found")
)

// Audit event types recorded in the append-only audit_events table. Pool
// level events (reviewer_*) carry no review id.
const (
	EventReviewCreated        = "review_created"
	EventReviewRevised        = "review_revised"
	EventReviewClaimed        = "review_claimed"
	EventReviewAutoRejected   = "review_auto_rejected"
	EventVerdictSubmitted     = "verdict_submitted"
	EventVerdictComment       = "verdict_comment"
	EventReviewClosed         = "review_closed"
	EventCounterPatchAccepted = "counter_patch_accepted"
	EventCounterPatchRejected = "counter_patch_rejected"
	EventMessageSent          = "message_sent"
	EventReviewerSpawned      = "reviewer_spawned"
	EventReviewerDrainStart   = "reviewer_drain_start"
	EventReviewerTerminated   = "reviewer_terminated"
	EventReviewReclaimed      = "review_reclaimed"
	EventReviewDetached       = "review_detached"
)

// Reviewer lifecycle states as persisted in the reviewers table.
const (
	ReviewerActive     = "active"
	ReviewerDraining   = "draining"
	ReviewerTerminated = "terminated"
)

// Review is the persisted unit of work exchanged between a proposer and a
// reviewer. Optional text columns use the empty string for NULL.
type Review struct {
	ID                 string
	Status             string
	Intent             string
	Description        string
	Diff               string
	AffectedFiles      string
	AgentType          string
	AgentRole          string
	Phase              string
	Plan               string
	Task               string
	Project            string
	Priority           string
	Category           string
	CurrentRound       int
	CounterPatch       string

	// CounterPatchAffectedFiles is the JSON-encoded affected file list
	// parsed from the counter patch.
	CounterPatchAffectedFiles string

	CounterPatchStatus string
	ClaimedBy          string
	ClaimGeneration    int
	ClaimedAt          *time.Time
	SkipDiffValidation bool
	VerdictReason      string
	ParentID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is one threaded utterance on a review. Round is bound to the
// review's current_round at insertion time.
type Message struct {
	ID         int64
	ReviewID   string
	SenderRole string
	Round      int
	Body       string
	Metadata   string
	CreatedAt  time.Time
}

// AuditEvent is an append-only record of a state-affecting operation. The
// ReviewID is empty for pool level events.
type AuditEvent struct {
	ID        int64
	ReviewID  string
	EventType string
	Actor     string
	OldStatus string
	NewStatus string
	Metadata  string
	CreatedAt time.Time
}

// Reviewer is the persisted shadow of a spawned worker subprocess.
type Reviewer struct {
	ID           string
	DisplayName  string
	SessionToken string
	Status       string
	PID          int
	SpawnedAt    time.Time
	LastActiveAt time.Time
	TerminatedAt *time.Time

	ReviewsCompleted   int
	Approvals          int
	Rejections         int
	TotalReviewSeconds float64
}

// ReviewFilter narrows review listings. Zero values mean "no constraint".
type ReviewFilter struct {
	Status   string
	Category string
	Projects []string
}

// FeedItem is a review enriched with message digest fields for the
// activity feed.
type FeedItem struct {
	Review

	MessageCount       int
	LastMessageAt      *time.Time
	LastMessagePreview string
}

// ReviewStats bundles the aggregate observability counters. Nil pointers
// mean the aggregate has no data yet.
type ReviewStats struct {
	Total      int
	ByStatus   map[string]int
	ByCategory map[string]int

	ApprovalRatePct          *float64
	AvgTimeToVerdictSeconds  *float64
	AvgReviewDurationSeconds *float64

	// AvgTimeInStateSeconds has a fixed key set; a nil value means the
	// state was never both entered and left.
	AvgTimeInStateSeconds map[string]*float64
}

// ReviewStore provides review row operations.
type ReviewStore interface {
	// CreateReview inserts a new review row.
	CreateReview(ctx context.Context, rev Review) error

	// GetReview retrieves a review by id, returning ErrReviewNotFound
	// if absent.
	GetReview(ctx context.Context, id string) (Review, error)

	// UpdateReview replaces every mutable column of the review row.
	UpdateReview(ctx context.Context, rev Review) error

	// ListReviews returns reviews matching the filter, ordered by
	// priority (critical, normal, low) then created_at ascending.
	ListReviews(ctx context.Context, f ReviewFilter) ([]Review, error)

	// ActivityFeed returns reviews matching the filter ordered most
	// recently updated first, with message digest fields populated.
	ActivityFeed(ctx context.Context, f ReviewFilter) ([]FeedItem, error)

	// ListClaimedBefore returns claimed reviews whose effective claim
	// time is earlier than the cutoff.
	ListClaimedBefore(ctx context.Context,
		cutoff time.Time) ([]Review, error)

	// ListAttachedReviews returns the open reviews attached to the
	// given reviewer. Open means the reviewer may still be engaged:
	// pending (reservation), claimed, in_review or changes_requested.
	ListAttachedReviews(ctx context.Context,
		reviewerID string) ([]Review, error)

	// CountActiveClaims counts reviews the reviewer currently holds a
	// live claim on.
	CountActiveClaims(ctx context.Context,
		reviewerID string) (int, error)

	// ListOrphanedClaims returns claimed reviews whose claimant is not
	// an active or draining reviewer of the current session.
	ListOrphanedClaims(ctx context.Context,
		sessionToken string) ([]Review, error)
}

// MessageStore handles discussion message persistence.
type MessageStore interface {
	// CreateMessage inserts a message and returns it with the assigned
	// id.
	CreateMessage(ctx context.Context, msg Message) (Message, error)

	// ListMessages returns a review's messages in insertion order. A
	// round of zero returns every round.
	ListMessages(ctx context.Context, reviewID string,
		round int) ([]Message, error)

	// LatestMessage returns the most recent message on a review, if
	// any.
	LatestMessage(ctx context.Context,
		reviewID string) (fn.Option[Message], error)
}

// AuditStore appends to and reads the audit trail.
type AuditStore interface {
	// AppendAudit appends one audit event.
	AppendAudit(ctx context.Context, event AuditEvent) error

	// ListAuditByReview returns a review's audit events ordered by id
	// ascending.
	ListAuditByReview(ctx context.Context,
		reviewID string) ([]AuditEvent, error)

	// ListAudit returns the global audit trail ordered by id ascending.
	ListAudit(ctx context.Context) ([]AuditEvent, error)
}

// ReviewerStore persists the worker pool's database shadow.
type ReviewerStore interface {
	// CreateReviewer inserts a reviewer row.
	CreateReviewer(ctx context.Context, rev Reviewer) error

	// GetReviewer retrieves a reviewer by id, returning
	// ErrReviewerNotFound if absent.
	GetReviewer(ctx context.Context, id string) (Reviewer, error)

	// UpdateReviewer replaces every mutable column of the reviewer row.
	UpdateReviewer(ctx context.Context, rev Reviewer) error

	// TouchReviewer sets last_active_at.
	TouchReviewer(ctx context.Context, id string, at time.Time) error

	// ListReviewers returns all reviewer rows, most recently spawned
	// first.
	ListReviewers(ctx context.Context) ([]Reviewer, error)

	// ListReviewersByStatuses returns reviewers in any of the given
	// states.
	ListReviewersByStatuses(ctx context.Context,
		statuses ...string) ([]Reviewer, error)
}

// StatsStore computes the aggregate observability counters.
type StatsStore interface {
	// GetReviewStats computes the full stats document.
	GetReviewStats(ctx context.Context) (ReviewStats, error)
}

// Storage combines all store interfaces for unified access. Mutating
// methods called outside WithTx run in their own write transaction;
// multi-statement mutations must be grouped under WithTx so the audit
// append commits atomically with the row change.
type Storage interface {
	ReviewStore
	MessageStore
	AuditStore
	ReviewerStore
	StatsStore

	// WithTx executes fn within a single write transaction. The Storage
	// passed to fn is bound to that transaction.
	WithTx(ctx context.Context,
		fn func(ctx context.Context, s Storage) error) error

	// WithReadTx executes fn within a read transaction for consistent
	// snapshot reads across multiple queries.
	WithReadTx(ctx context.Context,
		fn func(ctx context.Context, s Storage) error) error
}
