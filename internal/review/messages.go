package review

import (
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/revbroker/internal/baselib/actor"
	"github.com/roasbeef/revbroker/internal/diff"
	"github.com/roasbeef/revbroker/internal/store"
)

// BrokerRequest is the union type for all broker service requests.
type BrokerRequest interface {
	actor.Message
	isBrokerRequest()
}

// BrokerResponse is the union type for all broker service responses.
type BrokerResponse interface {
	isBrokerResponse()
}

// Ensure all request types implement BrokerRequest.
func (CreateReviewMsg) isBrokerRequest()       {}
func (ListReviewsMsg) isBrokerRequest()        {}
func (ClaimReviewMsg) isBrokerRequest()        {}
func (SubmitVerdictMsg) isBrokerRequest()      {}
func (AcceptCounterPatchMsg) isBrokerRequest() {}
func (RejectCounterPatchMsg) isBrokerRequest() {}
func (AddMessageMsg) isBrokerRequest()         {}
func (GetDiscussionMsg) isBrokerRequest()      {}
func (CloseReviewMsg) isBrokerRequest()        {}
func (GetReviewStatusMsg) isBrokerRequest()    {}
func (GetProposalMsg) isBrokerRequest()        {}
func (ActivityFeedMsg) isBrokerRequest()       {}
func (TimelineMsg) isBrokerRequest()           {}
func (AuditLogMsg) isBrokerRequest()           {}
func (StatsMsg) isBrokerRequest()              {}
func (SpawnReviewerMsg) isBrokerRequest()      {}
func (KillReviewerMsg) isBrokerRequest()       {}
func (ListReviewersMsg) isBrokerRequest()      {}
func (ReclaimReviewMsg) isBrokerRequest()      {}
func (ReaperTickMsg) isBrokerRequest()         {}
func (RecoverMsg) isBrokerRequest()            {}

// Ensure all response types implement BrokerResponse.
func (CreateReviewResp) isBrokerResponse()       {}
func (ListReviewsResp) isBrokerResponse()        {}
func (ClaimReviewResp) isBrokerResponse()        {}
func (SubmitVerdictResp) isBrokerResponse()      {}
func (AcceptCounterPatchResp) isBrokerResponse() {}
func (RejectCounterPatchResp) isBrokerResponse() {}
func (AddMessageResp) isBrokerResponse()         {}
func (GetDiscussionResp) isBrokerResponse()      {}
func (CloseReviewResp) isBrokerResponse()        {}
func (GetReviewStatusResp) isBrokerResponse()    {}
func (GetProposalResp) isBrokerResponse()        {}
func (ActivityFeedResp) isBrokerResponse()       {}
func (TimelineResp) isBrokerResponse()           {}
func (AuditLogResp) isBrokerResponse()           {}
func (StatsResp) isBrokerResponse()              {}
func (SpawnReviewerResp) isBrokerResponse()      {}
func (KillReviewerResp) isBrokerResponse()       {}
func (ListReviewersResp) isBrokerResponse()      {}
func (ReclaimReviewResp) isBrokerResponse()      {}
func (ReaperTickResp) isBrokerResponse()         {}
func (RecoverResp) isBrokerResponse()            {}

// =============================================================================
// Request messages
// =============================================================================

// CreateReviewMsg submits a proposal for review. When ReviewID names an
// existing review in changes_requested, the call revises it instead of
// creating a new row.
type CreateReviewMsg struct {
	actor.BaseMessage

	ReviewID           string
	Intent             string
	AgentType          string
	AgentRole          string
	Phase              string
	Plan               string
	Task               string
	Project            string
	Description        string
	Diff               string
	Category           string
	SkipDiffValidation bool
}

// MessageType implements actor.Message.
func (CreateReviewMsg) MessageType() string { return "CreateReviewMsg" }

// ListReviewsMsg requests the review queue. Wait is validated here but the
// long-poll itself happens in the transport binding.
type ListReviewsMsg struct {
	actor.BaseMessage

	Status   string
	Category string
	Project  string
	Projects []string
	Wait     bool
}

// MessageType implements actor.Message.
func (ListReviewsMsg) MessageType() string { return "ListReviewsMsg" }

// ClaimReviewMsg claims a pending review for a reviewer.
type ClaimReviewMsg struct {
	actor.BaseMessage

	ReviewID   string
	ReviewerID string
}

// MessageType implements actor.Message.
func (ClaimReviewMsg) MessageType() string { return "ClaimReviewMsg" }

// SubmitVerdictMsg records a reviewer's judgment. ClaimGeneration is the
// fencing token echoed back from the claim; None means the caller did not
// supply one.
type SubmitVerdictMsg struct {
	actor.BaseMessage

	ReviewID        string
	Verdict         string
	Reason          string
	ReviewerID      string
	ClaimGeneration fn.Option[int]
	CounterPatch    string
}

// MessageType implements actor.Message.
func (SubmitVerdictMsg) MessageType() string { return "SubmitVerdictMsg" }

// AcceptCounterPatchMsg promotes a pending counter-patch into the
// proposal's diff.
type AcceptCounterPatchMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (AcceptCounterPatchMsg) MessageType() string {
	return "AcceptCounterPatchMsg"
}

// RejectCounterPatchMsg discards a pending counter-patch.
type RejectCounterPatchMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (RejectCounterPatchMsg) MessageType() string {
	return "RejectCounterPatchMsg"
}

// AddMessageMsg appends a discussion message to a review thread.
type AddMessageMsg struct {
	actor.BaseMessage

	ReviewID   string
	SenderRole string
	Body       string
	Metadata   string
}

// MessageType implements actor.Message.
func (AddMessageMsg) MessageType() string { return "AddMessageMsg" }

// GetDiscussionMsg fetches a review's message thread. Round zero means all
// rounds.
type GetDiscussionMsg struct {
	actor.BaseMessage

	ReviewID string
	Round    int
}

// MessageType implements actor.Message.
func (GetDiscussionMsg) MessageType() string { return "GetDiscussionMsg" }

// CloseReviewMsg closes a review after a terminal verdict.
type CloseReviewMsg struct {
	actor.BaseMessage

	ReviewID   string
	CloserRole string
}

// MessageType implements actor.Message.
func (CloseReviewMsg) MessageType() string { return "CloseReviewMsg" }

// GetReviewStatusMsg fetches a single review snapshot.
type GetReviewStatusMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (GetReviewStatusMsg) MessageType() string { return "GetReviewStatusMsg" }

// GetProposalMsg fetches the full proposal including the raw diff.
type GetProposalMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (GetProposalMsg) MessageType() string { return "GetProposalMsg" }

// ActivityFeedMsg requests the most-recently-updated review digest.
type ActivityFeedMsg struct {
	actor.BaseMessage

	Status   string
	Category string
	Project  string
}

// MessageType implements actor.Message.
func (ActivityFeedMsg) MessageType() string { return "ActivityFeedMsg" }

// TimelineMsg requests a review's audit history.
type TimelineMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (TimelineMsg) MessageType() string { return "TimelineMsg" }

// AuditLogMsg requests audit events, globally or for one review.
type AuditLogMsg struct {
	actor.BaseMessage

	ReviewID string
}

// MessageType implements actor.Message.
func (AuditLogMsg) MessageType() string { return "AuditLogMsg" }

// StatsMsg requests aggregate review statistics.
type StatsMsg struct {
	actor.BaseMessage
}

// MessageType implements actor.Message.
func (StatsMsg) MessageType() string { return "StatsMsg" }

// SpawnReviewerMsg manually spawns one pool worker.
type SpawnReviewerMsg struct {
	actor.BaseMessage

	Project string
}

// MessageType implements actor.Message.
func (SpawnReviewerMsg) MessageType() string { return "SpawnReviewerMsg" }

// KillReviewerMsg drains a pool worker, terminating it once its open
// reviews settle.
type KillReviewerMsg struct {
	actor.BaseMessage

	ReviewerID string
}

// MessageType implements actor.Message.
func (KillReviewerMsg) MessageType() string { return "KillReviewerMsg" }

// ListReviewersMsg lists all reviewer rows.
type ListReviewersMsg struct {
	actor.BaseMessage
}

// MessageType implements actor.Message.
func (ListReviewersMsg) MessageType() string { return "ListReviewersMsg" }

// ReclaimReviewMsg forces a claimed review back to pending. Used by the
// claim-timeout and dead-process reapers and by startup recovery.
type ReclaimReviewMsg struct {
	actor.BaseMessage

	ReviewID string
	Reason   string
}

// MessageType implements actor.Message.
func (ReclaimReviewMsg) MessageType() string { return "ReclaimReviewMsg" }

// ReaperTickMsg runs one background maintenance pass: reactive scaling,
// idle and TTL drains, claim timeouts, and dead process cleanup.
type ReaperTickMsg struct {
	actor.BaseMessage
}

// MessageType implements actor.Message.
func (ReaperTickMsg) MessageType() string { return "ReaperTickMsg" }

// RecoverMsg runs the startup sweep: terminate reviewers from prior
// sessions, reclaim orphaned claims, then one scaling pass.
type RecoverMsg struct {
	actor.BaseMessage
}

// MessageType implements actor.Message.
func (RecoverMsg) MessageType() string { return "RecoverMsg" }

// =============================================================================
// Response messages
// =============================================================================

// CreateReviewResp is the response for a CreateReviewMsg.
type CreateReviewResp struct {
	ReviewID string
	Status   string
	Revised  bool
	Error    error
}

// ListReviewsResp is the response for a ListReviewsMsg.
type ListReviewsResp struct {
	Reviews []store.Review
	Error   error
}

// ClaimReviewResp is the response for a ClaimReviewMsg. On auto-reject the
// claim does not happen and ValidationError explains why.
type ClaimReviewResp struct {
	ReviewID        string
	Status          string
	ClaimedBy       string
	ClaimGeneration int
	Intent          string
	Description     string
	Category        string
	HasDiff         bool
	AffectedFiles   []diff.AffectedFile
	AutoRejected    bool
	ValidationError string
	Error           error
}

// SubmitVerdictResp is the response for a SubmitVerdictMsg.
type SubmitVerdictResp struct {
	ReviewID        string
	Status          string
	VerdictReason   string
	HasCounterPatch bool
	Error           error
}

// AcceptCounterPatchResp is the response for an AcceptCounterPatchMsg.
type AcceptCounterPatchResp struct {
	ReviewID           string
	CounterPatchStatus string
	Error              error
}

// RejectCounterPatchResp is the response for a RejectCounterPatchMsg.
type RejectCounterPatchResp struct {
	ReviewID           string
	CounterPatchStatus string
	Error              error
}

// AddMessageResp is the response for an AddMessageMsg. Requeued is set
// when a proposer follow-up flipped the review back to pending.
type AddMessageResp struct {
	MessageID int64
	ReviewID  string
	Round     int
	Requeued  bool
	Error     error
}

// GetDiscussionResp is the response for a GetDiscussionMsg.
type GetDiscussionResp struct {
	ReviewID string
	Messages []store.Message
	Error    error
}

// CloseReviewResp is the response for a CloseReviewMsg.
type CloseReviewResp struct {
	ReviewID string
	Status   string
	Error    error
}

// GetReviewStatusResp is the response for a GetReviewStatusMsg.
type GetReviewStatusResp struct {
	Review store.Review
	Error  error
}

// GetProposalResp is the response for a GetProposalMsg.
type GetProposalResp struct {
	Review store.Review
	Error  error
}

// ActivityFeedResp is the response for an ActivityFeedMsg.
type ActivityFeedResp struct {
	Items []store.FeedItem
	Error error
}

// TimelineResp is the response for a TimelineMsg.
type TimelineResp struct {
	ReviewID      string
	Intent        string
	CurrentStatus string
	Category      string
	Events        []store.AuditEvent
	Error         error
}

// AuditLogResp is the response for an AuditLogMsg.
type AuditLogResp struct {
	Events []store.AuditEvent
	Error  error
}

// StatsResp is the response for a StatsMsg.
type StatsResp struct {
	Stats store.ReviewStats
	Error error
}

// SpawnReviewerResp is the response for a SpawnReviewerMsg.
type SpawnReviewerResp struct {
	ReviewerID  string
	DisplayName string
	PID         int
	Status      string
	Error       error
}

// KillReviewerResp is the response for a KillReviewerMsg. Terminated is
// true when the worker had no open reviews and was stopped immediately.
type KillReviewerResp struct {
	ReviewerID string
	Status     string
	Terminated bool
	Error      error
}

// ListReviewersResp is the response for a ListReviewersMsg.
type ListReviewersResp struct {
	Reviewers []store.Reviewer
	Error     error
}

// ReclaimReviewResp is the response for a ReclaimReviewMsg.
type ReclaimReviewResp struct {
	ReviewID string
	Status   string
	Error    error
}

// ReaperTickResp is the response for a ReaperTickMsg. Individual reaper
// failures are logged, not returned; Error reports only a wholesale
// failure to run the pass.
type ReaperTickResp struct {
	Error error
}

// RecoverResp is the response for a RecoverMsg.
type RecoverResp struct {
	StaleReviewers  int
	ReclaimedClaims int
	Error           error
}
