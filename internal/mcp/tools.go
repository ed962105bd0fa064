package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/revbroker/internal/diff"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/review"
	"github.com/roasbeef/revbroker/internal/store"
)

// timeLayout renders caller-facing timestamps: ISO-8601 with millisecond
// precision and a Z suffix.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// opErrorResult renders an operation refusal as an in-band error document so
// callers get the stable {"error": ...} shape plus any extra fields such as
// retry_after_seconds, instead of an opaque error string.
func opErrorResult(op string, opErr error) (*mcp.CallToolResult, error) {
	doc, err := json.Marshal(review.AsOpError(op, opErr).Document())
	if err != nil {
		return nil, opErr
	}

	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(doc)}},
	}, nil
}

// CreateReviewArgs are the arguments for the create_review tool.
type CreateReviewArgs struct {
	// Intent is a short statement of what the change is trying to do.
	Intent string `json:"intent" jsonschema:"Short statement of what the proposed change does"`

	// AgentType identifies the proposing agent kind.
	AgentType string `json:"agent_type" jsonschema:"Type of the proposing agent, e.g. gsd-executor"`

	// AgentRole is proposer or reviewer.
	AgentRole string `json:"agent_role" jsonschema:"Role of the caller: proposer or reviewer"`

	// Phase is the workflow phase the proposal belongs to.
	Phase string `json:"phase" jsonschema:"Workflow phase the proposal belongs to"`

	Plan        string `json:"plan,omitempty" jsonschema:"Optional plan identifier"`
	Task        string `json:"task,omitempty" jsonschema:"Optional task identifier"`
	Project     string `json:"project,omitempty" jsonschema:"Optional project the proposal belongs to"`
	Description string `json:"description,omitempty" jsonschema:"Optional longer description of the change"`

	// Diff is the proposed unified diff. Validated against the repository
	// unless skip_diff_validation is set.
	Diff string `json:"diff,omitempty" jsonschema:"Proposed change as a unified diff"`

	Category           string `json:"category,omitempty" jsonschema:"Proposal category,default=code_change"`
	SkipDiffValidation bool   `json:"skip_diff_validation,omitempty" jsonschema:"Skip validating that the diff applies cleanly"`

	// ReviewID revises an existing review awaiting changes instead of
	// creating a new one.
	ReviewID string `json:"review_id,omitempty" jsonschema:"Existing review to revise instead of creating a new one"`
}

// CreateReviewResult is the result of the create_review tool.
type CreateReviewResult struct {
	ReviewID string `json:"review_id"`
	Status   string `json:"status"`
	Revised  bool   `json:"revised,omitempty"`
}

func (s *Server) handleCreateReview(ctx context.Context,
	req *mcp.CallToolRequest, args CreateReviewArgs) (*mcp.CallToolResult, CreateReviewResult, error) {

	resp, err := askBroker[review.CreateReviewResp](ctx, s, review.CreateReviewMsg{
		ReviewID:           args.ReviewID,
		Intent:             args.Intent,
		AgentType:          args.AgentType,
		AgentRole:          args.AgentRole,
		Phase:              args.Phase,
		Plan:               args.Plan,
		Task:               args.Task,
		Project:            args.Project,
		Description:        args.Description,
		Diff:               args.Diff,
		Category:           args.Category,
		SkipDiffValidation: args.SkipDiffValidation,
	})
	if err != nil {
		return nil, CreateReviewResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("create_review", resp.Error)
		return res, CreateReviewResult{}, err
	}

	return nil, CreateReviewResult{
		ReviewID: resp.ReviewID,
		Status:   resp.Status,
		Revised:  resp.Revised,
	}, nil
}

// ReviewSummary is the queue-listing projection of a review.
type ReviewSummary struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Intent          string `json:"intent"`
	AgentType       string `json:"agent_type"`
	AgentRole       string `json:"agent_role"`
	Phase           string `json:"phase"`
	Priority        string `json:"priority"`
	Project         string `json:"project,omitempty"`
	Category        string `json:"category"`
	CurrentRound    int    `json:"current_round"`
	ClaimedBy       string `json:"claimed_by,omitempty"`
	ClaimGeneration int    `json:"claim_generation,omitempty"`
	HasDiff         bool   `json:"has_diff"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func reviewSummary(rev store.Review) ReviewSummary {
	return ReviewSummary{
		ID:              rev.ID,
		Status:          rev.Status,
		Intent:          rev.Intent,
		AgentType:       rev.AgentType,
		AgentRole:       rev.AgentRole,
		Phase:           rev.Phase,
		Priority:        rev.Priority,
		Project:         rev.Project,
		Category:        rev.Category,
		CurrentRound:    rev.CurrentRound,
		ClaimedBy:       rev.ClaimedBy,
		ClaimGeneration: rev.ClaimGeneration,
		HasDiff:         rev.Diff != "",
		CreatedAt:       formatTime(rev.CreatedAt),
		UpdatedAt:       formatTime(rev.UpdatedAt),
	}
}

// ListReviewsArgs are the arguments for the list_reviews tool.
type ListReviewsArgs struct {
	Status   string   `json:"status,omitempty" jsonschema:"Filter by review status"`
	Category string   `json:"category,omitempty" jsonschema:"Filter by proposal category"`
	Project  string   `json:"project,omitempty" jsonschema:"Filter by a single project"`
	Projects []string `json:"projects,omitempty" jsonschema:"Filter by any of several projects"`

	// Wait long-polls for pending work. Only valid with status=pending.
	Wait bool `json:"wait,omitempty" jsonschema:"Long-poll until pending work arrives or the timeout elapses"`
}

// ListReviewsResult is the result of the list_reviews tool.
type ListReviewsResult struct {
	Reviews []ReviewSummary `json:"reviews"`
}

func (s *Server) handleListReviews(ctx context.Context,
	req *mcp.CallToolRequest, args ListReviewsArgs) (*mcp.CallToolResult, ListReviewsResult, error) {

	msg := review.ListReviewsMsg{
		Status:   args.Status,
		Category: args.Category,
		Project:  args.Project,
		Projects: args.Projects,
		Wait:     args.Wait,
	}

	// Capture the queue version before the first read so a notification
	// landing between the read and the wait still wakes us.
	since := s.bus.CurrentVersion(notify.QueueTopic)

	resp, err := askBroker[review.ListReviewsResp](ctx, s, msg)
	if err != nil {
		return nil, ListReviewsResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("list_reviews", resp.Error)
		return res, ListReviewsResult{}, err
	}

	if args.Wait && len(resp.Reviews) == 0 {
		woke := s.bus.WaitForChange(
			ctx, notify.QueueTopic, s.waitTimeout, since,
		)
		if woke {
			resp, err = askBroker[review.ListReviewsResp](ctx, s, msg)
			if err != nil {
				return nil, ListReviewsResult{}, err
			}
			if resp.Error != nil {
				res, err := opErrorResult("list_reviews", resp.Error)
				return res, ListReviewsResult{}, err
			}
		} else {
			log.Tracef("list_reviews long-poll timed out")
		}
	}

	reviews := make([]ReviewSummary, 0, len(resp.Reviews))
	for _, rev := range resp.Reviews {
		reviews = append(reviews, reviewSummary(rev))
	}

	return nil, ListReviewsResult{Reviews: reviews}, nil
}

// ClaimReviewArgs are the arguments for the claim_review tool.
type ClaimReviewArgs struct {
	ReviewID   string `json:"review_id" jsonschema:"ID of the review to claim"`
	ReviewerID string `json:"reviewer_id" jsonschema:"Identity of the claiming reviewer"`
}

// ClaimReviewResult is the result of the claim_review tool. On auto-reject
// the claim does not happen and validation_error explains why.
type ClaimReviewResult struct {
	ReviewID        string              `json:"review_id"`
	Status          string              `json:"status"`
	ClaimedBy       string              `json:"claimed_by,omitempty"`
	ClaimGeneration int                 `json:"claim_generation,omitempty"`
	Intent          string              `json:"intent,omitempty"`
	Description     string              `json:"description,omitempty"`
	Category        string              `json:"category,omitempty"`
	HasDiff         bool                `json:"has_diff"`
	AffectedFiles   []diff.AffectedFile `json:"affected_files,omitempty"`
	AutoRejected    bool                `json:"auto_rejected,omitempty"`
	ValidationError string              `json:"validation_error,omitempty"`
}

func (s *Server) handleClaimReview(ctx context.Context,
	req *mcp.CallToolRequest, args ClaimReviewArgs) (*mcp.CallToolResult, ClaimReviewResult, error) {

	resp, err := askBroker[review.ClaimReviewResp](ctx, s, review.ClaimReviewMsg{
		ReviewID:   args.ReviewID,
		ReviewerID: args.ReviewerID,
	})
	if err != nil {
		return nil, ClaimReviewResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("claim_review", resp.Error)
		return res, ClaimReviewResult{}, err
	}

	return nil, ClaimReviewResult{
		ReviewID:        resp.ReviewID,
		Status:          resp.Status,
		ClaimedBy:       resp.ClaimedBy,
		ClaimGeneration: resp.ClaimGeneration,
		Intent:          resp.Intent,
		Description:     resp.Description,
		Category:        resp.Category,
		HasDiff:         resp.HasDiff,
		AffectedFiles:   resp.AffectedFiles,
		AutoRejected:    resp.AutoRejected,
		ValidationError: resp.ValidationError,
	}, nil
}

// SubmitVerdictArgs are the arguments for the submit_verdict tool.
type SubmitVerdictArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review being judged"`

	// Verdict is approved, changes_requested, or comment.
	Verdict string `json:"verdict" jsonschema:"Verdict: approved, changes_requested, or comment"`

	// Reason is required for changes_requested and comment verdicts.
	Reason     string `json:"reason,omitempty" jsonschema:"Explanation of the verdict"`
	ReviewerID string `json:"reviewer_id,omitempty" jsonschema:"Identity of the judging reviewer"`

	// ClaimGeneration fences the verdict against reclaims. Echo back the
	// value returned by claim_review.
	ClaimGeneration *int `json:"claim_generation,omitempty" jsonschema:"Fencing token echoed back from the claim"`

	// CounterPatch proposes an alternative diff alongside a
	// changes_requested verdict.
	CounterPatch string `json:"counter_patch,omitempty" jsonschema:"Alternative diff proposed by the reviewer"`
}

// SubmitVerdictResult is the result of the submit_verdict tool.
type SubmitVerdictResult struct {
	ReviewID        string `json:"review_id"`
	Status          string `json:"status"`
	VerdictReason   string `json:"verdict_reason,omitempty"`
	HasCounterPatch bool   `json:"has_counter_patch,omitempty"`
}

func (s *Server) handleSubmitVerdict(ctx context.Context,
	req *mcp.CallToolRequest, args SubmitVerdictArgs) (*mcp.CallToolResult, SubmitVerdictResult, error) {

	claimGen := fn.None[int]()
	if args.ClaimGeneration != nil {
		claimGen = fn.Some(*args.ClaimGeneration)
	}

	resp, err := askBroker[review.SubmitVerdictResp](ctx, s, review.SubmitVerdictMsg{
		ReviewID:        args.ReviewID,
		Verdict:         args.Verdict,
		Reason:          args.Reason,
		ReviewerID:      args.ReviewerID,
		ClaimGeneration: claimGen,
		CounterPatch:    args.CounterPatch,
	})
	if err != nil {
		return nil, SubmitVerdictResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("submit_verdict", resp.Error)
		return res, SubmitVerdictResult{}, err
	}

	return nil, SubmitVerdictResult{
		ReviewID:        resp.ReviewID,
		Status:          resp.Status,
		VerdictReason:   resp.VerdictReason,
		HasCounterPatch: resp.HasCounterPatch,
	}, nil
}

// CounterPatchArgs are the arguments for the accept_counter_patch and
// reject_counter_patch tools.
type CounterPatchArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review carrying the counter-patch"`
}

// CounterPatchResult is the result of the counter-patch tools.
type CounterPatchResult struct {
	ReviewID           string `json:"review_id"`
	CounterPatchStatus string `json:"counter_patch_status"`
}

func (s *Server) handleAcceptCounterPatch(ctx context.Context,
	req *mcp.CallToolRequest, args CounterPatchArgs) (*mcp.CallToolResult, CounterPatchResult, error) {

	resp, err := askBroker[review.AcceptCounterPatchResp](ctx, s,
		review.AcceptCounterPatchMsg{ReviewID: args.ReviewID})
	if err != nil {
		return nil, CounterPatchResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("accept_counter_patch", resp.Error)
		return res, CounterPatchResult{}, err
	}

	return nil, CounterPatchResult{
		ReviewID:           resp.ReviewID,
		CounterPatchStatus: resp.CounterPatchStatus,
	}, nil
}

func (s *Server) handleRejectCounterPatch(ctx context.Context,
	req *mcp.CallToolRequest, args CounterPatchArgs) (*mcp.CallToolResult, CounterPatchResult, error) {

	resp, err := askBroker[review.RejectCounterPatchResp](ctx, s,
		review.RejectCounterPatchMsg{ReviewID: args.ReviewID})
	if err != nil {
		return nil, CounterPatchResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("reject_counter_patch", resp.Error)
		return res, CounterPatchResult{}, err
	}

	return nil, CounterPatchResult{
		ReviewID:           resp.ReviewID,
		CounterPatchStatus: resp.CounterPatchStatus,
	}, nil
}

// AddMessageArgs are the arguments for the add_message tool.
type AddMessageArgs struct {
	ReviewID   string `json:"review_id" jsonschema:"ID of the review to message"`
	SenderRole string `json:"sender_role" jsonschema:"Role of the sender: proposer or reviewer"`
	Body       string `json:"body" jsonschema:"Message body in markdown format"`
	Metadata   string `json:"metadata,omitempty" jsonschema:"Optional JSON metadata attached to the message"`
}

// AddMessageResult is the result of the add_message tool. requeued is set
// when a proposer follow-up moved the review back to pending.
type AddMessageResult struct {
	MessageID int64  `json:"message_id"`
	ReviewID  string `json:"review_id"`
	Round     int    `json:"round"`
	Requeued  bool   `json:"requeued,omitempty"`
}

func (s *Server) handleAddMessage(ctx context.Context,
	req *mcp.CallToolRequest, args AddMessageArgs) (*mcp.CallToolResult, AddMessageResult, error) {

	resp, err := askBroker[review.AddMessageResp](ctx, s, review.AddMessageMsg{
		ReviewID:   args.ReviewID,
		SenderRole: args.SenderRole,
		Body:       args.Body,
		Metadata:   args.Metadata,
	})
	if err != nil {
		return nil, AddMessageResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("add_message", resp.Error)
		return res, AddMessageResult{}, err
	}

	return nil, AddMessageResult{
		MessageID: resp.MessageID,
		ReviewID:  resp.ReviewID,
		Round:     resp.Round,
		Requeued:  resp.Requeued,
	}, nil
}

// GetDiscussionArgs are the arguments for the get_discussion tool.
type GetDiscussionArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review"`
	Round    int    `json:"round,omitempty" jsonschema:"Restrict to one discussion round; zero means all rounds"`
}

// DiscussionMessage is one message in a review's discussion thread.
type DiscussionMessage struct {
	ID         int64  `json:"id"`
	SenderRole string `json:"sender_role"`
	Round      int    `json:"round"`
	Body       string `json:"body"`
	Metadata   string `json:"metadata,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// GetDiscussionResult is the result of the get_discussion tool.
type GetDiscussionResult struct {
	ReviewID string              `json:"review_id"`
	Messages []DiscussionMessage `json:"messages"`
	Count    int                 `json:"count"`
}

func (s *Server) handleGetDiscussion(ctx context.Context,
	req *mcp.CallToolRequest, args GetDiscussionArgs) (*mcp.CallToolResult, GetDiscussionResult, error) {

	resp, err := askBroker[review.GetDiscussionResp](ctx, s, review.GetDiscussionMsg{
		ReviewID: args.ReviewID,
		Round:    args.Round,
	})
	if err != nil {
		return nil, GetDiscussionResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_discussion", resp.Error)
		return res, GetDiscussionResult{}, err
	}

	messages := make([]DiscussionMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		messages = append(messages, DiscussionMessage{
			ID:         m.ID,
			SenderRole: m.SenderRole,
			Round:      m.Round,
			Body:       m.Body,
			Metadata:   m.Metadata,
			CreatedAt:  formatTime(m.CreatedAt),
		})
	}

	return nil, GetDiscussionResult{
		ReviewID: resp.ReviewID,
		Messages: messages,
		Count:    len(messages),
	}, nil
}

// CloseReviewArgs are the arguments for the close_review tool.
type CloseReviewArgs struct {
	ReviewID   string `json:"review_id" jsonschema:"ID of the review to close"`
	CloserRole string `json:"closer_role" jsonschema:"Role of the caller closing the review"`
}

// CloseReviewResult is the result of the close_review tool.
type CloseReviewResult struct {
	ReviewID string `json:"review_id"`
	Status   string `json:"status"`
}

func (s *Server) handleCloseReview(ctx context.Context,
	req *mcp.CallToolRequest, args CloseReviewArgs) (*mcp.CallToolResult, CloseReviewResult, error) {

	resp, err := askBroker[review.CloseReviewResp](ctx, s, review.CloseReviewMsg{
		ReviewID:   args.ReviewID,
		CloserRole: args.CloserRole,
	})
	if err != nil {
		return nil, CloseReviewResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("close_review", resp.Error)
		return res, CloseReviewResult{}, err
	}

	return nil, CloseReviewResult{
		ReviewID: resp.ReviewID,
		Status:   resp.Status,
	}, nil
}

// GetReviewStatusArgs are the arguments for the get_review_status tool.
type GetReviewStatusArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review"`

	// Wait long-polls until the review changes or the timeout elapses,
	// then returns the fresh snapshot.
	Wait bool `json:"wait,omitempty" jsonschema:"Long-poll until the review changes before returning"`
}

// ReviewStatusResult is the review snapshot returned by get_review_status.
// The raw diff is deliberately absent; get_proposal carries it.
type ReviewStatusResult struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	Intent             string `json:"intent"`
	Description        string `json:"description,omitempty"`
	AgentType          string `json:"agent_type"`
	AgentRole          string `json:"agent_role"`
	Phase              string `json:"phase"`
	Plan               string `json:"plan,omitempty"`
	Task               string `json:"task,omitempty"`
	Project            string `json:"project,omitempty"`
	Priority           string `json:"priority"`
	Category           string `json:"category"`
	CurrentRound       int    `json:"current_round"`
	ClaimedBy          string `json:"claimed_by,omitempty"`
	ClaimGeneration    int    `json:"claim_generation,omitempty"`
	ClaimedAt          string `json:"claimed_at,omitempty"`
	HasDiff            bool   `json:"has_diff"`
	HasCounterPatch    bool   `json:"has_counter_patch"`
	CounterPatchStatus string `json:"counter_patch_status,omitempty"`
	VerdictReason      string `json:"verdict_reason,omitempty"`
	ParentID           string `json:"parent_id,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func reviewStatusResult(rev store.Review) ReviewStatusResult {
	return ReviewStatusResult{
		ID:                 rev.ID,
		Status:             rev.Status,
		Intent:             rev.Intent,
		Description:        rev.Description,
		AgentType:          rev.AgentType,
		AgentRole:          rev.AgentRole,
		Phase:              rev.Phase,
		Plan:               rev.Plan,
		Task:               rev.Task,
		Project:            rev.Project,
		Priority:           rev.Priority,
		Category:           rev.Category,
		CurrentRound:       rev.CurrentRound,
		ClaimedBy:          rev.ClaimedBy,
		ClaimGeneration:    rev.ClaimGeneration,
		ClaimedAt:          formatTimePtr(rev.ClaimedAt),
		HasDiff:            rev.Diff != "",
		HasCounterPatch:    rev.CounterPatch != "",
		CounterPatchStatus: rev.CounterPatchStatus,
		VerdictReason:      rev.VerdictReason,
		ParentID:           rev.ParentID,
		CreatedAt:          formatTime(rev.CreatedAt),
		UpdatedAt:          formatTime(rev.UpdatedAt),
	}
}

func (s *Server) handleGetReviewStatus(ctx context.Context,
	req *mcp.CallToolRequest, args GetReviewStatusArgs) (*mcp.CallToolResult, ReviewStatusResult, error) {

	msg := review.GetReviewStatusMsg{ReviewID: args.ReviewID}

	since := s.bus.CurrentVersion(args.ReviewID)

	resp, err := askBroker[review.GetReviewStatusResp](ctx, s, msg)
	if err != nil {
		return nil, ReviewStatusResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_review_status", resp.Error)
		return res, ReviewStatusResult{}, err
	}

	// Wait for the review to move, then re-read. A timeout just returns
	// the snapshot already in hand.
	if args.Wait {
		woke := s.bus.WaitForChange(
			ctx, args.ReviewID, s.waitTimeout, since,
		)
		if woke {
			resp, err = askBroker[review.GetReviewStatusResp](ctx, s, msg)
			if err != nil {
				return nil, ReviewStatusResult{}, err
			}
			if resp.Error != nil {
				res, err := opErrorResult(
					"get_review_status", resp.Error,
				)
				return res, ReviewStatusResult{}, err
			}
		}
	}

	return nil, reviewStatusResult(resp.Review), nil
}

// GetProposalArgs are the arguments for the get_proposal tool.
type GetProposalArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review"`
}

// GetProposalResult is the full proposal including the raw diff and any
// pending counter-patch.
type GetProposalResult struct {
	ID                        string              `json:"id"`
	Status                    string              `json:"status"`
	Intent                    string              `json:"intent"`
	Description               string              `json:"description,omitempty"`
	Diff                      string              `json:"diff,omitempty"`
	AffectedFiles             []diff.AffectedFile `json:"affected_files,omitempty"`
	Category                  string              `json:"category"`
	CurrentRound              int                 `json:"current_round"`
	CounterPatch              string              `json:"counter_patch,omitempty"`
	CounterPatchAffectedFiles []diff.AffectedFile `json:"counter_patch_affected_files,omitempty"`
	CounterPatchStatus        string              `json:"counter_patch_status,omitempty"`
	VerdictReason             string              `json:"verdict_reason,omitempty"`
	CreatedAt                 string              `json:"created_at"`
	UpdatedAt                 string              `json:"updated_at"`
}

func (s *Server) handleGetProposal(ctx context.Context,
	req *mcp.CallToolRequest, args GetProposalArgs) (*mcp.CallToolResult, GetProposalResult, error) {

	resp, err := askBroker[review.GetProposalResp](ctx, s,
		review.GetProposalMsg{ReviewID: args.ReviewID})
	if err != nil {
		return nil, GetProposalResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_proposal", resp.Error)
		return res, GetProposalResult{}, err
	}

	rev := resp.Review
	return nil, GetProposalResult{
		ID:            rev.ID,
		Status:        rev.Status,
		Intent:        rev.Intent,
		Description:   rev.Description,
		Diff:          rev.Diff,
		AffectedFiles: diff.DecodeAffectedFiles(rev.AffectedFiles),
		Category:      rev.Category,
		CurrentRound:  rev.CurrentRound,
		CounterPatch:  rev.CounterPatch,
		CounterPatchAffectedFiles: diff.DecodeAffectedFiles(
			rev.CounterPatchAffectedFiles,
		),
		CounterPatchStatus: rev.CounterPatchStatus,
		VerdictReason:      rev.VerdictReason,
		CreatedAt:          formatTime(rev.CreatedAt),
		UpdatedAt:          formatTime(rev.UpdatedAt),
	}, nil
}

// GetActivityFeedArgs are the arguments for the get_activity_feed tool.
type GetActivityFeedArgs struct {
	Status   string `json:"status,omitempty" jsonschema:"Filter by review status"`
	Category string `json:"category,omitempty" jsonschema:"Filter by proposal category"`
	Project  string `json:"project,omitempty" jsonschema:"Filter by project"`
}

// FeedItemResult is one activity feed entry: a review summary plus its
// message digest.
type FeedItemResult struct {
	ReviewSummary

	MessageCount       int    `json:"message_count"`
	LastMessageAt      string `json:"last_message_at,omitempty"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
}

// GetActivityFeedResult is the result of the get_activity_feed tool.
type GetActivityFeedResult struct {
	Reviews []FeedItemResult `json:"reviews"`
	Count   int              `json:"count"`
}

func (s *Server) handleGetActivityFeed(ctx context.Context,
	req *mcp.CallToolRequest, args GetActivityFeedArgs) (*mcp.CallToolResult, GetActivityFeedResult, error) {

	resp, err := askBroker[review.ActivityFeedResp](ctx, s, review.ActivityFeedMsg{
		Status:   args.Status,
		Category: args.Category,
		Project:  args.Project,
	})
	if err != nil {
		return nil, GetActivityFeedResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_activity_feed", resp.Error)
		return res, GetActivityFeedResult{}, err
	}

	items := make([]FeedItemResult, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, FeedItemResult{
			ReviewSummary:      reviewSummary(item.Review),
			MessageCount:       item.MessageCount,
			LastMessageAt:      formatTimePtr(item.LastMessageAt),
			LastMessagePreview: item.LastMessagePreview,
		})
	}

	return nil, GetActivityFeedResult{
		Reviews: items,
		Count:   len(items),
	}, nil
}

// AuditEventResult is one audit trail entry.
type AuditEventResult struct {
	ID        int64  `json:"id"`
	ReviewID  string `json:"review_id,omitempty"`
	EventType string `json:"event_type"`
	Actor     string `json:"actor"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

func auditEventResults(events []store.AuditEvent) []AuditEventResult {
	out := make([]AuditEventResult, 0, len(events))
	for _, ev := range events {
		out = append(out, AuditEventResult{
			ID:        ev.ID,
			ReviewID:  ev.ReviewID,
			EventType: ev.EventType,
			Actor:     ev.Actor,
			OldStatus: ev.OldStatus,
			NewStatus: ev.NewStatus,
			Metadata:  ev.Metadata,
			CreatedAt: formatTime(ev.CreatedAt),
		})
	}

	return out
}

// GetReviewTimelineArgs are the arguments for the get_review_timeline tool.
type GetReviewTimelineArgs struct {
	ReviewID string `json:"review_id" jsonschema:"ID of the review"`
}

// GetReviewTimelineResult is the result of the get_review_timeline tool.
type GetReviewTimelineResult struct {
	ReviewID      string             `json:"review_id"`
	Intent        string             `json:"intent"`
	CurrentStatus string             `json:"current_status"`
	Category      string             `json:"category"`
	Events        []AuditEventResult `json:"events"`
	EventCount    int                `json:"event_count"`
}

func (s *Server) handleGetReviewTimeline(ctx context.Context,
	req *mcp.CallToolRequest, args GetReviewTimelineArgs) (*mcp.CallToolResult, GetReviewTimelineResult, error) {

	resp, err := askBroker[review.TimelineResp](ctx, s,
		review.TimelineMsg{ReviewID: args.ReviewID})
	if err != nil {
		return nil, GetReviewTimelineResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_review_timeline", resp.Error)
		return res, GetReviewTimelineResult{}, err
	}

	events := auditEventResults(resp.Events)
	return nil, GetReviewTimelineResult{
		ReviewID:      resp.ReviewID,
		Intent:        resp.Intent,
		CurrentStatus: resp.CurrentStatus,
		Category:      resp.Category,
		Events:        events,
		EventCount:    len(events),
	}, nil
}

// GetAuditLogArgs are the arguments for the get_audit_log tool.
type GetAuditLogArgs struct {
	ReviewID string `json:"review_id,omitempty" jsonschema:"Restrict to one review; empty returns the global log"`
}

// GetAuditLogResult is the result of the get_audit_log tool.
type GetAuditLogResult struct {
	Events []AuditEventResult `json:"events"`
	Count  int                `json:"count"`
}

func (s *Server) handleGetAuditLog(ctx context.Context,
	req *mcp.CallToolRequest, args GetAuditLogArgs) (*mcp.CallToolResult, GetAuditLogResult, error) {

	resp, err := askBroker[review.AuditLogResp](ctx, s,
		review.AuditLogMsg{ReviewID: args.ReviewID})
	if err != nil {
		return nil, GetAuditLogResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_audit_log", resp.Error)
		return res, GetAuditLogResult{}, err
	}

	events := auditEventResults(resp.Events)
	return nil, GetAuditLogResult{
		Events: events,
		Count:  len(events),
	}, nil
}

// GetReviewStatsArgs are the arguments for the get_review_stats tool.
type GetReviewStatsArgs struct{}

// GetReviewStatsResult is the aggregate statistics document. Null values
// mean the aggregate has no data yet.
type GetReviewStatsResult struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByCategory map[string]int `json:"by_category"`

	ApprovalRatePct          *float64 `json:"approval_rate_pct"`
	AvgTimeToVerdictSeconds  *float64 `json:"avg_time_to_verdict_seconds"`
	AvgReviewDurationSeconds *float64 `json:"avg_review_duration_seconds"`

	AvgTimeInStateSeconds map[string]*float64 `json:"avg_time_in_state_seconds"`
}

func (s *Server) handleGetReviewStats(ctx context.Context,
	req *mcp.CallToolRequest, args GetReviewStatsArgs) (*mcp.CallToolResult, GetReviewStatsResult, error) {

	resp, err := askBroker[review.StatsResp](ctx, s, review.StatsMsg{})
	if err != nil {
		return nil, GetReviewStatsResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("get_review_stats", resp.Error)
		return res, GetReviewStatsResult{}, err
	}

	stats := resp.Stats
	return nil, GetReviewStatsResult{
		Total:                    stats.Total,
		ByStatus:                 stats.ByStatus,
		ByCategory:               stats.ByCategory,
		ApprovalRatePct:          stats.ApprovalRatePct,
		AvgTimeToVerdictSeconds:  stats.AvgTimeToVerdictSeconds,
		AvgReviewDurationSeconds: stats.AvgReviewDurationSeconds,
		AvgTimeInStateSeconds:    stats.AvgTimeInStateSeconds,
	}, nil
}

// SpawnReviewerArgs are the arguments for the spawn_reviewer tool.
type SpawnReviewerArgs struct {
	Project string `json:"project,omitempty" jsonschema:"Optional project hint recorded with the spawn"`
}

// SpawnReviewerResult is the result of the spawn_reviewer tool.
type SpawnReviewerResult struct {
	ReviewerID  string `json:"reviewer_id"`
	DisplayName string `json:"display_name"`
	PID         int    `json:"pid"`
	Status      string `json:"status"`
}

func (s *Server) handleSpawnReviewer(ctx context.Context,
	req *mcp.CallToolRequest, args SpawnReviewerArgs) (*mcp.CallToolResult, SpawnReviewerResult, error) {

	resp, err := askBroker[review.SpawnReviewerResp](ctx, s,
		review.SpawnReviewerMsg{Project: args.Project})
	if err != nil {
		return nil, SpawnReviewerResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("spawn_reviewer", resp.Error)
		return res, SpawnReviewerResult{}, err
	}

	return nil, SpawnReviewerResult{
		ReviewerID:  resp.ReviewerID,
		DisplayName: resp.DisplayName,
		PID:         resp.PID,
		Status:      resp.Status,
	}, nil
}

// KillReviewerArgs are the arguments for the kill_reviewer tool.
type KillReviewerArgs struct {
	ReviewerID string `json:"reviewer_id" jsonschema:"ID of the reviewer worker to drain"`
}

// KillReviewerResult is the result of the kill_reviewer tool. terminated is
// true when the worker had no open reviews and was stopped immediately.
type KillReviewerResult struct {
	ReviewerID string `json:"reviewer_id"`
	Status     string `json:"status"`
	Terminated bool   `json:"terminated"`
}

func (s *Server) handleKillReviewer(ctx context.Context,
	req *mcp.CallToolRequest, args KillReviewerArgs) (*mcp.CallToolResult, KillReviewerResult, error) {

	resp, err := askBroker[review.KillReviewerResp](ctx, s,
		review.KillReviewerMsg{ReviewerID: args.ReviewerID})
	if err != nil {
		return nil, KillReviewerResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("kill_reviewer", resp.Error)
		return res, KillReviewerResult{}, err
	}

	return nil, KillReviewerResult{
		ReviewerID: resp.ReviewerID,
		Status:     resp.Status,
		Terminated: resp.Terminated,
	}, nil
}

// ListReviewersArgs are the arguments for the list_reviewers tool.
type ListReviewersArgs struct{}

// ReviewerResult is one reviewer worker row.
type ReviewerResult struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"display_name"`
	Status             string  `json:"status"`
	PID                int     `json:"pid"`
	SpawnedAt          string  `json:"spawned_at"`
	LastActiveAt       string  `json:"last_active_at"`
	TerminatedAt       string  `json:"terminated_at,omitempty"`
	ReviewsCompleted   int     `json:"reviews_completed"`
	Approvals          int     `json:"approvals"`
	Rejections         int     `json:"rejections"`
	TotalReviewSeconds float64 `json:"total_review_seconds"`
}

// ListReviewersResult is the result of the list_reviewers tool.
type ListReviewersResult struct {
	Reviewers []ReviewerResult `json:"reviewers"`
}

func (s *Server) handleListReviewers(ctx context.Context,
	req *mcp.CallToolRequest, args ListReviewersArgs) (*mcp.CallToolResult, ListReviewersResult, error) {

	resp, err := askBroker[review.ListReviewersResp](ctx, s,
		review.ListReviewersMsg{})
	if err != nil {
		return nil, ListReviewersResult{}, err
	}
	if resp.Error != nil {
		res, err := opErrorResult("list_reviewers", resp.Error)
		return res, ListReviewersResult{}, err
	}

	reviewers := make([]ReviewerResult, 0, len(resp.Reviewers))
	for _, w := range resp.Reviewers {
		reviewers = append(reviewers, ReviewerResult{
			ID:                 w.ID,
			DisplayName:        w.DisplayName,
			Status:             w.Status,
			PID:                w.PID,
			SpawnedAt:          formatTime(w.SpawnedAt),
			LastActiveAt:       formatTime(w.LastActiveAt),
			TerminatedAt:       formatTimePtr(w.TerminatedAt),
			ReviewsCompleted:   w.ReviewsCompleted,
			Approvals:          w.Approvals,
			Rejections:         w.Rejections,
			TotalReviewSeconds: w.TotalReviewSeconds,
		})
	}

	return nil, ListReviewersResult{Reviewers: reviewers}, nil
}
