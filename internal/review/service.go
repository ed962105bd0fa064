package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/revbroker/internal/baselib/actor"
	"github.com/roasbeef/revbroker/internal/diff"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/pool"
	"github.com/roasbeef/revbroker/internal/store"
)

// brokerActor is the audit actor recorded for broker-initiated state
// changes such as reclaims.
const brokerActor = "broker"

// Ensure Service implements ActorBehavior.
var _ actor.ActorBehavior[BrokerRequest, BrokerResponse] = (*Service)(nil)

// ServiceConfig holds the dependencies of the broker service.
type ServiceConfig struct {
	// Store is the storage backend for reviews, messages, audit events
	// and reviewer rows.
	Store store.Storage

	// Bus carries versioned change notifications for long-polling
	// clients.
	Bus *notify.Bus

	// Pool manages reviewer worker subprocesses. Always non-nil; a pool
	// built without a config refuses spawns.
	Pool *pool.Manager

	// Validator checks diffs against the repository. Defaults to the git
	// apply based validator.
	Validator diff.Validator

	// RepoRoot is the repository diffs are validated against.
	RepoRoot string

	// Clock overrides time.Now for tests.
	Clock func() time.Time

	// NewID overrides review id generation for tests.
	NewID func() string
}

// Service is the review broker actor. It owns every lifecycle transition:
// all state changes funnel through Receive, so handlers never race each
// other and each operation commits its row change and audit event in one
// transaction.
type Service struct {
	store     store.Storage
	bus       *notify.Bus
	pool      *pool.Manager
	validator diff.Validator
	repoRoot  string

	now   func() time.Time
	newID func() string
}

// NewService creates the broker service.
func NewService(cfg ServiceConfig) *Service {
	validator := cfg.Validator
	if validator == nil {
		validator = &diff.GitValidator{}
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return "rev-" + uuid.NewString()[:8] }
	}

	return &Service{
		store:     cfg.Store,
		bus:       cfg.Bus,
		pool:      cfg.Pool,
		validator: validator,
		repoRoot:  cfg.RepoRoot,
		now:       now,
		newID:     newID,
	}
}

// Receive implements actor.ActorBehavior by dispatching to type-specific
// handlers.
func (s *Service) Receive(ctx context.Context,
	msg BrokerRequest,
) fn.Result[BrokerResponse] {
	switch m := msg.(type) {
	case CreateReviewMsg:
		return fn.Ok[BrokerResponse](s.handleCreateReview(ctx, m))

	case ListReviewsMsg:
		return fn.Ok[BrokerResponse](s.handleListReviews(ctx, m))

	case ClaimReviewMsg:
		return fn.Ok[BrokerResponse](s.handleClaimReview(ctx, m))

	case SubmitVerdictMsg:
		return fn.Ok[BrokerResponse](s.handleSubmitVerdict(ctx, m))

	case AcceptCounterPatchMsg:
		return fn.Ok[BrokerResponse](s.handleAcceptCounterPatch(ctx, m))

	case RejectCounterPatchMsg:
		return fn.Ok[BrokerResponse](s.handleRejectCounterPatch(ctx, m))

	case AddMessageMsg:
		return fn.Ok[BrokerResponse](s.handleAddMessage(ctx, m))

	case GetDiscussionMsg:
		return fn.Ok[BrokerResponse](s.handleGetDiscussion(ctx, m))

	case CloseReviewMsg:
		return fn.Ok[BrokerResponse](s.handleCloseReview(ctx, m))

	case GetReviewStatusMsg:
		return fn.Ok[BrokerResponse](s.handleGetReviewStatus(ctx, m))

	case GetProposalMsg:
		return fn.Ok[BrokerResponse](s.handleGetProposal(ctx, m))

	case ActivityFeedMsg:
		return fn.Ok[BrokerResponse](s.handleActivityFeed(ctx, m))

	case TimelineMsg:
		return fn.Ok[BrokerResponse](s.handleTimeline(ctx, m))

	case AuditLogMsg:
		return fn.Ok[BrokerResponse](s.handleAuditLog(ctx, m))

	case StatsMsg:
		return fn.Ok[BrokerResponse](s.handleStats(ctx, m))

	case SpawnReviewerMsg:
		return fn.Ok[BrokerResponse](s.handleSpawnReviewer(ctx, m))

	case KillReviewerMsg:
		return fn.Ok[BrokerResponse](s.handleKillReviewer(ctx, m))

	case ListReviewersMsg:
		return fn.Ok[BrokerResponse](s.handleListReviewers(ctx, m))

	case ReclaimReviewMsg:
		return fn.Ok[BrokerResponse](s.handleReclaimReview(ctx, m))

	case ReaperTickMsg:
		return fn.Ok[BrokerResponse](s.handleReaperTick(ctx, m))

	case RecoverMsg:
		return fn.Ok[BrokerResponse](s.handleRecover(ctx, m))

	default:
		return fn.Err[BrokerResponse](fmt.Errorf(
			"unknown message type: %T", msg,
		))
	}
}

// handleCreateReview creates a new review or, when ReviewID names an
// existing changes_requested review, revises it back into the queue.
func (s *Service) handleCreateReview(ctx context.Context,
	m CreateReviewMsg) CreateReviewResp {

	const op = "create_review"

	if strings.TrimSpace(m.Intent) == "" {
		return CreateReviewResp{Error: invalidInput("intent is required")}
	}
	if strings.TrimSpace(m.AgentType) == "" {
		return CreateReviewResp{
			Error: invalidInput("agent_type is required"),
		}
	}
	if !ValidRole(m.AgentRole) {
		return CreateReviewResp{Error: invalidInput(
			"agent_role must be proposer or reviewer, got %q",
			m.AgentRole,
		)}
	}

	// Validate the diff before touching the database so a bad patch
	// never creates a row.
	affected := ""
	if m.Diff != "" {
		if !m.SkipDiffValidation {
			err := s.validator.Validate(ctx, m.Diff, s.repoRoot)
			if err != nil {
				return CreateReviewResp{Error: invalidDiff(
					"diff does not apply: %v", err,
				)}
			}
		}
		var err error
		affected, err = diff.EncodeAffectedFiles(
			diff.ExtractAffectedFiles(m.Diff),
		)
		if err != nil {
			return CreateReviewResp{Error: internalErr(op, err)}
		}
	}

	if m.ReviewID != "" {
		return s.reviseReview(ctx, m, affected)
	}

	id := s.newID()
	now := s.now()
	priority := DerivePriority(m.AgentType, m.Phase)

	rev := store.Review{
		ID:                 id,
		Status:             string(StatusPending),
		Intent:             m.Intent,
		Description:        m.Description,
		Diff:               m.Diff,
		AffectedFiles:      affected,
		AgentType:          m.AgentType,
		AgentRole:          m.AgentRole,
		Phase:              m.Phase,
		Plan:               m.Plan,
		Task:               m.Task,
		Project:            m.Project,
		Priority:           string(priority),
		Category:           m.Category,
		CurrentRound:       1,
		SkipDiffValidation: m.SkipDiffValidation,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		if err := st.CreateReview(ctx, rev); err != nil {
			return err
		}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  id,
			EventType: store.EventReviewCreated,
			Actor:     m.AgentType,
			NewStatus: rev.Status,
			Metadata: metaJSON(map[string]any{
				"intent":   m.Intent,
				"category": m.Category,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return CreateReviewResp{Error: AsOpError(op, err)}
	}

	log.Infof("Created review %s (priority=%s, project=%q)", id, priority,
		m.Project)

	s.bus.Notify(id)
	s.bus.Notify(notify.QueueTopic)
	s.scaleAsync()

	return CreateReviewResp{ReviewID: id, Status: rev.Status}
}

// reviseReview requeues a changes_requested review with a fresh proposal.
// The round counter advances and any pending counter-patch is discarded;
// the new diff supersedes whatever the reviewer suggested.
func (s *Service) reviseReview(ctx context.Context, m CreateReviewMsg,
	affected string) CreateReviewResp {

	const op = "create_review"

	now := s.now()
	var (
		resp           CreateReviewResp
		formerClaimant string
	)

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		if Status(rev.Status) != StatusChangesRequested {
			return invalidTransition("review %s is %s, only "+
				"changes_requested reviews can be revised", rev.ID,
				rev.Status)
		}

		formerClaimant = rev.ClaimedBy
		oldStatus := rev.Status

		rev.Status = string(StatusPending)
		rev.CurrentRound++
		rev.Intent = m.Intent
		rev.Description = m.Description
		rev.Diff = m.Diff
		rev.AffectedFiles = affected
		rev.SkipDiffValidation = m.SkipDiffValidation
		rev.CounterPatch = ""
		rev.CounterPatchAffectedFiles = ""
		rev.CounterPatchStatus = ""
		rev.ClaimedBy = ""
		rev.ClaimedAt = nil
		rev.VerdictReason = ""
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		resp = CreateReviewResp{
			ReviewID: rev.ID,
			Status:   rev.Status,
			Revised:  true,
		}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventReviewRevised,
			Actor:     m.AgentType,
			OldStatus: oldStatus,
			NewStatus: rev.Status,
			Metadata: metaJSON(map[string]any{
				"round": rev.CurrentRound,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return CreateReviewResp{Error: AsOpError(op, err)}
	}

	log.Infof("Revised review %s back into the queue", resp.ReviewID)

	s.bus.Notify(resp.ReviewID)
	s.bus.Notify(notify.QueueTopic)
	s.finalizeDrained(ctx, formerClaimant)
	s.scaleAsync()

	return resp
}

// handleListReviews returns the review queue, priority ordered. The wait
// flag is validated here; the long-poll loop itself lives in the transport
// binding so it never blocks the actor.
func (s *Service) handleListReviews(ctx context.Context,
	m ListReviewsMsg) ListReviewsResp {

	const op = "list_reviews"

	if m.Wait && m.Status != string(StatusPending) {
		return ListReviewsResp{Error: invalidInput(
			"wait=true requires status=pending",
		)}
	}
	if m.Status != "" && !Status(m.Status).Valid() {
		return ListReviewsResp{Error: invalidInput(
			"unknown status %q", m.Status,
		)}
	}
	if m.Project != "" && len(m.Projects) > 0 {
		return ListReviewsResp{Error: invalidInput(
			"project and projects are mutually exclusive",
		)}
	}

	projects := m.Projects
	if m.Project != "" {
		projects = []string{m.Project}
	}

	reviews, err := s.store.ListReviews(ctx, store.ReviewFilter{
		Status:   m.Status,
		Category: m.Category,
		Projects: projects,
	})
	if err != nil {
		return ListReviewsResp{Error: AsOpError(op, err)}
	}

	return ListReviewsResp{Reviews: reviews}
}

// handleClaimReview takes a claim on a pending review. Draining workers may
// not claim, stale reservations are broken, and a diff that no longer
// applies auto-rejects the proposal instead of handing the reviewer a
// broken patch.
func (s *Service) handleClaimReview(ctx context.Context,
	m ClaimReviewMsg) ClaimReviewResp {

	const op = "claim_review"

	if m.ReviewerID == "" {
		return ClaimReviewResp{
			Error: invalidInput("reviewer_id is required"),
		}
	}

	now := s.now()
	var resp ClaimReviewResp

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}

		// Pool workers that are draining or terminated may not take
		// new work. Claimants without a reviewer row are external
		// (human) reviewers and are always eligible.
		claimantRow := false
		claimant, err := st.GetReviewer(ctx, m.ReviewerID)
		switch {
		case err == nil:
			claimantRow = true
			if claimant.Status != store.ReviewerActive {
				return forbidden("reviewer %s is %s and cannot "+
					"claim new reviews", m.ReviewerID,
					claimant.Status)
			}

		case !errors.Is(err, store.ErrReviewerNotFound):
			return err
		}

		// A pending review that still names a claimant is reserved
		// for that reviewer's follow-up. The reservation holds only
		// while the holder is a live process of this session.
		if Status(rev.Status) == StatusPending && rev.ClaimedBy != "" &&
			rev.ClaimedBy != m.ReviewerID {

			if s.pool.IsLive(rev.ClaimedBy) {
				return forbidden("review %s is reserved for %s",
					rev.ID, rev.ClaimedBy)
			}
			rev.ClaimedBy = ""
		}

		if !Status(rev.Status).CanTransitionTo(StatusClaimed) {
			return invalidTransition("cannot claim review %s in "+
				"status %s", rev.ID, rev.Status)
		}

		// The repository may have moved since the proposal was
		// created, so the diff is re-checked at claim time. A stale
		// diff bounces the review straight back to the proposer.
		if rev.Diff != "" && !rev.SkipDiffValidation {
			verr := s.validator.Validate(ctx, rev.Diff, s.repoRoot)
			if verr != nil {
				return s.autoReject(ctx, st, &resp, rev, verr, now)
			}
		}

		oldStatus := rev.Status
		rev.Status = string(StatusClaimed)
		rev.ClaimedBy = m.ReviewerID
		rev.ClaimGeneration++
		rev.ClaimedAt = &now
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}
		err = st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventReviewClaimed,
			Actor:     m.ReviewerID,
			OldStatus: oldStatus,
			NewStatus: rev.Status,
			Metadata: metaJSON(map[string]any{
				"claim_generation": rev.ClaimGeneration,
			}),
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		if claimantRow {
			err := st.TouchReviewer(ctx, m.ReviewerID, now)
			if err != nil {
				return err
			}
		}

		resp = ClaimReviewResp{
			ReviewID:        rev.ID,
			Status:          rev.Status,
			ClaimedBy:       rev.ClaimedBy,
			ClaimGeneration: rev.ClaimGeneration,
			Intent:          rev.Intent,
			Description:     rev.Description,
			Category:        rev.Category,
			HasDiff:         rev.Diff != "",
			AffectedFiles:   diff.DecodeAffectedFiles(rev.AffectedFiles),
		}

		return nil
	})
	if err != nil {
		return ClaimReviewResp{Error: AsOpError(op, err)}
	}

	if resp.AutoRejected {
		log.Warnf("Auto-rejected review %s: %s", m.ReviewID,
			resp.ValidationError)
	} else {
		log.Debugf("Review %s claimed by %s (generation %d)",
			m.ReviewID, m.ReviewerID, resp.ClaimGeneration)
	}

	s.bus.Notify(m.ReviewID)
	s.bus.Notify(notify.QueueTopic)

	return resp
}

// autoReject moves a pending review with a stale diff straight to
// changes_requested on the broker's own authority. No claim happens: the
// generation is untouched and claimed_at stays unset.
func (s *Service) autoReject(ctx context.Context, st store.Storage,
	resp *ClaimReviewResp, rev store.Review, verr error,
	now time.Time) error {

	oldStatus := rev.Status
	rev.Status = string(StatusChangesRequested)
	rev.ClaimedBy = AutoRejectActor
	rev.VerdictReason = "Auto-rejected: " + verr.Error()
	rev.UpdatedAt = now

	if err := st.UpdateReview(ctx, rev); err != nil {
		return err
	}

	*resp = ClaimReviewResp{
		ReviewID:        rev.ID,
		Status:          rev.Status,
		ClaimedBy:       rev.ClaimedBy,
		Category:        rev.Category,
		AutoRejected:    true,
		ValidationError: verr.Error(),
	}

	return st.AppendAudit(ctx, store.AuditEvent{
		ReviewID:  rev.ID,
		EventType: store.EventReviewAutoRejected,
		Actor:     AutoRejectActor,
		OldStatus: oldStatus,
		NewStatus: rev.Status,
		Metadata: metaJSON(map[string]any{
			"error": verr.Error(),
		}),
		CreatedAt: now,
	})
}

// handleSubmitVerdict records a reviewer's judgment. Fencing applies only
// while the review is claimed: at least one of reviewer_id and
// claim_generation must be presented and both must match when given.
func (s *Service) handleSubmitVerdict(ctx context.Context,
	m SubmitVerdictMsg) SubmitVerdictResp {

	const op = "submit_verdict"

	v := Verdict(m.Verdict)
	if !v.Valid() {
		return SubmitVerdictResp{Error: invalidInput(
			"verdict must be approved, changes_requested or "+
				"comment, got %q", m.Verdict,
		)}
	}
	needsReason := v == VerdictChangesRequested || v == VerdictComment
	if needsReason && strings.TrimSpace(m.Reason) == "" {
		return SubmitVerdictResp{Error: invalidInput(
			"reason is required for %s verdicts", v,
		)}
	}
	if m.CounterPatch != "" && v == VerdictApproved {
		return SubmitVerdictResp{Error: invalidCounterPatch(
			"counter_patch requires a changes_requested or " +
				"comment verdict",
		)}
	}

	now := s.now()
	var (
		resp     SubmitVerdictResp
		claimant string
		terminal bool
	)

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		cur := Status(rev.Status)

		// Fencing. Only meaningful while a claim is held.
		if cur == StatusClaimed {
			if m.ReviewerID == "" && m.ClaimGeneration.IsNone() {
				return unauthorized("reviewer_id or " +
					"claim_generation is required to submit a " +
					"verdict on a claimed review")
			}
			if m.ReviewerID != "" && rev.ClaimedBy != "" &&
				m.ReviewerID != rev.ClaimedBy {

				return unauthorized("review %s is claimed by %s",
					rev.ID, rev.ClaimedBy)
			}
			if gen := m.ClaimGeneration; gen.IsSome() {
				if g := gen.UnwrapOr(0); g != rev.ClaimGeneration {
					return staleClaim("claim generation %d is "+
						"stale, current generation is %d", g,
						rev.ClaimGeneration)
				}
			}
		}

		if v == VerdictComment {
			if cur != StatusClaimed && cur != StatusInReview {
				return invalidTransition("cannot comment on "+
					"review %s in status %s", rev.ID, rev.Status)
			}

			rev.VerdictReason = m.Reason
			rev.UpdatedAt = now
			err := s.applyCounterPatch(ctx, &rev, m.CounterPatch)
			if err != nil {
				return err
			}
			if err := st.UpdateReview(ctx, rev); err != nil {
				return err
			}

			resp = SubmitVerdictResp{
				ReviewID:        rev.ID,
				Status:          rev.Status,
				VerdictReason:   rev.VerdictReason,
				HasCounterPatch: rev.CounterPatch != "",
			}

			// A comment changes no state, so the audit row carries
			// no status edge.
			return st.AppendAudit(ctx, store.AuditEvent{
				ReviewID:  rev.ID,
				EventType: store.EventVerdictComment,
				Actor:     verdictActor(m.ReviewerID),
				Metadata: metaJSON(map[string]any{
					"reason": m.Reason,
				}),
				CreatedAt: now,
			})
		}

		target := StatusApproved
		if v == VerdictChangesRequested {
			target = StatusChangesRequested
		}
		if !cur.CanTransitionTo(target) {
			return invalidTransition("cannot submit %s verdict on "+
				"review %s in status %s", v, rev.ID, rev.Status)
		}

		oldStatus := rev.Status
		rev.Status = string(target)
		rev.VerdictReason = m.Reason
		rev.UpdatedAt = now
		if err := s.applyCounterPatch(ctx, &rev, m.CounterPatch); err != nil {
			return err
		}
		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		claimant = rev.ClaimedBy
		terminal = true

		err = st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventVerdictSubmitted,
			Actor:     verdictActor(m.ReviewerID),
			OldStatus: oldStatus,
			NewStatus: rev.Status,
			Metadata: metaJSON(map[string]any{
				"verdict": string(v),
				"reason":  m.Reason,
			}),
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		resp = SubmitVerdictResp{
			ReviewID:        rev.ID,
			Status:          rev.Status,
			VerdictReason:   rev.VerdictReason,
			HasCounterPatch: rev.CounterPatch != "",
		}

		return s.creditReviewer(ctx, st, rev, v, now)
	})
	if err != nil {
		return SubmitVerdictResp{Error: AsOpError(op, err)}
	}

	log.Infof("Verdict %s on review %s", v, m.ReviewID)

	s.bus.Notify(m.ReviewID)
	if terminal {
		s.finalizeDrained(ctx, claimant)
	}

	return resp
}

// applyCounterPatch validates and attaches a reviewer's counter-proposal.
// Validation honors the review's skip flag.
func (s *Service) applyCounterPatch(ctx context.Context, rev *store.Review,
	counterPatch string) error {

	if counterPatch == "" {
		return nil
	}

	if !rev.SkipDiffValidation {
		err := s.validator.Validate(ctx, counterPatch, s.repoRoot)
		if err != nil {
			return invalidCounterPatch("counter_patch does not "+
				"apply: %v", err)
		}
	}

	encoded, err := diff.EncodeAffectedFiles(
		diff.ExtractAffectedFiles(counterPatch),
	)
	if err != nil {
		return err
	}

	rev.CounterPatch = counterPatch
	rev.CounterPatchAffectedFiles = encoded
	rev.CounterPatchStatus = CounterPatchPending

	return nil
}

// creditReviewer folds a terminal verdict into the claimant's pool
// statistics. Claimants without a reviewer row are skipped.
func (s *Service) creditReviewer(ctx context.Context, st store.Storage,
	rev store.Review, v Verdict, now time.Time) error {

	if rev.ClaimedBy == "" {
		return nil
	}

	worker, err := st.GetReviewer(ctx, rev.ClaimedBy)
	if err != nil {
		if errors.Is(err, store.ErrReviewerNotFound) {
			return nil
		}
		return err
	}

	worker.ReviewsCompleted++
	switch v {
	case VerdictApproved:
		worker.Approvals++
	case VerdictChangesRequested:
		worker.Rejections++
	}
	if rev.ClaimedAt != nil {
		worker.TotalReviewSeconds += now.Sub(*rev.ClaimedAt).Seconds()
	}
	worker.LastActiveAt = now

	return st.UpdateReviewer(ctx, worker)
}

// verdictActor names the audit actor for a verdict, falling back to the
// reviewer role when the caller did not identify itself.
func verdictActor(reviewerID string) string {
	if reviewerID != "" {
		return reviewerID
	}
	return RoleReviewer
}

// handleAcceptCounterPatch promotes a pending counter-patch into the
// proposal's diff after re-validating it against the current tree.
func (s *Service) handleAcceptCounterPatch(ctx context.Context,
	m AcceptCounterPatchMsg) AcceptCounterPatchResp {

	const op = "accept_counter_patch"

	now := s.now()
	var resp AcceptCounterPatchResp

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		if rev.CounterPatch == "" ||
			rev.CounterPatchStatus != CounterPatchPending {

			return invalidCounterPatch("review %s has no pending "+
				"counter-patch", rev.ID)
		}

		// The tree may have moved since the reviewer drafted the
		// counter-patch.
		if !rev.SkipDiffValidation {
			verr := s.validator.Validate(
				ctx, rev.CounterPatch, s.repoRoot,
			)
			if verr != nil {
				return staleCounterPatch("counter_patch no "+
					"longer applies: %v", verr)
			}
		}

		rev.Diff = rev.CounterPatch
		rev.AffectedFiles = rev.CounterPatchAffectedFiles
		rev.CounterPatch = ""
		rev.CounterPatchStatus = CounterPatchAccepted
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		resp = AcceptCounterPatchResp{
			ReviewID:           rev.ID,
			CounterPatchStatus: rev.CounterPatchStatus,
		}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventCounterPatchAccepted,
			Actor:     RoleProposer,
			CreatedAt: now,
		})
	})
	if err != nil {
		return AcceptCounterPatchResp{Error: AsOpError(op, err)}
	}

	s.bus.Notify(m.ReviewID)

	return resp
}

// handleRejectCounterPatch discards a pending counter-patch, keeping the
// proposer's original diff.
func (s *Service) handleRejectCounterPatch(ctx context.Context,
	m RejectCounterPatchMsg) RejectCounterPatchResp {

	const op = "reject_counter_patch"

	now := s.now()
	var resp RejectCounterPatchResp

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		if rev.CounterPatch == "" ||
			rev.CounterPatchStatus != CounterPatchPending {

			return invalidCounterPatch("review %s has no pending "+
				"counter-patch", rev.ID)
		}

		rev.CounterPatch = ""
		rev.CounterPatchAffectedFiles = ""
		rev.CounterPatchStatus = CounterPatchRejected
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		resp = RejectCounterPatchResp{
			ReviewID:           rev.ID,
			CounterPatchStatus: rev.CounterPatchStatus,
		}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventCounterPatchRejected,
			Actor:     RoleProposer,
			CreatedAt: now,
		})
	})
	if err != nil {
		return RejectCounterPatchResp{Error: AsOpError(op, err)}
	}

	s.bus.Notify(m.ReviewID)

	return resp
}

// handleAddMessage appends a discussion message. Roles must alternate, and
// a proposer reply to requested changes requeues the review reserved for
// the reviewer who asked.
func (s *Service) handleAddMessage(ctx context.Context,
	m AddMessageMsg) AddMessageResp {

	const op = "add_message"

	if !ValidRole(m.SenderRole) {
		return AddMessageResp{Error: invalidInput(
			"sender_role must be proposer or reviewer, got %q",
			m.SenderRole,
		)}
	}
	if strings.TrimSpace(m.Body) == "" {
		return AddMessageResp{Error: invalidInput("body is required")}
	}

	now := s.now()
	var (
		resp     AddMessageResp
		requeued bool
	)

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}

		cur := Status(rev.Status)
		if cur != StatusClaimed && cur != StatusChangesRequested &&
			cur != StatusApproved {

			return invalidTransition("cannot add messages to "+
				"review %s in status %s", rev.ID, rev.Status)
		}

		// Discussion alternates strictly between the two roles.
		last, err := st.LatestMessage(ctx, rev.ID)
		if err != nil {
			return err
		}
		if last.IsSome() {
			prev := last.UnwrapOr(store.Message{})
			if prev.SenderRole == m.SenderRole {
				return invalidInput("%s posted the previous "+
					"message, it is not their turn",
					m.SenderRole)
			}
		}

		msg, err := st.CreateMessage(ctx, store.Message{
			ReviewID:   rev.ID,
			SenderRole: m.SenderRole,
			Round:      rev.CurrentRound,
			Body:       m.Body,
			Metadata:   m.Metadata,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}

		oldStatus := rev.Status

		// A proposer reply to requested changes puts the review back
		// in the queue. The claimant is kept as a reservation so the
		// same reviewer picks the follow-up back up.
		if m.SenderRole == RoleProposer &&
			cur == StatusChangesRequested {

			requeued = true
			rev.Status = string(StatusPending)
			rev.ClaimedAt = nil
		}
		rev.UpdatedAt = now
		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		evt := store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventMessageSent,
			Actor:     m.SenderRole,
			Metadata: metaJSON(map[string]any{
				"message_id":  msg.ID,
				"sender_role": m.SenderRole,
				"round":       msg.Round,
			}),
			CreatedAt: now,
		}
		if requeued {
			evt.OldStatus = oldStatus
			evt.NewStatus = rev.Status
		}
		if err := st.AppendAudit(ctx, evt); err != nil {
			return err
		}

		resp = AddMessageResp{
			MessageID: msg.ID,
			ReviewID:  rev.ID,
			Round:     msg.Round,
			Requeued:  requeued,
		}

		return nil
	})
	if err != nil {
		return AddMessageResp{Error: AsOpError(op, err)}
	}

	s.bus.Notify(m.ReviewID)
	if requeued {
		s.bus.Notify(notify.QueueTopic)
		s.scaleAsync()
	}

	return resp
}

// handleGetDiscussion returns a review's message thread, optionally
// narrowed to one round.
func (s *Service) handleGetDiscussion(ctx context.Context,
	m GetDiscussionMsg) GetDiscussionResp {

	const op = "get_discussion"

	if m.Round < 0 {
		return GetDiscussionResp{Error: invalidInput(
			"round must be non-negative",
		)}
	}

	var msgs []store.Message
	err := s.store.WithReadTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		if _, err := st.GetReview(ctx, m.ReviewID); err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}

		var err error
		msgs, err = st.ListMessages(ctx, m.ReviewID, m.Round)

		return err
	})
	if err != nil {
		return GetDiscussionResp{Error: AsOpError(op, err)}
	}

	return GetDiscussionResp{ReviewID: m.ReviewID, Messages: msgs}
}

// handleCloseReview closes a review after a terminal verdict. Only the
// proposer side may close.
func (s *Service) handleCloseReview(ctx context.Context,
	m CloseReviewMsg) CloseReviewResp {

	const op = "close_review"

	if m.CloserRole != RoleProposer {
		return CloseReviewResp{Error: forbidden(
			"only the proposer may close a review",
		)}
	}

	now := s.now()
	var (
		resp     CloseReviewResp
		claimant string
	)

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		if !Status(rev.Status).CanTransitionTo(StatusClosed) {
			return invalidTransition("cannot close review %s in "+
				"status %s, a terminal verdict is required",
				rev.ID, rev.Status)
		}

		oldStatus := rev.Status
		claimant = rev.ClaimedBy
		rev.Status = string(StatusClosed)
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		resp = CloseReviewResp{ReviewID: rev.ID, Status: rev.Status}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventReviewClosed,
			Actor:     RoleProposer,
			OldStatus: oldStatus,
			NewStatus: rev.Status,
			CreatedAt: now,
		})
	})
	if err != nil {
		return CloseReviewResp{Error: AsOpError(op, err)}
	}

	log.Infof("Closed review %s", m.ReviewID)

	// Closed is terminal: wake any waiters, then drop the topic so the
	// bus does not accumulate state for dead reviews.
	s.bus.Notify(m.ReviewID)
	s.bus.Forget(m.ReviewID)
	s.finalizeDrained(ctx, claimant)

	return resp
}

// handleGetReviewStatus returns a single review snapshot.
func (s *Service) handleGetReviewStatus(ctx context.Context,
	m GetReviewStatusMsg) GetReviewStatusResp {

	const op = "get_review_status"

	rev, err := s.store.GetReview(ctx, m.ReviewID)
	if err != nil {
		if errors.Is(err, store.ErrReviewNotFound) {
			return GetReviewStatusResp{Error: notFound(
				"review %s not found", m.ReviewID,
			)}
		}
		return GetReviewStatusResp{Error: AsOpError(op, err)}
	}

	return GetReviewStatusResp{Review: rev}
}

// handleGetProposal returns the full proposal including the raw diff and
// any counter-patch.
func (s *Service) handleGetProposal(ctx context.Context,
	m GetProposalMsg) GetProposalResp {

	const op = "get_proposal"

	rev, err := s.store.GetReview(ctx, m.ReviewID)
	if err != nil {
		if errors.Is(err, store.ErrReviewNotFound) {
			return GetProposalResp{Error: notFound(
				"review %s not found", m.ReviewID,
			)}
		}
		return GetProposalResp{Error: AsOpError(op, err)}
	}

	return GetProposalResp{Review: rev}
}

// handleActivityFeed returns reviews ordered most recently updated first,
// with message digests.
func (s *Service) handleActivityFeed(ctx context.Context,
	m ActivityFeedMsg) ActivityFeedResp {

	const op = "activity_feed"

	if m.Status != "" && !Status(m.Status).Valid() {
		return ActivityFeedResp{Error: invalidInput(
			"unknown status %q", m.Status,
		)}
	}

	var projects []string
	if m.Project != "" {
		projects = []string{m.Project}
	}

	items, err := s.store.ActivityFeed(ctx, store.ReviewFilter{
		Status:   m.Status,
		Category: m.Category,
		Projects: projects,
	})
	if err != nil {
		return ActivityFeedResp{Error: AsOpError(op, err)}
	}

	return ActivityFeedResp{Items: items}
}

// handleTimeline returns a review's audit history with a header snapshot.
func (s *Service) handleTimeline(ctx context.Context,
	m TimelineMsg) TimelineResp {

	const op = "get_review_timeline"

	var resp TimelineResp
	err := s.store.WithReadTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}

		events, err := st.ListAuditByReview(ctx, m.ReviewID)
		if err != nil {
			return err
		}

		resp = TimelineResp{
			ReviewID:      rev.ID,
			Intent:        rev.Intent,
			CurrentStatus: rev.Status,
			Category:      rev.Category,
			Events:        events,
		}

		return nil
	})
	if err != nil {
		return TimelineResp{Error: AsOpError(op, err)}
	}

	return resp
}

// handleAuditLog returns audit events, globally or for one review.
func (s *Service) handleAuditLog(ctx context.Context,
	m AuditLogMsg) AuditLogResp {

	const op = "get_audit_log"

	var (
		events []store.AuditEvent
		err    error
	)
	if m.ReviewID != "" {
		events, err = s.store.ListAuditByReview(ctx, m.ReviewID)
	} else {
		events, err = s.store.ListAudit(ctx)
	}
	if err != nil {
		return AuditLogResp{Error: AsOpError(op, err)}
	}

	return AuditLogResp{Events: events}
}

// handleStats returns the aggregate review statistics.
func (s *Service) handleStats(ctx context.Context, _ StatsMsg) StatsResp {
	const op = "get_review_stats"

	stats, err := s.store.GetReviewStats(ctx)
	if err != nil {
		return StatsResp{Error: AsOpError(op, err)}
	}

	return StatsResp{Stats: stats}
}

// handleSpawnReviewer manually spawns one pool worker. The cooldown
// throttle applies to these explicit requests.
func (s *Service) handleSpawnReviewer(ctx context.Context,
	m SpawnReviewerMsg) SpawnReviewerResp {

	const op = "spawn_reviewer"

	info, err := s.pool.Spawn(ctx, m.Project, false)
	if err != nil {
		var cooldown *pool.CooldownError
		switch {
		case errors.Is(err, pool.ErrPoolDisabled):
			return SpawnReviewerResp{Error: forbidden(
				"reviewer pool is not configured",
			)}

		case errors.Is(err, pool.ErrPoolCapReached):
			return SpawnReviewerResp{Error: poolCapReached(
				"reviewer pool is at max_pool_size (%d)",
				s.pool.Config().MaxPoolSize,
			)}

		case errors.As(err, &cooldown):
			return SpawnReviewerResp{Error: cooldownActive(
				cooldown.RetryAfterSeconds,
			)}

		default:
			return SpawnReviewerResp{Error: internalErr(op, err)}
		}
	}

	return SpawnReviewerResp{
		ReviewerID:  info.ReviewerID,
		DisplayName: info.DisplayName,
		PID:         info.PID,
		Status:      store.ReviewerActive,
	}
}

// handleKillReviewer drains a worker, terminating immediately when it has
// no open reviews.
func (s *Service) handleKillReviewer(ctx context.Context,
	m KillReviewerMsg) KillReviewerResp {

	const op = "kill_reviewer"

	if m.ReviewerID == "" {
		return KillReviewerResp{Error: invalidInput(
			"reviewer_id is required",
		)}
	}

	terminated, err := s.pool.Drain(ctx, m.ReviewerID, "kill request")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReviewerNotFound):
			return KillReviewerResp{Error: notFound(
				"reviewer %s not found", m.ReviewerID,
			)}

		case errors.Is(err, pool.ErrAlreadyTerminated):
			return KillReviewerResp{Error: invalidTransition(
				"reviewer %s is already terminated", m.ReviewerID,
			)}

		default:
			return KillReviewerResp{Error: internalErr(op, err)}
		}
	}

	status := store.ReviewerDraining
	if terminated {
		status = store.ReviewerTerminated
	}

	return KillReviewerResp{
		ReviewerID: m.ReviewerID,
		Status:     status,
		Terminated: terminated,
	}
}

// handleListReviewers returns every reviewer row, newest first.
func (s *Service) handleListReviewers(ctx context.Context,
	_ ListReviewersMsg) ListReviewersResp {

	const op = "list_reviewers"

	reviewers, err := s.store.ListReviewers(ctx)
	if err != nil {
		return ListReviewersResp{Error: AsOpError(op, err)}
	}

	return ListReviewersResp{Reviewers: reviewers}
}

// handleReclaimReview forces a claimed review back to pending, bumping the
// claim generation so the previous holder's verdict is fenced out.
func (s *Service) handleReclaimReview(ctx context.Context,
	m ReclaimReviewMsg) ReclaimReviewResp {

	const op = "reclaim_review"

	now := s.now()
	var (
		resp           ReclaimReviewResp
		formerClaimant string
	)

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		rev, err := st.GetReview(ctx, m.ReviewID)
		if err != nil {
			if errors.Is(err, store.ErrReviewNotFound) {
				return notFound("review %s not found", m.ReviewID)
			}
			return err
		}
		if Status(rev.Status) != StatusClaimed {
			return invalidTransition("only claimed reviews can be "+
				"reclaimed, review %s is %s", rev.ID, rev.Status)
		}

		formerClaimant = rev.ClaimedBy
		oldStatus := rev.Status

		rev.Status = string(StatusPending)
		rev.ClaimedBy = ""
		rev.ClaimedAt = nil
		rev.ClaimGeneration++
		rev.UpdatedAt = now

		if err := st.UpdateReview(ctx, rev); err != nil {
			return err
		}

		resp = ReclaimReviewResp{ReviewID: rev.ID, Status: rev.Status}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  rev.ID,
			EventType: store.EventReviewReclaimed,
			Actor:     brokerActor,
			OldStatus: oldStatus,
			NewStatus: rev.Status,
			Metadata: metaJSON(map[string]any{
				"reason":          m.Reason,
				"former_claimant": formerClaimant,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return ReclaimReviewResp{Error: AsOpError(op, err)}
	}

	log.Infof("Reclaimed review %s from %s: %s", m.ReviewID,
		formerClaimant, m.Reason)

	s.bus.Notify(m.ReviewID)
	s.bus.Notify(notify.QueueTopic)
	s.finalizeDrained(ctx, formerClaimant)

	return resp
}

// finalizeDrained terminates the named reviewer when it is draining with no
// open reviews left. Errors are logged, not propagated; finalization is
// repaired by the next reaper pass.
func (s *Service) finalizeDrained(ctx context.Context, reviewerID string) {
	if reviewerID == "" {
		return
	}
	if _, err := s.pool.FinalizeIfDrained(ctx, reviewerID); err != nil {
		log.Warnf("Unable to finalize draining reviewer %s: %v",
			reviewerID, err)
	}
}

// scaleAsync kicks a reactive scaling pass off the hot path. No-op when the
// pool is disabled.
func (s *Service) scaleAsync() {
	if !s.pool.Enabled() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), time.Minute,
		)
		defer cancel()

		if _, err := s.pool.ScalePass(ctx); err != nil {
			log.Warnf("Scale pass failed: %v", err)
		}
	}()
}

// metaJSON renders audit metadata as a JSON object string.
func metaJSON(meta map[string]any) string {
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}

	return string(b)
}
