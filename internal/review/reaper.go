package review

import (
	"context"

	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/store"
)

// handleReaperTick runs one background maintenance pass. Each sweep catches
// its own errors so one failing sweep never starves the others; a tick that
// misses work is repaired by the next one.
func (s *Service) handleReaperTick(ctx context.Context,
	_ ReaperTickMsg) ReaperTickResp {

	if !s.pool.Enabled() {
		return ReaperTickResp{}
	}

	if _, err := s.pool.ScalePass(ctx); err != nil {
		log.Warnf("Reaper: scale pass failed: %v", err)
	}
	s.reapIdleWorkers(ctx)
	s.reapExpiredWorkers(ctx)
	s.reapExpiredClaims(ctx)
	s.reapDeadWorkers(ctx)

	return ReaperTickResp{}
}

// reapIdleWorkers drains workers that have gone idle_timeout without
// activity and have nothing attached. A worker holding a reservation is
// never idle-drained; the follow-up may still arrive.
func (s *Service) reapIdleWorkers(ctx context.Context) {
	cutoff := s.now().Add(-s.pool.Config().IdleTimeout())

	workers, err := s.store.ListReviewersByStatuses(
		ctx, store.ReviewerActive,
	)
	if err != nil {
		log.Warnf("Reaper: unable to list reviewers: %v", err)
		return
	}

	for _, w := range workers {
		if w.SessionToken != s.pool.SessionToken() {
			continue
		}
		if !w.LastActiveAt.Before(cutoff) {
			continue
		}

		attached, err := s.store.ListAttachedReviews(ctx, w.ID)
		if err != nil {
			log.Warnf("Reaper: unable to list reviews for %s: %v",
				w.ID, err)
			continue
		}
		if len(attached) > 0 {
			continue
		}

		if _, err := s.pool.Drain(ctx, w.ID, "idle timeout"); err != nil {
			log.Warnf("Reaper: unable to drain idle reviewer %s: %v",
				w.ID, err)
		}
	}
}

// reapExpiredWorkers drains workers that have outlived max_ttl and have
// nothing attached. A worker mid-review rides past its TTL; the claim
// timeout is what bounds that.
func (s *Service) reapExpiredWorkers(ctx context.Context) {
	cutoff := s.now().Add(-s.pool.Config().MaxTTL())

	workers, err := s.store.ListReviewersByStatuses(
		ctx, store.ReviewerActive,
	)
	if err != nil {
		log.Warnf("Reaper: unable to list reviewers: %v", err)
		return
	}

	for _, w := range workers {
		if w.SessionToken != s.pool.SessionToken() {
			continue
		}
		if !w.SpawnedAt.Before(cutoff) {
			continue
		}

		attached, err := s.store.ListAttachedReviews(ctx, w.ID)
		if err != nil {
			log.Warnf("Reaper: unable to list reviews for %s: %v",
				w.ID, err)
			continue
		}
		if len(attached) > 0 {
			continue
		}

		_, err = s.pool.Drain(ctx, w.ID, "max ttl reached")
		if err != nil {
			log.Warnf("Reaper: unable to drain expired reviewer "+
				"%s: %v", w.ID, err)
		}
	}
}

// reapExpiredClaims reclaims reviews whose claim has been held longer than
// claim_timeout, fencing out the unresponsive claimant.
func (s *Service) reapExpiredClaims(ctx context.Context) {
	cutoff := s.now().Add(-s.pool.Config().ClaimTimeout())

	expired, err := s.store.ListClaimedBefore(ctx, cutoff)
	if err != nil {
		log.Warnf("Reaper: unable to list expired claims: %v", err)
		return
	}

	for _, rev := range expired {
		resp := s.handleReclaimReview(ctx, ReclaimReviewMsg{
			ReviewID: rev.ID,
			Reason:   "claim timeout",
		})
		if resp.Error != nil {
			log.Warnf("Reaper: unable to reclaim %s: %v", rev.ID,
				resp.Error)
		}
	}
}

// reapDeadWorkers settles workers whose process exited on its own: claimed
// reviews go back to the queue, reservations are released, and the
// reviewer row is closed out.
func (s *Service) reapDeadWorkers(ctx context.Context) {
	for _, id := range s.pool.DeadWorkers() {
		log.Warnf("Reviewer %s process died, sweeping its reviews", id)

		attached, err := s.store.ListAttachedReviews(ctx, id)
		if err != nil {
			log.Warnf("Reaper: unable to list reviews for %s: %v",
				id, err)
			continue
		}

		for _, rev := range attached {
			if Status(rev.Status) == StatusClaimed {
				resp := s.handleReclaimReview(ctx, ReclaimReviewMsg{
					ReviewID: rev.ID,
					Reason:   "reviewer process died",
				})
				if resp.Error != nil {
					log.Warnf("Reaper: unable to reclaim "+
						"%s: %v", rev.ID, resp.Error)
				}
				continue
			}

			if err := s.detachReview(ctx, rev, id); err != nil {
				log.Warnf("Reaper: unable to detach %s: %v",
					rev.ID, err)
			}
		}

		// Anything still attached means part of the sweep failed;
		// drain instead of terminating so the next tick retries.
		remaining, err := s.store.ListAttachedReviews(ctx, id)
		if err != nil {
			log.Warnf("Reaper: unable to recount reviews for %s: %v",
				id, err)
			continue
		}
		if len(remaining) > 0 {
			_, err := s.pool.Drain(ctx, id, "process died")
			if err != nil {
				log.Warnf("Reaper: unable to drain dead "+
					"reviewer %s: %v", id, err)
			}
			continue
		}

		if err := s.pool.Terminate(ctx, id); err != nil {
			log.Warnf("Reaper: unable to terminate dead reviewer "+
				"%s: %v", id, err)
		}
	}
}

// detachReview releases a non-claimed attachment (a reservation or a
// changes_requested hand-back) from a dead reviewer without changing the
// review's status.
func (s *Service) detachReview(ctx context.Context, rev store.Review,
	reviewerID string) error {

	now := s.now()

	err := s.store.WithTx(ctx, func(ctx context.Context,
		st store.Storage) error {

		cur, err := st.GetReview(ctx, rev.ID)
		if err != nil {
			return err
		}
		// The review moved on between listing and this write.
		if cur.ClaimedBy != reviewerID {
			return nil
		}

		cur.ClaimedBy = ""
		cur.UpdatedAt = now
		if err := st.UpdateReview(ctx, cur); err != nil {
			return err
		}

		return st.AppendAudit(ctx, store.AuditEvent{
			ReviewID:  cur.ID,
			EventType: store.EventReviewDetached,
			Actor:     brokerActor,
			Metadata: metaJSON(map[string]any{
				"former_claimant": reviewerID,
				"reason":          "reviewer process died",
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	s.bus.Notify(rev.ID)

	// A released reservation makes the review claimable by anyone, which
	// changes what queue waiters see.
	if Status(rev.Status) == StatusPending {
		s.bus.Notify(notify.QueueTopic)
	}

	return nil
}

// handleRecover runs the startup sweep: reviewer rows from previous daemon
// runs are closed out, claims they held go back to the queue, and one
// scaling pass primes the pool for whatever is already pending.
func (s *Service) handleRecover(ctx context.Context,
	_ RecoverMsg) RecoverResp {

	const op = "recover"

	stale, err := s.pool.CleanupStaleSessions(ctx)
	if err != nil {
		return RecoverResp{Error: internalErr(op, err)}
	}

	orphans, err := s.store.ListOrphanedClaims(ctx, s.pool.SessionToken())
	if err != nil {
		return RecoverResp{
			StaleReviewers: stale,
			Error:          internalErr(op, err),
		}
	}

	reclaimed := 0
	for _, rev := range orphans {
		resp := s.handleReclaimReview(ctx, ReclaimReviewMsg{
			ReviewID: rev.ID,
			Reason:   "orphaned claim from previous session",
		})
		if resp.Error != nil {
			log.Warnf("Recovery: unable to reclaim %s: %v", rev.ID,
				resp.Error)
			continue
		}
		reclaimed++
	}

	if s.pool.Enabled() {
		if _, err := s.pool.ScalePass(ctx); err != nil {
			log.Warnf("Recovery: scale pass failed: %v", err)
		}
	}

	log.Infof("Recovery complete: %d stale reviewers terminated, %d "+
		"orphaned claims reclaimed", stale, reclaimed)

	return RecoverResp{
		StaleReviewers:  stale,
		ReclaimedClaims: reclaimed,
	}
}
