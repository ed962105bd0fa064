package commands

import (
	"github.com/roasbeef/revbroker/internal/diff"
	"github.com/roasbeef/revbroker/internal/store"
)

// Direct-mode document builders. These mirror the daemon's HTTP response
// shapes so command output code works the same in both modes.

func summaryDoc(rev store.Review) map[string]any {
	doc := map[string]any{
		"id":            rev.ID,
		"status":        rev.Status,
		"intent":        rev.Intent,
		"agent_type":    rev.AgentType,
		"agent_role":    rev.AgentRole,
		"phase":         rev.Phase,
		"priority":      rev.Priority,
		"category":      rev.Category,
		"current_round": rev.CurrentRound,
		"has_diff":      rev.Diff != "",
		"created_at":    store.FormatTime(rev.CreatedAt),
		"updated_at":    store.FormatTime(rev.UpdatedAt),
	}
	if rev.Project != "" {
		doc["project"] = rev.Project
	}
	if rev.ClaimedBy != "" {
		doc["claimed_by"] = rev.ClaimedBy
		doc["claim_generation"] = rev.ClaimGeneration
	}

	return doc
}

func statusDoc(rev store.Review) map[string]any {
	doc := summaryDoc(rev)
	doc["description"] = rev.Description
	doc["plan"] = rev.Plan
	doc["task"] = rev.Task
	doc["has_counter_patch"] = rev.CounterPatch != ""
	doc["counter_patch_status"] = rev.CounterPatchStatus
	doc["verdict_reason"] = rev.VerdictReason
	doc["parent_id"] = rev.ParentID
	if rev.ClaimedAt != nil {
		doc["claimed_at"] = store.FormatTime(*rev.ClaimedAt)
	}

	return doc
}

func proposalDoc(rev store.Review) map[string]any {
	return map[string]any{
		"id":             rev.ID,
		"status":         rev.Status,
		"intent":         rev.Intent,
		"description":    rev.Description,
		"diff":           rev.Diff,
		"affected_files": diff.DecodeAffectedFiles(rev.AffectedFiles),
		"category":       rev.Category,
		"current_round":  rev.CurrentRound,
		"counter_patch":  rev.CounterPatch,
		"counter_patch_affected_files": diff.DecodeAffectedFiles(
			rev.CounterPatchAffectedFiles,
		),
		"counter_patch_status": rev.CounterPatchStatus,
		"verdict_reason":       rev.VerdictReason,
		"created_at":           store.FormatTime(rev.CreatedAt),
		"updated_at":           store.FormatTime(rev.UpdatedAt),
	}
}

func messageDoc(m store.Message) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"sender_role": m.SenderRole,
		"round":       m.Round,
		"body":        m.Body,
		"metadata":    m.Metadata,
		"created_at":  store.FormatTime(m.CreatedAt),
	}
}

func auditDoc(ev store.AuditEvent) map[string]any {
	return map[string]any{
		"id":         ev.ID,
		"review_id":  ev.ReviewID,
		"event_type": ev.EventType,
		"actor":      ev.Actor,
		"old_status": ev.OldStatus,
		"new_status": ev.NewStatus,
		"metadata":   ev.Metadata,
		"created_at": store.FormatTime(ev.CreatedAt),
	}
}

func reviewerDoc(rw store.Reviewer) map[string]any {
	terminatedAt := ""
	if rw.TerminatedAt != nil {
		terminatedAt = store.FormatTime(*rw.TerminatedAt)
	}

	return map[string]any{
		"id":                   rw.ID,
		"display_name":         rw.DisplayName,
		"status":               rw.Status,
		"pid":                  rw.PID,
		"spawned_at":           store.FormatTime(rw.SpawnedAt),
		"last_active_at":       store.FormatTime(rw.LastActiveAt),
		"terminated_at":        terminatedAt,
		"reviews_completed":    rw.ReviewsCompleted,
		"approvals":            rw.Approvals,
		"rejections":           rw.Rejections,
		"total_review_seconds": rw.TotalReviewSeconds,
	}
}

func feedItemDoc(item store.FeedItem) map[string]any {
	lastAt := ""
	if item.LastMessageAt != nil {
		lastAt = store.FormatTime(*item.LastMessageAt)
	}

	return map[string]any{
		"review":               summaryDoc(item.Review),
		"message_count":        item.MessageCount,
		"last_message_at":      lastAt,
		"last_message_preview": item.LastMessagePreview,
	}
}

func statsDoc(stats store.ReviewStats) map[string]any {
	return map[string]any{
		"total":                       stats.Total,
		"by_status":                   stats.ByStatus,
		"by_category":                 stats.ByCategory,
		"approval_rate_pct":           stats.ApprovalRatePct,
		"avg_time_to_verdict_seconds": stats.AvgTimeToVerdictSeconds,
		"avg_review_duration_seconds": stats.AvgReviewDurationSeconds,
		"avg_time_in_state_seconds":   stats.AvgTimeInStateSeconds,
	}
}
