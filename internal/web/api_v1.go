package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/revbroker/internal/diff"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/review"
	"github.com/roasbeef/revbroker/internal/store"
)

// registerAPIV1Routes registers all /api/v1/ routes.
func (s *Server) registerAPIV1Routes() {
	// JSON middleware for API routes.
	api := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next(w, r)
		}
	}

	s.mux.HandleFunc("/healthz", api(s.handleHealth))

	// Reviews: collection plus per-review sub-resources.
	s.mux.HandleFunc("/api/v1/reviews", api(s.handleReviews))
	s.mux.HandleFunc("/api/v1/reviews/", api(s.handleReviewByID))

	// Reviewer pool.
	s.mux.HandleFunc("/api/v1/reviewers", api(s.handleReviewers))
	s.mux.HandleFunc("/api/v1/reviewers/", api(s.handleReviewerByID))

	// Observability.
	s.mux.HandleFunc("/api/v1/feed", api(s.handleFeed))
	s.mux.HandleFunc("/api/v1/audit", api(s.handleAudit))
	s.mux.HandleFunc("/api/v1/stats", api(s.handleStats))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("Error encoding JSON response: %v", err)
	}
}

// httpStatus maps an operation refusal kind to an HTTP status code.
func httpStatus(kind review.ErrorKind) int {
	switch kind {
	case review.KindNotFound:
		return http.StatusNotFound

	case review.KindInvalidInput:
		return http.StatusBadRequest

	case review.KindForbidden, review.KindUnauthorized:
		return http.StatusForbidden

	case review.KindInvalidTransition, review.KindStaleClaim,
		review.KindStaleCounter:

		return http.StatusConflict

	case review.KindInvalidDiff, review.KindInvalidCounter:
		return http.StatusUnprocessableEntity

	case review.KindCooldownActive, review.KindPoolCapReached:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}

// writeOpError renders an operation refusal as the stable {"error": ...}
// document with a status derived from the refusal kind.
func writeOpError(w http.ResponseWriter, op string, err error) {
	opErr := review.AsOpError(op, err)
	writeJSON(w, httpStatus(opErr.Kind), opErr.Document())
}

// writeBadRequest renders a transport-level input error in the same
// document shape operations use.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// apiReviewSummary is a review row as listed by the collection endpoints.
type apiReviewSummary struct {
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

func reviewSummary(rev store.Review) apiReviewSummary {
	return apiReviewSummary{
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
		CreatedAt:       store.FormatTime(rev.CreatedAt),
		UpdatedAt:       store.FormatTime(rev.UpdatedAt),
	}
}

// handleReviews serves GET (list, optionally long-polling) and POST
// (create or revise) on the review collection.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listReviews(w, r)

	case http.MethodPost:
		s.createReview(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var projects []string
	if raw := q.Get("projects"); raw != "" {
		projects = strings.Split(raw, ",")
	}

	msg := review.ListReviewsMsg{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Project:  q.Get("project"),
		Projects: projects,
		Wait:     q.Get("wait") == "true",
	}

	// Capture the queue version before the first read so a notification
	// landing between the read and the wait still wakes us.
	since := s.bus.CurrentVersion(notify.QueueTopic)

	resp, err := askBroker[review.ListReviewsResp](r.Context(), s, msg)
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "list_reviews", err)
		return
	}

	if msg.Wait && len(resp.Reviews) == 0 {
		woke := s.bus.WaitForChange(
			r.Context(), notify.QueueTopic, s.waitTimeout, since,
		)
		if woke {
			resp, err = askBroker[review.ListReviewsResp](
				r.Context(), s, msg,
			)
			if err == nil && resp.Error != nil {
				err = resp.Error
			}
			if err != nil {
				writeOpError(w, "list_reviews", err)
				return
			}
		}
	}

	reviews := make([]apiReviewSummary, 0, len(resp.Reviews))
	for _, rev := range resp.Reviews {
		reviews = append(reviews, reviewSummary(rev))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": reviews,
		"count":   len(reviews),
	})
}

// createReviewBody is the POST /api/v1/reviews request payload. review_id
// switches the call into revise mode.
type createReviewBody struct {
	ReviewID           string `json:"review_id,omitempty"`
	Intent             string `json:"intent"`
	AgentType          string `json:"agent_type"`
	AgentRole          string `json:"agent_role"`
	Phase              string `json:"phase"`
	Plan               string `json:"plan,omitempty"`
	Task               string `json:"task,omitempty"`
	Project            string `json:"project,omitempty"`
	Description        string `json:"description,omitempty"`
	Diff               string `json:"diff,omitempty"`
	Category           string `json:"category,omitempty"`
	SkipDiffValidation bool   `json:"skip_diff_validation,omitempty"`
}

func (s *Server) createReview(w http.ResponseWriter, r *http.Request) {
	var body createReviewBody
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := askBroker[review.CreateReviewResp](r.Context(), s,
		review.CreateReviewMsg{
			ReviewID:           body.ReviewID,
			Intent:             body.Intent,
			AgentType:          body.AgentType,
			AgentRole:          body.AgentRole,
			Phase:              body.Phase,
			Plan:               body.Plan,
			Task:               body.Task,
			Project:            body.Project,
			Description:        body.Description,
			Diff:               body.Diff,
			Category:           body.Category,
			SkipDiffValidation: body.SkipDiffValidation,
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "create_review", err)
		return
	}

	status := http.StatusCreated
	if resp.Revised {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"review_id": resp.ReviewID,
		"status":    resp.Status,
		"revised":   resp.Revised,
	})
}

// handleReviewByID routes /api/v1/reviews/{id} and its sub-resources.
func (s *Server) handleReviewByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/reviews/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeBadRequest(w, "missing review id")
		return
	}
	reviewID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getReviewStatus(w, r, reviewID)
		return
	}

	switch strings.Join(parts[1:], "/") {
	case "proposal":
		s.getProposal(w, r, reviewID)

	case "discussion":
		switch r.Method {
		case http.MethodGet:
			s.getDiscussion(w, r, reviewID)
		case http.MethodPost:
			s.addMessage(w, r, reviewID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case "timeline":
		s.getTimeline(w, r, reviewID)

	case "claim":
		s.claimReview(w, r, reviewID)

	case "verdict":
		s.submitVerdict(w, r, reviewID)

	case "counter/accept":
		s.counterPatch(w, r, reviewID, true)

	case "counter/reject":
		s.counterPatch(w, r, reviewID, false)

	case "close":
		s.closeReview(w, r, reviewID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// apiReviewStatus is the single-review snapshot. The raw diff is absent;
// the proposal endpoint carries it.
type apiReviewStatus struct {
	apiReviewSummary

	Description        string `json:"description,omitempty"`
	Plan               string `json:"plan,omitempty"`
	Task               string `json:"task,omitempty"`
	ClaimedAt          string `json:"claimed_at,omitempty"`
	HasCounterPatch    bool   `json:"has_counter_patch"`
	CounterPatchStatus string `json:"counter_patch_status,omitempty"`
	VerdictReason      string `json:"verdict_reason,omitempty"`
	ParentID           string `json:"parent_id,omitempty"`
}

func reviewStatusDoc(rev store.Review) apiReviewStatus {
	claimedAt := ""
	if rev.ClaimedAt != nil {
		claimedAt = store.FormatTime(*rev.ClaimedAt)
	}

	return apiReviewStatus{
		apiReviewSummary:   reviewSummary(rev),
		Description:        rev.Description,
		Plan:               rev.Plan,
		Task:               rev.Task,
		ClaimedAt:          claimedAt,
		HasCounterPatch:    rev.CounterPatch != "",
		CounterPatchStatus: rev.CounterPatchStatus,
		VerdictReason:      rev.VerdictReason,
		ParentID:           rev.ParentID,
	}
}

func (s *Server) getReviewStatus(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	msg := review.GetReviewStatusMsg{ReviewID: reviewID}
	since := s.bus.CurrentVersion(reviewID)

	resp, err := askBroker[review.GetReviewStatusResp](r.Context(), s, msg)
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_review_status", err)
		return
	}

	// wait=true long-polls the review topic, then re-reads.
	if r.URL.Query().Get("wait") == "true" {
		woke := s.bus.WaitForChange(
			r.Context(), reviewID, s.waitTimeout, since,
		)
		if woke {
			resp, err = askBroker[review.GetReviewStatusResp](
				r.Context(), s, msg,
			)
			if err == nil && resp.Error != nil {
				err = resp.Error
			}
			if err != nil {
				writeOpError(w, "get_review_status", err)
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, reviewStatusDoc(resp.Review))
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := askBroker[review.GetProposalResp](r.Context(), s,
		review.GetProposalMsg{ReviewID: reviewID})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_proposal", err)
		return
	}

	rev := resp.Review
	writeJSON(w, http.StatusOK, map[string]any{
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
	})
}

// apiMessage is one discussion message. BodyHTML carries the rendered
// markdown for the dashboard.
type apiMessage struct {
	ID         int64  `json:"id"`
	SenderRole string `json:"sender_role"`
	Round      int    `json:"round"`
	Body       string `json:"body"`
	BodyHTML   string `json:"body_html"`
	Metadata   string `json:"metadata,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) getDiscussion(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	round := 0
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid round: "+raw)
			return
		}
		round = n
	}

	resp, err := askBroker[review.GetDiscussionResp](r.Context(), s,
		review.GetDiscussionMsg{ReviewID: reviewID, Round: round})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_discussion", err)
		return
	}

	messages := make([]apiMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		messages = append(messages, apiMessage{
			ID:         m.ID,
			SenderRole: m.SenderRole,
			Round:      m.Round,
			Body:       m.Body,
			BodyHTML:   renderMarkdown(m.Body),
			Metadata:   m.Metadata,
			CreatedAt:  store.FormatTime(m.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review_id": resp.ReviewID,
		"messages":  messages,
		"count":     len(messages),
	})
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	var body struct {
		SenderRole string `json:"sender_role"`
		Body       string `json:"body"`
		Metadata   string `json:"metadata,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := askBroker[review.AddMessageResp](r.Context(), s,
		review.AddMessageMsg{
			ReviewID:   reviewID,
			SenderRole: body.SenderRole,
			Body:       body.Body,
			Metadata:   body.Metadata,
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "add_message", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id": resp.MessageID,
		"review_id":  resp.ReviewID,
		"round":      resp.Round,
		"requeued":   resp.Requeued,
	})
}

// apiAuditEvent is one audit trail entry.
type apiAuditEvent struct {
	ID        int64  `json:"id"`
	ReviewID  string `json:"review_id,omitempty"`
	EventType string `json:"event_type"`
	Actor     string `json:"actor"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

func auditEvents(events []store.AuditEvent) []apiAuditEvent {
	out := make([]apiAuditEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, apiAuditEvent{
			ID:        ev.ID,
			ReviewID:  ev.ReviewID,
			EventType: ev.EventType,
			Actor:     ev.Actor,
			OldStatus: ev.OldStatus,
			NewStatus: ev.NewStatus,
			Metadata:  ev.Metadata,
			CreatedAt: store.FormatTime(ev.CreatedAt),
		})
	}

	return out
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := askBroker[review.TimelineResp](r.Context(), s,
		review.TimelineMsg{ReviewID: reviewID})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_review_timeline", err)
		return
	}

	events := auditEvents(resp.Events)
	writeJSON(w, http.StatusOK, map[string]any{
		"review_id":      resp.ReviewID,
		"intent":         resp.Intent,
		"current_status": resp.CurrentStatus,
		"category":       resp.Category,
		"events":         events,
		"event_count":    len(events),
	})
}

func (s *Server) claimReview(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ReviewerID string `json:"reviewer_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := askBroker[review.ClaimReviewResp](r.Context(), s,
		review.ClaimReviewMsg{
			ReviewID:   reviewID,
			ReviewerID: body.ReviewerID,
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "claim_review", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review_id":        resp.ReviewID,
		"status":           resp.Status,
		"claimed_by":       resp.ClaimedBy,
		"claim_generation": resp.ClaimGeneration,
		"intent":           resp.Intent,
		"description":      resp.Description,
		"category":         resp.Category,
		"has_diff":         resp.HasDiff,
		"affected_files":   resp.AffectedFiles,
		"auto_rejected":    resp.AutoRejected,
		"validation_error": resp.ValidationError,
	})
}

func (s *Server) submitVerdict(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Verdict         string `json:"verdict"`
		Reason          string `json:"reason,omitempty"`
		ReviewerID      string `json:"reviewer_id,omitempty"`
		ClaimGeneration *int   `json:"claim_generation,omitempty"`
		CounterPatch    string `json:"counter_patch,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	claimGen := fn.None[int]()
	if body.ClaimGeneration != nil {
		claimGen = fn.Some(*body.ClaimGeneration)
	}

	resp, err := askBroker[review.SubmitVerdictResp](r.Context(), s,
		review.SubmitVerdictMsg{
			ReviewID:        reviewID,
			Verdict:         body.Verdict,
			Reason:          body.Reason,
			ReviewerID:      body.ReviewerID,
			ClaimGeneration: claimGen,
			CounterPatch:    body.CounterPatch,
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "submit_verdict", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review_id":         resp.ReviewID,
		"status":            resp.Status,
		"verdict_reason":    resp.VerdictReason,
		"has_counter_patch": resp.HasCounterPatch,
	})
}

func (s *Server) counterPatch(w http.ResponseWriter, r *http.Request,
	reviewID string, accept bool) {

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		id     string
		status string
		err    error
	)
	if accept {
		var resp review.AcceptCounterPatchResp
		resp, err = askBroker[review.AcceptCounterPatchResp](
			r.Context(), s,
			review.AcceptCounterPatchMsg{ReviewID: reviewID},
		)
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		id, status = resp.ReviewID, resp.CounterPatchStatus
	} else {
		var resp review.RejectCounterPatchResp
		resp, err = askBroker[review.RejectCounterPatchResp](
			r.Context(), s,
			review.RejectCounterPatchMsg{ReviewID: reviewID},
		)
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		id, status = resp.ReviewID, resp.CounterPatchStatus
	}
	if err != nil {
		op := "reject_counter_patch"
		if accept {
			op = "accept_counter_patch"
		}
		writeOpError(w, op, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review_id":            id,
		"counter_patch_status": status,
	})
}

func (s *Server) closeReview(w http.ResponseWriter, r *http.Request,
	reviewID string) {

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		CloserRole string `json:"closer_role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	resp, err := askBroker[review.CloseReviewResp](r.Context(), s,
		review.CloseReviewMsg{
			ReviewID:   reviewID,
			CloserRole: body.CloserRole,
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "close_review", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"review_id": resp.ReviewID,
		"status":    resp.Status,
	})
}

// handleReviewers serves GET (list) and POST (spawn) on the pool.
func (s *Server) handleReviewers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resp, err := askBroker[review.ListReviewersResp](
			r.Context(), s, review.ListReviewersMsg{},
		)
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		if err != nil {
			writeOpError(w, "list_reviewers", err)
			return
		}

		reviewers := make([]map[string]any, 0, len(resp.Reviewers))
		for _, rw := range resp.Reviewers {
			terminatedAt := ""
			if rw.TerminatedAt != nil {
				terminatedAt = store.FormatTime(*rw.TerminatedAt)
			}
			reviewers = append(reviewers, map[string]any{
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
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reviewers": reviewers,
		})

	case http.MethodPost:
		var body struct {
			Project string `json:"project,omitempty"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		resp, err := askBroker[review.SpawnReviewerResp](
			r.Context(), s,
			review.SpawnReviewerMsg{Project: body.Project},
		)
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		if err != nil {
			writeOpError(w, "spawn_reviewer", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"reviewer_id":  resp.ReviewerID,
			"display_name": resp.DisplayName,
			"pid":          resp.PID,
			"status":       resp.Status,
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleReviewerByID routes /api/v1/reviewers/{id}/kill.
func (s *Server) handleReviewerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/reviewers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "kill" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := askBroker[review.KillReviewerResp](r.Context(), s,
		review.KillReviewerMsg{ReviewerID: parts[0]})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "kill_reviewer", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reviewer_id": resp.ReviewerID,
		"status":      resp.Status,
		"terminated":  resp.Terminated,
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	resp, err := askBroker[review.ActivityFeedResp](r.Context(), s,
		review.ActivityFeedMsg{
			Status:   q.Get("status"),
			Category: q.Get("category"),
			Project:  q.Get("project"),
		})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_activity_feed", err)
		return
	}

	items := make([]map[string]any, 0, len(resp.Items))
	for _, item := range resp.Items {
		lastAt := ""
		if item.LastMessageAt != nil {
			lastAt = store.FormatTime(*item.LastMessageAt)
		}
		items = append(items, map[string]any{
			"review":               reviewSummary(item.Review),
			"message_count":        item.MessageCount,
			"last_message_at":      lastAt,
			"last_message_preview": item.LastMessagePreview,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": items,
		"count":   len(items),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := askBroker[review.AuditLogResp](r.Context(), s,
		review.AuditLogMsg{ReviewID: r.URL.Query().Get("review_id")})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_audit_log", err)
		return
	}

	events := auditEvents(resp.Events)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := askBroker[review.StatsResp](r.Context(), s,
		review.StatsMsg{})
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		writeOpError(w, "get_review_stats", err)
		return
	}

	writeJSON(w, http.StatusOK, statsDoc(resp.Stats))
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
