package review

import "strings"

// Status is a review's lifecycle state.
type Status string

// Review lifecycle states.
const (
	StatusPending          Status = "pending"
	StatusClaimed          Status = "claimed"
	StatusInReview         Status = "in_review"
	StatusApproved         Status = "approved"
	StatusChangesRequested Status = "changes_requested"
	StatusClosed           Status = "closed"
)

// validTransitions is the complete transition table. Reclaim is the
// claimed to pending edge; revise is the changes_requested to pending
// edge.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusClaimed},
	StatusClaimed: {
		StatusPending, StatusInReview, StatusApproved,
		StatusChangesRequested,
	},
	StatusInReview:         {StatusApproved, StatusChangesRequested},
	StatusApproved:         {StatusClosed},
	StatusChangesRequested: {StatusPending, StatusClosed},
	StatusClosed:           nil,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// CanTransitionTo reports whether the edge s to next is in the transition
// table.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// openStatuses are the states in which a review still binds its claimant.
// Used when deciding whether a draining reviewer can be finalized.
var openStatuses = []string{
	string(StatusPending), string(StatusClaimed), string(StatusInReview),
	string(StatusChangesRequested),
}

// Verdict is a reviewer's judgment on a proposal.
type Verdict string

// Verdicts. Only the first two change review state.
const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictComment          Verdict = "comment"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictChangesRequested, VerdictComment:
		return true
	}

	return false
}

// Priority orders pending reviews in the queue.
type Priority string

// Queue priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// DerivePriority computes a review's priority from the proposing agent's
// identity. Planner output blocks everything downstream, so it is checked
// before the verify-phase demotion.
func DerivePriority(agentType, phase string) Priority {
	if strings.Contains(agentType, "planner") {
		return PriorityCritical
	}
	if strings.Contains(phase, "verify") {
		return PriorityLow
	}

	return PriorityNormal
}

// CounterPatch states.
const (
	CounterPatchPending  = "pending"
	CounterPatchAccepted = "accepted"
	CounterPatchRejected = "rejected"
)

// Sender roles on messages and close requests.
const (
	RoleProposer = "proposer"
	RoleReviewer = "reviewer"
)

// ValidRole reports whether role is proposer or reviewer.
func ValidRole(role string) bool {
	return role == RoleProposer || role == RoleReviewer
}

// AutoRejectActor is the synthetic claimant recorded when the broker
// rejects a proposal whose diff fails validation.
const AutoRejectActor = "broker-validator"
