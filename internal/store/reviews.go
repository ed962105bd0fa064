package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// reviewColumns is the canonical column list used by every review query so
// scanReview can stay in one place.
const reviewColumns = `id, status, intent, description, diff,
	affected_files, agent_type, agent_role, phase, plan, task, project,
	priority, category, current_round, counter_patch,
	counter_patch_affected_files, counter_patch_status, claimed_by,
	claim_generation, claimed_at, skip_diff_validation, verdict_reason,
	parent_id, created_at, updated_at`

// feedPreviewLen bounds the last-message preview surfaced by the activity
// feed.
const feedPreviewLen = 120

// rowScanner abstracts over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanReview decodes one review row.
func scanReview(row rowScanner) (Review, error) {
	var (
		rev Review

		description, diff, affectedFiles     sql.NullString
		plan, task, project, category        sql.NullString
		counterPatch, counterFiles           sql.NullString
		counterStatus, claimedBy, claimedAt  sql.NullString
		verdictReason, parentID              sql.NullString
		skipDiffValidation                   int
		createdAt, updatedAt                 string
	)

	err := row.Scan(
		&rev.ID, &rev.Status, &rev.Intent, &description, &diff,
		&affectedFiles, &rev.AgentType, &rev.AgentRole, &rev.Phase,
		&plan, &task, &project, &rev.Priority, &category,
		&rev.CurrentRound, &counterPatch, &counterFiles,
		&counterStatus, &claimedBy, &rev.ClaimGeneration, &claimedAt,
		&skipDiffValidation, &verdictReason, &parentID, &createdAt,
		&updatedAt,
	)
	if err != nil {
		return Review{}, err
	}

	rev.Description = stringOrEmpty(description)
	rev.Diff = stringOrEmpty(diff)
	rev.AffectedFiles = stringOrEmpty(affectedFiles)
	rev.Plan = stringOrEmpty(plan)
	rev.Task = stringOrEmpty(task)
	rev.Project = stringOrEmpty(project)
	rev.Category = stringOrEmpty(category)
	rev.CounterPatch = stringOrEmpty(counterPatch)
	rev.CounterPatchAffectedFiles = stringOrEmpty(counterFiles)
	rev.CounterPatchStatus = stringOrEmpty(counterStatus)
	rev.ClaimedBy = stringOrEmpty(claimedBy)
	rev.VerdictReason = stringOrEmpty(verdictReason)
	rev.ParentID = stringOrEmpty(parentID)
	rev.SkipDiffValidation = skipDiffValidation != 0

	rev.ClaimedAt, err = parseNullableTime(stringOrEmpty(claimedAt))
	if err != nil {
		return Review{}, fmt.Errorf("bad claimed_at: %w", err)
	}

	rev.CreatedAt, err = ParseTime(createdAt)
	if err != nil {
		return Review{}, fmt.Errorf("bad created_at: %w", err)
	}

	rev.UpdatedAt, err = ParseTime(updatedAt)
	if err != nil {
		return Review{}, fmt.Errorf("bad updated_at: %w", err)
	}

	return rev, nil
}

// boolToInt maps Go bools onto the INTEGER columns SQLite uses for flags.
func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// CreateReview inserts a new review row.
func (s *SQLStore) CreateReview(ctx context.Context, rev Review) error {
	return s.write(ctx, func(tx querier) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reviews (`+reviewColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
				?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rev.ID, rev.Status, rev.Intent,
			nullable(rev.Description), nullable(rev.Diff),
			nullable(rev.AffectedFiles), rev.AgentType,
			rev.AgentRole, rev.Phase, nullable(rev.Plan),
			nullable(rev.Task), nullable(rev.Project),
			rev.Priority, nullable(rev.Category), rev.CurrentRound,
			nullable(rev.CounterPatch),
			nullable(rev.CounterPatchAffectedFiles),
			nullable(rev.CounterPatchStatus),
			nullable(rev.ClaimedBy), rev.ClaimGeneration,
			nullable(formatNullableTime(rev.ClaimedAt)),
			boolToInt(rev.SkipDiffValidation),
			nullable(rev.VerdictReason), nullable(rev.ParentID),
			FormatTime(rev.CreatedAt), FormatTime(rev.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create review: %w", err)
		}

		return nil
	})
}

// GetReview retrieves a review by id, returning ErrReviewNotFound if
// absent.
func (s *SQLStore) GetReview(ctx context.Context, id string) (Review, error) {
	row := s.reader().QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)

	rev, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Review{}, ErrReviewNotFound
	}
	if err != nil {
		return Review{}, fmt.Errorf("failed to get review: %w", err)
	}

	return rev, nil
}

// UpdateReview replaces every mutable column of the review row.
func (s *SQLStore) UpdateReview(ctx context.Context, rev Review) error {
	return s.write(ctx, func(tx querier) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reviews SET
				status = ?, intent = ?, description = ?,
				diff = ?, affected_files = ?, agent_type = ?,
				agent_role = ?, phase = ?, plan = ?, task = ?,
				project = ?, priority = ?, category = ?,
				current_round = ?, counter_patch = ?,
				counter_patch_affected_files = ?,
				counter_patch_status = ?, claimed_by = ?,
				claim_generation = ?, claimed_at = ?,
				skip_diff_validation = ?, verdict_reason = ?,
				parent_id = ?, updated_at = ?
			WHERE id = ?`,
			rev.Status, rev.Intent, nullable(rev.Description),
			nullable(rev.Diff), nullable(rev.AffectedFiles),
			rev.AgentType, rev.AgentRole, rev.Phase,
			nullable(rev.Plan), nullable(rev.Task),
			nullable(rev.Project), rev.Priority,
			nullable(rev.Category), rev.CurrentRound,
			nullable(rev.CounterPatch),
			nullable(rev.CounterPatchAffectedFiles),
			nullable(rev.CounterPatchStatus),
			nullable(rev.ClaimedBy), rev.ClaimGeneration,
			nullable(formatNullableTime(rev.ClaimedAt)),
			boolToInt(rev.SkipDiffValidation),
			nullable(rev.VerdictReason), nullable(rev.ParentID),
			FormatTime(rev.UpdatedAt), rev.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update review: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrReviewNotFound
		}

		return nil
	})
}

// reviewFilterClause renders the WHERE clause for a ReviewFilter. The
// prefix qualifies column names when the query joins other tables.
func reviewFilterClause(f ReviewFilter, prefix string) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.Status != "" {
		conds = append(conds, prefix+"status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		conds = append(conds, prefix+"category = ?")
		args = append(args, f.Category)
	}
	if len(f.Projects) > 0 {
		marks := strings.Repeat("?, ", len(f.Projects))
		conds = append(conds, fmt.Sprintf("%sproject IN (%s)",
			prefix, strings.TrimSuffix(marks, ", ")))
		for _, p := range f.Projects {
			args = append(args, p)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

// priorityOrder sorts critical ahead of normal ahead of low. Unknown
// values sort with normal.
const priorityOrder = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'low' THEN 2
	ELSE 1 END`

// ListReviews returns reviews matching the filter, ordered by priority
// then created_at ascending.
func (s *SQLStore) ListReviews(ctx context.Context,
	f ReviewFilter) ([]Review, error) {

	where, args := reviewFilterClause(f, "")

	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews`+where+`
		ORDER BY `+priorityOrder+`, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// collectReviews drains a review result set.
func collectReviews(rows *sql.Rows) ([]Review, error) {
	var reviews []Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, rev)
	}

	return reviews, rows.Err()
}

// ActivityFeed returns reviews matching the filter ordered most recently
// updated first, each carrying its message digest.
func (s *SQLStore) ActivityFeed(ctx context.Context,
	f ReviewFilter) ([]FeedItem, error) {

	where, args := reviewFilterClause(f, "r.")

	rows, err := s.reader().QueryContext(ctx, `
		SELECT r.id, r.status, r.intent, r.description, r.diff,
			r.affected_files, r.agent_type, r.agent_role, r.phase,
			r.plan, r.task, r.project, r.priority, r.category,
			r.current_round, r.counter_patch,
			r.counter_patch_affected_files,
			r.counter_patch_status, r.claimed_by,
			r.claim_generation, r.claimed_at,
			r.skip_diff_validation, r.verdict_reason, r.parent_id,
			r.created_at, r.updated_at,
			COUNT(m.id),
			MAX(m.created_at),
			(SELECT body FROM messages
			 WHERE review_id = r.id
			 ORDER BY created_at DESC, id DESC LIMIT 1)
		FROM reviews r
		LEFT JOIN messages m ON m.review_id = r.id`+where+`
		GROUP BY r.id
		ORDER BY r.updated_at DESC, r.id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build activity feed: %w",
			err)
	}
	defer rows.Close()

	var items []FeedItem
	for rows.Next() {
		item, err := scanFeedItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// scanFeedItem decodes a review row followed by its digest columns.
func scanFeedItem(rows *sql.Rows) (FeedItem, error) {
	var (
		item FeedItem

		description, diff, affectedFiles     sql.NullString
		plan, task, project, category        sql.NullString
		counterPatch, counterFiles           sql.NullString
		counterStatus, claimedBy, claimedAt  sql.NullString
		verdictReason, parentID              sql.NullString
		skipDiffValidation                   int
		createdAt, updatedAt                 string
		lastMessageAt, lastBody              sql.NullString
	)

	err := rows.Scan(
		&item.ID, &item.Status, &item.Intent, &description, &diff,
		&affectedFiles, &item.AgentType, &item.AgentRole, &item.Phase,
		&plan, &task, &project, &item.Priority, &category,
		&item.CurrentRound, &counterPatch, &counterFiles,
		&counterStatus, &claimedBy, &item.ClaimGeneration, &claimedAt,
		&skipDiffValidation, &verdictReason, &parentID, &createdAt,
		&updatedAt, &item.MessageCount, &lastMessageAt, &lastBody,
	)
	if err != nil {
		return FeedItem{}, err
	}

	item.Description = stringOrEmpty(description)
	item.Diff = stringOrEmpty(diff)
	item.AffectedFiles = stringOrEmpty(affectedFiles)
	item.Plan = stringOrEmpty(plan)
	item.Task = stringOrEmpty(task)
	item.Project = stringOrEmpty(project)
	item.Category = stringOrEmpty(category)
	item.CounterPatch = stringOrEmpty(counterPatch)
	item.CounterPatchAffectedFiles = stringOrEmpty(counterFiles)
	item.CounterPatchStatus = stringOrEmpty(counterStatus)
	item.ClaimedBy = stringOrEmpty(claimedBy)
	item.VerdictReason = stringOrEmpty(verdictReason)
	item.ParentID = stringOrEmpty(parentID)
	item.SkipDiffValidation = skipDiffValidation != 0

	item.ClaimedAt, err = parseNullableTime(stringOrEmpty(claimedAt))
	if err != nil {
		return FeedItem{}, fmt.Errorf("bad claimed_at: %w", err)
	}

	item.CreatedAt, err = ParseTime(createdAt)
	if err != nil {
		return FeedItem{}, fmt.Errorf("bad created_at: %w", err)
	}

	item.UpdatedAt, err = ParseTime(updatedAt)
	if err != nil {
		return FeedItem{}, fmt.Errorf("bad updated_at: %w", err)
	}

	item.LastMessageAt, err = parseNullableTime(
		stringOrEmpty(lastMessageAt),
	)
	if err != nil {
		return FeedItem{}, fmt.Errorf("bad last_message_at: %w", err)
	}

	item.LastMessagePreview = truncatePreview(stringOrEmpty(lastBody))

	return item, nil
}

// truncatePreview bounds a message body for feed display, cutting on rune
// boundaries.
func truncatePreview(body string) string {
	runes := []rune(body)
	if len(runes) <= feedPreviewLen {
		return body
	}

	return string(runes[:feedPreviewLen])
}

// ListClaimedBefore returns claimed reviews whose effective claim time is
// earlier than the cutoff. The canonical timestamp layout sorts
// lexicographically, so plain string comparison is chronological.
func (s *SQLStore) ListClaimedBefore(ctx context.Context,
	cutoff time.Time) ([]Review, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE status = 'claimed'
		AND COALESCE(claimed_at, updated_at, created_at) < ?
		ORDER BY `+priorityOrder+`, created_at ASC, id ASC`,
		FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w",
			err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// ListAttachedReviews returns the open reviews attached to the given
// reviewer.
func (s *SQLStore) ListAttachedReviews(ctx context.Context,
	reviewerID string) ([]Review, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE claimed_by = ?
		AND status IN ('pending', 'claimed', 'in_review',
			'changes_requested')
		ORDER BY created_at ASC, id ASC`, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attached reviews: %w",
			err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// CountActiveClaims counts reviews the reviewer currently holds a live
// claim on.
func (s *SQLStore) CountActiveClaims(ctx context.Context,
	reviewerID string) (int, error) {

	var count int
	err := s.reader().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reviews
		WHERE claimed_by = ? AND status IN ('claimed', 'in_review')`,
		reviewerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active claims: %w", err)
	}

	return count, nil
}

// ListOrphanedClaims returns claimed reviews whose claimant is not an
// active or draining reviewer of the current session. These are claims
// left behind by a previous broker run.
func (s *SQLStore) ListOrphanedClaims(ctx context.Context,
	sessionToken string) ([]Review, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE status = 'claimed'
		AND (claimed_by IS NULL OR claimed_by NOT IN (
			SELECT id FROM reviewers
			WHERE status IN ('active', 'draining')
			AND session_token = ?
		))
		ORDER BY created_at ASC, id ASC`, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned claims: %w",
			err)
	}
	defer rows.Close()

	return collectReviews(rows)
}
