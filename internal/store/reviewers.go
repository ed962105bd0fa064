package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// reviewerColumns is the canonical column list for reviewer queries.
const reviewerColumns = `id, display_name, session_token, status, pid,
	spawned_at, last_active_at, terminated_at, reviews_completed,
	approvals, rejections, total_review_seconds`

// scanReviewer decodes one reviewer row.
func scanReviewer(row rowScanner) (Reviewer, error) {
	var (
		rev                      Reviewer
		pid                      sql.NullInt64
		spawnedAt, lastActiveAt  string
		terminatedAt             sql.NullString
	)

	err := row.Scan(
		&rev.ID, &rev.DisplayName, &rev.SessionToken, &rev.Status,
		&pid, &spawnedAt, &lastActiveAt, &terminatedAt,
		&rev.ReviewsCompleted, &rev.Approvals, &rev.Rejections,
		&rev.TotalReviewSeconds,
	)
	if err != nil {
		return Reviewer{}, err
	}

	if pid.Valid {
		rev.PID = int(pid.Int64)
	}

	rev.SpawnedAt, err = ParseTime(spawnedAt)
	if err != nil {
		return Reviewer{}, fmt.Errorf("bad spawned_at: %w", err)
	}

	rev.LastActiveAt, err = ParseTime(lastActiveAt)
	if err != nil {
		return Reviewer{}, fmt.Errorf("bad last_active_at: %w", err)
	}

	rev.TerminatedAt, err = parseNullableTime(
		stringOrEmpty(terminatedAt),
	)
	if err != nil {
		return Reviewer{}, fmt.Errorf("bad terminated_at: %w", err)
	}

	return rev, nil
}

// nullablePID maps a zero pid to NULL.
func nullablePID(pid int) any {
	if pid == 0 {
		return nil
	}

	return pid
}

// CreateReviewer inserts a reviewer row.
func (s *SQLStore) CreateReviewer(ctx context.Context, rev Reviewer) error {
	return s.write(ctx, func(tx querier) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reviewers (`+reviewerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rev.ID, rev.DisplayName, rev.SessionToken, rev.Status,
			nullablePID(rev.PID), FormatTime(rev.SpawnedAt),
			FormatTime(rev.LastActiveAt),
			nullable(formatNullableTime(rev.TerminatedAt)),
			rev.ReviewsCompleted, rev.Approvals, rev.Rejections,
			rev.TotalReviewSeconds,
		)
		if err != nil {
			return fmt.Errorf("failed to create reviewer: %w", err)
		}

		return nil
	})
}

// GetReviewer retrieves a reviewer by id, returning ErrReviewerNotFound if
// absent.
func (s *SQLStore) GetReviewer(ctx context.Context,
	id string) (Reviewer, error) {

	row := s.reader().QueryRowContext(ctx, `
		SELECT `+reviewerColumns+` FROM reviewers WHERE id = ?`, id)

	rev, err := scanReviewer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reviewer{}, ErrReviewerNotFound
	}
	if err != nil {
		return Reviewer{}, fmt.Errorf("failed to get reviewer: %w",
			err)
	}

	return rev, nil
}

// UpdateReviewer replaces every mutable column of the reviewer row.
func (s *SQLStore) UpdateReviewer(ctx context.Context, rev Reviewer) error {
	return s.write(ctx, func(tx querier) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reviewers SET
				display_name = ?, session_token = ?,
				status = ?, pid = ?, spawned_at = ?,
				last_active_at = ?, terminated_at = ?,
				reviews_completed = ?, approvals = ?,
				rejections = ?, total_review_seconds = ?
			WHERE id = ?`,
			rev.DisplayName, rev.SessionToken, rev.Status,
			nullablePID(rev.PID), FormatTime(rev.SpawnedAt),
			FormatTime(rev.LastActiveAt),
			nullable(formatNullableTime(rev.TerminatedAt)),
			rev.ReviewsCompleted, rev.Approvals, rev.Rejections,
			rev.TotalReviewSeconds, rev.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update reviewer: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrReviewerNotFound
		}

		return nil
	})
}

// TouchReviewer sets last_active_at without rewriting the rest of the row.
func (s *SQLStore) TouchReviewer(ctx context.Context, id string,
	at time.Time) error {

	return s.write(ctx, func(tx querier) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE reviewers SET last_active_at = ?
			WHERE id = ?`, FormatTime(at), id)
		if err != nil {
			return fmt.Errorf("failed to touch reviewer: %w", err)
		}

		return nil
	})
}

// ListReviewers returns all reviewer rows, most recently spawned first.
func (s *SQLStore) ListReviewers(ctx context.Context) ([]Reviewer, error) {
	return s.reviewerQuery(ctx, "")
}

// ListReviewersByStatuses returns reviewers in any of the given states.
func (s *SQLStore) ListReviewersByStatuses(ctx context.Context,
	statuses ...string) ([]Reviewer, error) {

	if len(statuses) == 0 {
		return nil, nil
	}

	marks := strings.TrimSuffix(
		strings.Repeat("?, ", len(statuses)), ", ",
	)
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	return s.reviewerQuery(
		ctx, fmt.Sprintf(" WHERE status IN (%s)", marks), args...,
	)
}

// reviewerQuery drains a reviewer result set.
func (s *SQLStore) reviewerQuery(ctx context.Context, where string,
	args ...any) ([]Reviewer, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+reviewerColumns+` FROM reviewers`+where+`
		ORDER BY spawned_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewers: %w", err)
	}
	defer rows.Close()

	var reviewers []Reviewer
	for rows.Next() {
		rev, err := scanReviewer(rows)
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, rev)
	}

	return reviewers, rows.Err()
}
