package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// timeInStateKeys is the fixed key set reported by the time-in-state
// aggregate.
var timeInStateKeys = []string{
	"pending", "claimed", "approved", "changes_requested",
}

// GetReviewStats computes the full stats document. Pointer aggregates stay
// nil when there is no underlying data to average.
func (s *SQLStore) GetReviewStats(ctx context.Context) (ReviewStats, error) {
	stats := ReviewStats{
		ByStatus:   make(map[string]int),
		ByCategory: make(map[string]int),
	}

	q := s.reader()

	err := q.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM reviews",
	).Scan(&stats.Total)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("failed to count reviews: "+
			"%w", err)
	}

	if err := s.scanStatusCounts(ctx, &stats); err != nil {
		return ReviewStats{}, err
	}
	if err := s.scanCategoryCounts(ctx, &stats); err != nil {
		return ReviewStats{}, err
	}
	if err := s.scanVerdictAggregates(ctx, &stats); err != nil {
		return ReviewStats{}, err
	}
	if err := s.scanReviewDuration(ctx, &stats); err != nil {
		return ReviewStats{}, err
	}

	timeInState, err := s.computeTimeInState(ctx)
	if err != nil {
		return ReviewStats{}, err
	}
	stats.AvgTimeInStateSeconds = timeInState

	return stats, nil
}

// scanStatusCounts fills the by-status histogram.
func (s *SQLStore) scanStatusCounts(ctx context.Context,
	stats *ReviewStats) error {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		stats.ByStatus[status] = count
	}

	return rows.Err()
}

// scanCategoryCounts fills the by-category histogram, folding rows with no
// category into the uncategorized bucket.
func (s *SQLStore) scanCategoryCounts(ctx context.Context,
	stats *ReviewStats) error {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT COALESCE(NULLIF(category, ''), 'uncategorized'),
			COUNT(*)
		FROM reviews GROUP BY 1`)
	if err != nil {
		return fmt.Errorf("failed to count by category: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			category string
			count    int
		)
		if err := rows.Scan(&category, &count); err != nil {
			return err
		}
		stats.ByCategory[category] = count
	}

	return rows.Err()
}

// scanVerdictAggregates computes the approval rate and average time from
// creation to verdict. Only state-changing verdicts count; comments are
// excluded.
func (s *SQLStore) scanVerdictAggregates(ctx context.Context,
	stats *ReviewStats) error {

	var approvals, rejections int
	err := s.reader().QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN new_status = 'approved'
				THEN 1 ELSE 0 END),
			SUM(CASE WHEN new_status = 'changes_requested'
				THEN 1 ELSE 0 END)
		FROM audit_events WHERE event_type = ?`,
		EventVerdictSubmitted).Scan(
		&sqlNullableInt{&approvals}, &sqlNullableInt{&rejections},
	)
	if err != nil {
		return fmt.Errorf("failed to aggregate verdicts: %w", err)
	}

	if total := approvals + rejections; total > 0 {
		rate := round1(float64(approvals) / float64(total) * 100)
		stats.ApprovalRatePct = &rate
	}

	var avgSeconds sql.NullFloat64
	err = s.reader().QueryRowContext(ctx, `
		SELECT AVG(
			(julianday(a.created_at) - julianday(r.created_at))
			* 86400.0)
		FROM audit_events a
		JOIN reviews r ON a.review_id = r.id
		WHERE a.event_type = ?`,
		EventVerdictSubmitted).Scan(&avgSeconds)
	if err != nil {
		return fmt.Errorf("failed to average verdict latency: %w",
			err)
	}

	if avgSeconds.Valid {
		v := round1(avgSeconds.Float64)
		stats.AvgTimeToVerdictSeconds = &v
	}

	return nil
}

// scanReviewDuration derives the average claim-to-verdict duration from
// the per-reviewer counters maintained on every verdict.
func (s *SQLStore) scanReviewDuration(ctx context.Context,
	stats *ReviewStats) error {

	var (
		totalSeconds sql.NullFloat64
		completed    sql.NullInt64
	)
	err := s.reader().QueryRowContext(ctx, `
		SELECT SUM(total_review_seconds), SUM(reviews_completed)
		FROM reviewers`).Scan(&totalSeconds, &completed)
	if err != nil {
		return fmt.Errorf("failed to aggregate review durations: %w",
			err)
	}

	if completed.Valid && completed.Int64 > 0 {
		v := round1(totalSeconds.Float64 / float64(completed.Int64))
		stats.AvgReviewDurationSeconds = &v
	}

	return nil
}

// computeTimeInState folds the status-bearing audit events of each review
// in id order, accumulating how long the review sat in each state. The
// interval a review is still in (its current state) has no end yet and is
// excluded.
func (s *SQLStore) computeTimeInState(
	ctx context.Context) (map[string]*float64, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT review_id, new_status, created_at
		FROM audit_events
		WHERE review_id IS NOT NULL
		AND new_status IS NOT NULL AND new_status != ''
		ORDER BY review_id ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load state history: %w",
			err)
	}
	defer rows.Close()

	type stateCursor struct {
		status string
		since  time.Time
	}

	var (
		sums    = make(map[string]float64)
		counts  = make(map[string]int)
		current = make(map[string]stateCursor)
	)

	for rows.Next() {
		var (
			reviewID, newStatus, createdAt string
		)
		err := rows.Scan(&reviewID, &newStatus, &createdAt)
		if err != nil {
			return nil, err
		}

		at, err := ParseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("bad created_at: %w", err)
		}

		if cursor, ok := current[reviewID]; ok {
			sums[cursor.status] += at.Sub(cursor.since).Seconds()
			counts[cursor.status]++
		}

		current[reviewID] = stateCursor{status: newStatus, since: at}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]*float64, len(timeInStateKeys))
	for _, key := range timeInStateKeys {
		if counts[key] == 0 {
			result[key] = nil
			continue
		}

		v := round1(sums[key] / float64(counts[key]))
		result[key] = &v
	}

	return result, nil
}

// round1 rounds to one decimal place, matching the precision surfaced by
// the stats document.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// sqlNullableInt scans a SUM() result that is NULL on empty input into a
// plain int, defaulting to zero.
type sqlNullableInt struct {
	v *int
}

// Scan implements sql.Scanner.
func (n *sqlNullableInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}

	switch val := src.(type) {
	case int64:
		*n.v = int(val)
	case float64:
		*n.v = int(val)
	default:
		return fmt.Errorf("unexpected SUM type %T", src)
	}

	return nil
}
