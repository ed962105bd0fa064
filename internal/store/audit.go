package store

import (
	"context"
	"database/sql"
	"fmt"
)

// scanAuditEvent decodes one audit_events row.
func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var (
		event                       AuditEvent
		reviewID, actor             sql.NullString
		oldStatus, newStatus, metad sql.NullString
		createdAt                   string
	)

	err := row.Scan(
		&event.ID, &reviewID, &event.EventType, &actor, &oldStatus,
		&newStatus, &metad, &createdAt,
	)
	if err != nil {
		return AuditEvent{}, err
	}

	event.ReviewID = stringOrEmpty(reviewID)
	event.Actor = stringOrEmpty(actor)
	event.OldStatus = stringOrEmpty(oldStatus)
	event.NewStatus = stringOrEmpty(newStatus)
	event.Metadata = stringOrEmpty(metad)

	event.CreatedAt, err = ParseTime(createdAt)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("bad created_at: %w", err)
	}

	return event, nil
}

// AppendAudit appends one audit event.
func (s *SQLStore) AppendAudit(ctx context.Context,
	event AuditEvent) error {

	return s.write(ctx, func(tx querier) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events
				(review_id, event_type, actor, old_status,
				new_status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullable(event.ReviewID), event.EventType,
			nullable(event.Actor), nullable(event.OldStatus),
			nullable(event.NewStatus), nullable(event.Metadata),
			FormatTime(event.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append audit event: %w",
				err)
		}

		return nil
	})
}

// auditQuery drains an audit result set ordered by id ascending.
func (s *SQLStore) auditQuery(ctx context.Context, where string,
	args ...any) ([]AuditEvent, error) {

	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, review_id, event_type, actor, old_status,
			new_status, metadata, created_at
		FROM audit_events`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// ListAuditByReview returns a review's audit events ordered by id
// ascending.
func (s *SQLStore) ListAuditByReview(ctx context.Context,
	reviewID string) ([]AuditEvent, error) {

	return s.auditQuery(ctx, " WHERE review_id = ?", reviewID)
}

// ListAudit returns the global audit trail ordered by id ascending.
func (s *SQLStore) ListAudit(ctx context.Context) ([]AuditEvent, error) {
	return s.auditQuery(ctx, "")
}
