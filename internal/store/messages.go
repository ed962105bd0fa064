package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// scanMessage decodes one message row.
func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		metadata  sql.NullString
		createdAt string
	)

	err := row.Scan(
		&msg.ID, &msg.ReviewID, &msg.SenderRole, &msg.Round,
		&msg.Body, &metadata, &createdAt,
	)
	if err != nil {
		return Message{}, err
	}

	msg.Metadata = stringOrEmpty(metadata)

	msg.CreatedAt, err = ParseTime(createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("bad created_at: %w", err)
	}

	return msg, nil
}

// CreateMessage inserts a message and returns it with the assigned id.
func (s *SQLStore) CreateMessage(ctx context.Context,
	msg Message) (Message, error) {

	err := s.write(ctx, func(tx querier) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages
				(review_id, sender_role, round, body,
				metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ReviewID, msg.SenderRole, msg.Round, msg.Body,
			nullable(msg.Metadata), FormatTime(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

// ListMessages returns a review's messages in insertion order. A round of
// zero returns every round.
func (s *SQLStore) ListMessages(ctx context.Context, reviewID string,
	round int) ([]Message, error) {

	query := `
		SELECT id, review_id, sender_role, round, body, metadata,
			created_at
		FROM messages WHERE review_id = ?`
	args := []any{reviewID}

	if round > 0 {
		query += " AND round = ?"
		args = append(args, round)
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// LatestMessage returns the most recent message on a review, if any.
func (s *SQLStore) LatestMessage(ctx context.Context,
	reviewID string) (fn.Option[Message], error) {

	row := s.reader().QueryRowContext(ctx, `
		SELECT id, review_id, sender_role, round, body, metadata,
			created_at
		FROM messages WHERE review_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, reviewID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fn.None[Message](), nil
	}
	if err != nil {
		return fn.None[Message](), fmt.Errorf("failed to get latest "+
			"message: %w", err)
	}

	return fn.Some(msg), nil
}
