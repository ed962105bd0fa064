package store

import (
	"context"
	"database/sql"

	"github.com/roasbeef/revbroker/internal/db"
)

// querier is the subset of database/sql methods shared by *sql.DB and
// *sql.Tx, letting query code run unchanged inside and outside a
// transaction.
type querier interface {
	ExecContext(ctx context.Context, query string,
		args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string,
		args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// SQLStore implements Storage against the broker's SQLite database. A
// zero tx means the store operates directly on the connection handles; a
// non-nil tx pins every call to that transaction.
type SQLStore struct {
	db *db.DB
	tx *sql.Tx
}

// NewSQLStore creates a Storage implementation on top of the given
// database.
func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database}
}

// A compile-time assertion that SQLStore implements Storage.
var _ Storage = (*SQLStore)(nil)

// WithTx executes fn within a single write transaction. The Storage passed
// to fn is bound to that transaction, so every call inside fn commits or
// rolls back together.
func (s *SQLStore) WithTx(ctx context.Context,
	fn func(ctx context.Context, st Storage) error) error {

	// Already inside a transaction: just run in the same one.
	if s.tx != nil {
		return fn(ctx, s)
	}

	return s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &SQLStore{db: s.db, tx: tx})
	})
}

// WithReadTx executes fn within a read transaction for consistent snapshot
// reads across multiple queries.
func (s *SQLStore) WithReadTx(ctx context.Context,
	fn func(ctx context.Context, st Storage) error) error {

	if s.tx != nil {
		return fn(ctx, s)
	}

	return s.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &SQLStore{db: s.db, tx: tx})
	})
}

// write runs fn inside the surrounding transaction when this view is bound
// to one, or in a fresh write transaction otherwise.
func (s *SQLStore) write(ctx context.Context,
	fn func(tx querier) error) error {

	if s.tx != nil {
		return fn(s.tx)
	}

	return s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return fn(tx)
	})
}

// reader returns the query source for read paths: the bound transaction if
// present, the pooled read handle otherwise.
func (s *SQLStore) reader() querier {
	if s.tx != nil {
		return s.tx
	}

	return s.db.Reader()
}

// nullable maps the empty string to NULL on the way into the database.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// stringOrEmpty maps NULL back to the empty string on the way out.
func stringOrEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}

	return ns.String
}
