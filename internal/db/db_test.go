package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestDB opens a fresh database file under a temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "broker.sqlite3")

	database, err := Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})

	return database
}

// tableColumns returns the set of column names for the given table.
func tableColumns(t *testing.T, d *DB, table string) map[string]bool {
	t.Helper()

	rows, err := d.Reader().Query(
		fmt.Sprintf("PRAGMA table_info(%s)", table),
	)
	require.NoError(t, err)
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		require.NoError(t, rows.Scan(
			&cid, &name, &colType, &notNull, &defaultVal, &pk,
		))
		cols[name] = true
	}
	require.NoError(t, rows.Err())

	return cols
}

// TestMigrateFreshDatabase verifies that a brand new database ends up with
// the full schema, including the columns added by the upgrade list.
func TestMigrateFreshDatabase(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.MigrateUp(ctx))

	reviewCols := tableColumns(t, d, "reviews")
	for _, col := range []string{
		"id", "status", "intent", "priority", "current_round",
		"counter_patch", "counter_patch_status", "claimed_by",
		"claim_generation", "claimed_at", "skip_diff_validation",
		"verdict_reason", "affected_files", "parent_id",
	} {
		require.True(t, reviewCols[col], "missing column %s", col)
	}

	msgCols := tableColumns(t, d, "messages")
	require.True(t, msgCols["round"])
	require.True(t, msgCols["metadata"])

	require.NotEmpty(t, tableColumns(t, d, "audit_events"))
	require.NotEmpty(t, tableColumns(t, d, "reviewers"))
}

// TestMigrateIdempotent runs the full migration twice and ensures no rows
// are lost and no statement fails on the second pass.
func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.MigrateUp(ctx))

	err := d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reviews
				(id, status, intent, created_at, updated_at)
			VALUES ('rev-a', 'pending', 'test intent',
				'2026-01-01T00:00:00.000Z',
				'2026-01-01T00:00:00.000Z')`)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, d.MigrateUp(ctx))

	var count int
	err = d.Reader().QueryRow(
		"SELECT COUNT(*) FROM reviews",
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// TestLegacyAuditRebuild seeds an old-shape audit_events table whose
// review_id column is NOT NULL, then verifies the migration rebuilds it as
// nullable without losing rows.
func TestLegacyAuditRebuild(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	ctx := context.Background()

	err := d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE audit_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				review_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				actor TEXT,
				old_status TEXT,
				new_status TEXT,
				metadata TEXT,
				created_at TEXT NOT NULL
			)`,
			`INSERT INTO audit_events
				(review_id, event_type, created_at)
			VALUES ('rev-1', 'review_created',
				'2026-01-01T00:00:00.000Z')`,
			`INSERT INTO audit_events
				(review_id, event_type, created_at)
			VALUES ('rev-1', 'review_claimed',
				'2026-01-01T00:00:01.000Z')`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, d.MigrateUp(ctx))

	// The legacy rows must survive the rebuild.
	var count int
	err = d.Reader().QueryRow(
		"SELECT COUNT(*) FROM audit_events",
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// A null review_id must now be accepted.
	err = d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events
				(review_id, event_type, created_at)
			VALUES (NULL, 'reviewer_spawned',
				'2026-01-01T00:00:02.000Z')`)
		return err
	})
	require.NoError(t, err)

	// Autoincrement ids must continue past the preserved rows.
	var maxID int
	err = d.Reader().QueryRow(
		"SELECT MAX(id) FROM audit_events",
	).Scan(&maxID)
	require.NoError(t, err)
	require.Equal(t, 3, maxID)
}

// TestWriteTxRollback ensures an error from the transaction body rolls the
// whole write back.
func TestWriteTxRollback(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.MigrateUp(ctx))

	errBoom := fmt.Errorf("boom")
	err := d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reviews
				(id, status, intent, created_at, updated_at)
			VALUES ('rev-x', 'pending', 'doomed',
				'2026-01-01T00:00:00.000Z',
				'2026-01-01T00:00:00.000Z')`)
		if err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	var count int
	err = d.Reader().QueryRow(
		"SELECT COUNT(*) FROM reviews",
	).Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestBackup verifies that VACUUM INTO produces a standalone copy of the
// database file.
func TestBackup(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.MigrateUp(ctx))

	backupPath, err := d.Backup(ctx)
	require.NoError(t, err)

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}
