package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/btcsuite/btclog/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

const (
	// LatestMigrationVersion is the latest migration version of the
	// database. This is used to implement downgrade protection for the
	// daemon.
	//
	// NOTE: This MUST be updated when a new migration is added.
	LatestMigrationVersion uint = 2
)

// MigrationTarget is a functional option that can be passed to
// applyMigrations to specify a target version to migrate to.
// `currentDBVersion` is the current (migration) version of the database, or
// None if unknown. `maxMigrationVersion` is the maximum migration version
// known to the driver.
type MigrationTarget func(mig *migrate.Migrate,
	currentDBVersion int, maxMigrationVersion uint) error

var (
	// TargetLatest is a MigrationTarget that migrates to the latest
	// version available.
	TargetLatest = func(mig *migrate.Migrate, _ int, _ uint) error {
		return mig.Up()
	}

	// TargetVersion returns a MigrationTarget that migrates to the given
	// version.
	TargetVersion = func(version uint) MigrationTarget {
		return func(mig *migrate.Migrate, _ int, _ uint) error {
			return mig.Migrate(version)
		}
	}
)

var (
	// ErrMigrationDowngrade is returned when a database downgrade is
	// detected.
	ErrMigrationDowngrade = errors.New("database downgrade detected")
)

// migrateOptions holds options for migration execution.
type migrateOptions struct {
	latestVersion uint

	// skipBackup disables the pre-migration backup, used by tests that
	// exercise the migration path repeatedly.
	skipBackup bool
}

// defaultMigrateOptions returns a new migrateOptions instance with default
// settings.
func defaultMigrateOptions() *migrateOptions {
	return &migrateOptions{
		latestVersion: LatestMigrationVersion,
	}
}

// MigrateOpt is a functional option that can be passed to migrate related
// methods to modify behavior.
type MigrateOpt func(*migrateOptions)

// WithLatestVersion allows callers to override the default latest version
// setting.
func WithLatestVersion(version uint) MigrateOpt {
	return func(o *migrateOptions) {
		o.latestVersion = version
	}
}

// WithSkipBackup disables the automatic backup taken before applying
// migrations to an existing database.
func WithSkipBackup() MigrateOpt {
	return func(o *migrateOptions) {
		o.skipBackup = true
	}
}

// migrationLogger adapts the package logger to the migrate.Logger
// interface.
type migrationLogger struct {
	log btclog.Logger
}

// Printf implements the migrate.Logger interface.
func (m *migrationLogger) Printf(format string, v ...any) {
	// Trim trailing newlines from the format.
	format = strings.TrimRight(format, "\n")
	m.log.Infof(format, v...)
}

// Verbose returns true when verbose logging is enabled.
func (m *migrationLogger) Verbose() bool {
	return true
}

// MigrateUp brings the database schema fully up to date: the embedded base
// migrations are applied first, then the forward-only upgrade list, then
// the legacy audit_events rebuild if the old shape is detected. An existing
// database that is behind the latest base version is backed up with VACUUM
// INTO before anything is changed.
func (d *DB) MigrateUp(ctx context.Context, opts ...MigrateOpt) error {
	migOpts := defaultMigrateOptions()
	for _, opt := range opts {
		opt(migOpts)
	}

	driver, err := sqlite3mig.WithInstance(
		d.writes, &sqlite3mig.Config{},
	)
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w",
			err)
	}

	// Snapshot the version before we touch anything so we can decide
	// whether a backup is warranted.
	currentVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}

	behind := currentVersion > 0 &&
		uint(currentVersion) < migOpts.latestVersion
	if behind && !migOpts.skipBackup {
		if _, err := d.Backup(ctx); err != nil {
			return err
		}
	}

	err = applyMigrations(
		sqlSchemas, driver, "migrations", "revbroker", TargetLatest,
		migOpts,
	)
	if err != nil {
		return err
	}

	if err := d.applySchemaUpgrades(ctx); err != nil {
		return err
	}

	return d.maybeRebuildAuditEvents(ctx)
}

// applyMigrations executes database migration files found in the given file
// system under the given path, using the passed database driver and
// database name, up to or down to the given target version.
func applyMigrations(fsys fs.FS, driver database.Driver, path, dbName string,
	targetVersion MigrationTarget, opts *migrateOptions) error {

	// Create a new migration source using the embedded file system.
	migrateFileServer, err := httpfs.New(http.FS(fsys), path)
	if err != nil {
		return err
	}

	// Create the migration instance with our driver and source.
	sqlMigrate, err := migrate.NewWithInstance(
		"migrations", migrateFileServer, dbName, driver,
	)
	if err != nil {
		return err
	}

	migrationVersion, dirty, err := sqlMigrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}

	// If the migration version is dirty, we should not proceed with
	// further migrations, as this indicates that a previous migration
	// did not complete successfully and requires manual intervention.
	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", migrationVersion)
	}

	// As the down migrations may end up *dropping* data, we want to
	// prevent that without explicit accounting.
	if migrationVersion > opts.latestVersion {
		return fmt.Errorf("%w: database version is newer than the "+
			"latest migration version, preventing downgrade: "+
			"db_version=%v, latest_migration_version=%v",
			ErrMigrationDowngrade, migrationVersion,
			opts.latestVersion)
	}

	// Report the current version of the database before the migration.
	currentDBVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}
	log.InfoS(context.Background(),
		"Attempting to apply migration(s)",
		"current_db_version", currentDBVersion,
		"latest_migration_version", opts.latestVersion)

	// Apply our local logger to the migration instance.
	sqlMigrate.Log = &migrationLogger{log}

	// Execute the migration based on the target given.
	err = targetVersion(sqlMigrate, currentDBVersion, opts.latestVersion)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	// Report the current version of the database after the migration.
	currentDBVersion, _, err = driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}
	log.InfoS(context.Background(),
		"Database version after migration",
		"current_db_version", currentDBVersion)

	return nil
}

// schemaUpgrade is a single forward-only schema change applied after the
// base migrations. Column additions are naturally idempotent here because
// duplicate column errors are swallowed; table and index creations must
// carry IF NOT EXISTS guards.
type schemaUpgrade struct {
	name string
	stmt string
}

// schemaUpgrades is the ordered list of post-bootstrap schema changes.
// Databases created by earlier review tooling predate several of these
// columns, so each one must apply cleanly against both fresh and old
// files.
//
// NOTE: This list is append-only.
var schemaUpgrades = []schemaUpgrade{
	{"reviews_affected_files",
		"ALTER TABLE reviews ADD COLUMN affected_files TEXT"},
	{"reviews_category",
		"ALTER TABLE reviews ADD COLUMN category TEXT"},
	{"reviews_priority",
		"ALTER TABLE reviews ADD COLUMN priority TEXT NOT NULL " +
			"DEFAULT 'normal'"},
	{"reviews_current_round",
		"ALTER TABLE reviews ADD COLUMN current_round INTEGER " +
			"NOT NULL DEFAULT 1"},
	{"reviews_counter_patch",
		"ALTER TABLE reviews ADD COLUMN counter_patch TEXT"},
	{"reviews_counter_patch_affected_files",
		"ALTER TABLE reviews ADD COLUMN " +
			"counter_patch_affected_files TEXT"},
	{"reviews_counter_patch_status",
		"ALTER TABLE reviews ADD COLUMN counter_patch_status TEXT"},
	{"reviews_claimed_by",
		"ALTER TABLE reviews ADD COLUMN claimed_by TEXT"},
	{"reviews_claim_generation",
		"ALTER TABLE reviews ADD COLUMN claim_generation INTEGER " +
			"NOT NULL DEFAULT 0"},
	{"reviews_claimed_at",
		"ALTER TABLE reviews ADD COLUMN claimed_at TEXT"},
	{"reviews_skip_diff_validation",
		"ALTER TABLE reviews ADD COLUMN skip_diff_validation " +
			"INTEGER NOT NULL DEFAULT 0"},
	{"reviews_verdict_reason",
		"ALTER TABLE reviews ADD COLUMN verdict_reason TEXT"},
	{"reviews_parent_id",
		"ALTER TABLE reviews ADD COLUMN parent_id TEXT"},
	{"messages_round",
		"ALTER TABLE messages ADD COLUMN round INTEGER NOT NULL " +
			"DEFAULT 1"},
	{"messages_metadata",
		"ALTER TABLE messages ADD COLUMN metadata TEXT"},
	{"idx_reviews_status",
		"CREATE INDEX IF NOT EXISTS idx_reviews_status " +
			"ON reviews(status)"},
	{"idx_reviews_claimed_by",
		"CREATE INDEX IF NOT EXISTS idx_reviews_claimed_by " +
			"ON reviews(claimed_by)"},
	{"idx_messages_review_id",
		"CREATE INDEX IF NOT EXISTS idx_messages_review_id " +
			"ON messages(review_id)"},
	{"idx_audit_events_review_id",
		"CREATE INDEX IF NOT EXISTS idx_audit_events_review_id " +
			"ON audit_events(review_id)"},
	{"idx_reviewers_status",
		"CREATE INDEX IF NOT EXISTS idx_reviewers_status " +
			"ON reviewers(status)"},
}

// applySchemaUpgrades walks the upgrade list in order inside a single write
// transaction. Duplicate column errors mean the upgrade already landed and
// are skipped; anything else surfaces as a schema error.
func (d *DB) applySchemaUpgrades(ctx context.Context) error {
	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		for _, upgrade := range schemaUpgrades {
			_, err := tx.ExecContext(ctx, upgrade.stmt)
			if err == nil {
				continue
			}

			if isDuplicateColumnError(err) {
				continue
			}

			return &ErrSchemaError{
				DBError: fmt.Errorf("upgrade %s: %w",
					upgrade.name, err),
			}
		}

		return nil
	})
}

// isDuplicateColumnError reports whether err is SQLite complaining about an
// ALTER TABLE ADD COLUMN that already happened.
func isDuplicateColumnError(err error) bool {
	return err != nil &&
		strings.Contains(err.Error(), "duplicate column name")
}

// maybeRebuildAuditEvents repairs databases written by older tooling where
// audit_events.review_id was declared NOT NULL. Pool level events carry no
// review id, so the column has to be nullable. The rebuild preserves every
// existing row and the review id index.
func (d *DB) maybeRebuildAuditEvents(ctx context.Context) error {
	notNull, err := d.auditReviewIDNotNull(ctx)
	if err != nil {
		return err
	}
	if !notNull {
		return nil
	}

	log.InfoS(ctx, "Rebuilding legacy audit_events table with "+
		"nullable review_id")

	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			"ALTER TABLE audit_events RENAME TO " +
				"audit_events_legacy",
			`CREATE TABLE audit_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				review_id TEXT,
				event_type TEXT NOT NULL,
				actor TEXT,
				old_status TEXT,
				new_status TEXT,
				metadata TEXT,
				created_at TEXT NOT NULL
			)`,
			`INSERT INTO audit_events
				(id, review_id, event_type, actor,
				old_status, new_status, metadata, created_at)
			SELECT id, review_id, event_type, actor,
				old_status, new_status, metadata, created_at
			FROM audit_events_legacy`,
			"DROP TABLE audit_events_legacy",
			"CREATE INDEX IF NOT EXISTS " +
				"idx_audit_events_review_id " +
				"ON audit_events(review_id)",
		}

		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &ErrSchemaError{
					DBError: fmt.Errorf("audit rebuild: "+
						"%w", err),
				}
			}
		}

		return nil
	})
}

// auditReviewIDNotNull inspects the live table metadata for the legacy
// NOT NULL constraint on audit_events.review_id.
func (d *DB) auditReviewIDNotNull(ctx context.Context) (bool, error) {
	rows, err := d.reads.QueryContext(
		ctx, "PRAGMA table_info(audit_events)",
	)
	if err != nil {
		return false, MapSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)

		err := rows.Scan(
			&cid, &name, &colType, &notNull, &defaultVal, &pk,
		)
		if err != nil {
			return false, err
		}

		if name == "review_id" && notNull == 1 {
			return true, nil
		}
	}

	return false, rows.Err()
}
