package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultNumTxRetries is the default number of times we'll retry a
	// transaction if it fails with an error that permits transaction
	// repetition.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay is the default initial delay between
	// retries. This will be used to generate a random delay between -50%
	// and +50% of this value, so 20 to 60 milliseconds. The retry will be
	// doubled after each attempt until we reach DefaultMaxRetryDelay. We
	// start with a random value to avoid multiple goroutines that are
	// created at the same time to effectively retry at the same time.
	DefaultInitialRetryDelay = time.Millisecond * 40

	// DefaultMaxRetryDelay is the default maximum delay between retries.
	DefaultMaxRetryDelay = time.Second * 3
)

// DefaultStoreTimeout is the default timeout used for any interaction with
// the storage/database.
var DefaultStoreTimeout = time.Second * 10

// DB bundles the two connection handles used to access a single SQLite
// database file: a pooled read handle and a dedicated single-connection
// write handle. SQLite permits one writer at a time, so every write
// transaction first takes the process-wide write token; with WAL mode
// enabled, readers proceed concurrently and never take the token.
type DB struct {
	// Path is the filesystem location of the database file.
	Path string

	// reads is a pooled set of connections used for read-only access.
	reads *sql.DB

	// writes is a single-connection handle used for every mutation. Its
	// DSN carries _txlock=immediate so transactions acquire the SQLite
	// write lock up front rather than on first write.
	writes *sql.DB

	// writeMu is the write token. Holding it while a write transaction
	// runs means BEGIN IMMEDIATE never observes a competing writer from
	// this process.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the SQLite database at dbPath and returns
// a DB with both connection handles configured.
func Open(dbPath string) (*DB, error) {
	// Ensure the directory exists.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database "+
			"directory: %w", err)
	}

	baseDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	reads, err := sql.Open("sqlite3", baseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writes, err := sql.Open("sqlite3", baseDSN+"&_txlock=immediate")
	if err != nil {
		reads.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The write handle is deliberately restricted to a single
	// connection. Together with the write token this serializes all
	// mutations in this process.
	writes.SetMaxOpenConns(1)
	writes.SetMaxIdleConns(1)

	for _, handle := range []*sql.DB{reads, writes} {
		if err := configurePragmas(handle); err != nil {
			reads.Close()
			writes.Close()
			return nil, fmt.Errorf("failed to configure "+
				"database: %w", err)
		}
	}

	return &DB{
		Path:   dbPath,
		reads:  reads,
		writes: writes,
	}, nil
}

// configurePragmas sets additional SQLite pragmas for optimal performance.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// Synchronous mode: NORMAL provides good durability with
		// better performance than FULL.
		"PRAGMA synchronous = NORMAL",

		// Cache size: Negative value is in KiB, 64MB cache.
		"PRAGMA cache_size = -65536",

		// Temp store: Keep temporary tables in memory.
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w",
				pragma, err)
		}
	}

	return nil
}

// Reader returns the pooled read handle for queries that do not need a
// transaction.
func (d *DB) Reader() *sql.DB {
	return d.reads
}

// WithWriteTx executes fn inside a write transaction while holding the
// write token. The transaction is committed if fn returns nil, otherwise it
// is rolled back and the error is returned. Busy and locked errors trigger
// a retry with randomized exponential backoff.
func (d *DB) WithWriteTx(ctx context.Context,
	fn func(tx *sql.Tx) error) error {

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.execTx(ctx, d.writes, fn)
}

// WithReadTx executes fn inside a read transaction on the read pool. The
// write token is not taken; WAL readers see a consistent snapshot while the
// writer makes progress.
func (d *DB) WithReadTx(ctx context.Context,
	fn func(tx *sql.Tx) error) error {

	return d.execTx(ctx, d.reads, fn)
}

// execTx runs fn in a transaction on the given handle, retrying on
// serialization or deadlock errors up to DefaultNumTxRetries times.
func (d *DB) execTx(ctx context.Context, handle *sql.DB,
	fn func(tx *sql.Tx) error) error {

	waitBeforeRetry := func(attemptNumber int) {
		retryDelay := randRetryDelay(
			DefaultInitialRetryDelay, DefaultMaxRetryDelay,
			attemptNumber,
		)

		log.DebugS(ctx, "Retrying transaction",
			"attempt_number", attemptNumber,
			"delay", retryDelay)

		time.Sleep(retryDelay)
	}

	for i := 0; i < DefaultNumTxRetries; i++ {
		tx, err := handle.BeginTx(ctx, nil)
		if err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				// Nothing to roll back here, since we didn't
				// even get a transaction yet.
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		if err := fn(tx); err != nil {
			// Writes always roll back quietly before the error
			// propagates.
			_ = tx.Rollback()

			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()

			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		return nil
	}

	return ErrRetriesExceeded
}

// Backup writes a consistent copy of the database to a timestamped sibling
// file using VACUUM INTO, returning the backup path.
func (d *DB) Backup(ctx context.Context) (string, error) {
	backupPath := fmt.Sprintf(
		"%s.%d.backup", d.Path, time.Now().UnixNano(),
	)

	log.InfoS(ctx, "Creating backup of database file",
		"source", d.Path,
		"backup", backupPath)

	_, err := d.reads.ExecContext(ctx, "VACUUM INTO ?", backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}

	return backupPath, nil
}

// Close checkpoints the WAL and closes both connection handles. Safe to
// call once at shutdown after all writers have stopped.
func (d *DB) Close() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	// Fold the WAL back into the main database file so the next process
	// starts from a clean slate.
	if _, err := d.writes.Exec(
		"PRAGMA wal_checkpoint(TRUNCATE)",
	); err != nil {
		log.Warnf("WAL checkpoint at close failed: %v", err)
	}

	writeErr := d.writes.Close()
	readErr := d.reads.Close()

	if writeErr != nil {
		return writeErr
	}

	return readErr
}
