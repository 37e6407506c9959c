// ABOUTME: SQLite implementation of the KV interface using modernc.org/sqlite
// ABOUTME: Versioned rows give compare-and-swap; expiry is lazy on read plus a periodic purge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// purgeInterval is how often expired rows are swept in the background.
const purgeInterval = time.Minute

// SQLiteKV implements KV on a local SQLite database. Suitable as the shared
// store for a single host; multi-instance deployments should point every
// instance at the same database file or swap in a networked store.
type SQLiteKV struct {
	db     *sql.DB
	logger *slog.Logger
	done   chan struct{}
}

// NewSQLiteKV opens (or creates) the database at path. Parent directories
// are created if needed and the schema is applied automatically.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so they apply to every pooled connection, not
	// just whichever one a db.Exec happens to grab. The busy timeout makes
	// concurrent writers queue instead of erroring.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(3000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteKV{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.purgeLoop()

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteKV) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			expires_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the record for key. Expired rows are treated as absent and
// cleaned up opportunistically.
func (s *SQLiteKV) Get(ctx context.Context, key string) (*Record, error) {
	var (
		value     []byte
		version   int64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, version, expires_at FROM kv WHERE key = ?", key,
	).Scan(&value, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		// Lazy expiry: the purge loop will catch it if this delete fails.
		if _, derr := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ? AND expires_at <= ?", key, time.Now().UnixMilli()); derr != nil {
			s.logger.Warn("expired row cleanup failed", "key", key, "error", derr)
		}
		return nil, ErrNotFound
	}

	return &Record{Value: value, Version: version}, nil
}

// SetWithTTL writes value unconditionally, bumping the version and
// refreshing the expiry.
func (s *SQLiteKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			version    = kv.version + 1,
			expires_at = excluded.expires_at`,
		key, value, expiryArg(ttl))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes value only if the stored version equals expected.
// Each branch is a single conditional statement, so the version check and
// the write are atomic without an explicit transaction; a writer that loses
// the race sees zero rows affected and gets ErrConflict. Lock contention
// (SQLITE_BUSY past the busy timeout) is also reported as ErrConflict so
// callers' retry loops engage instead of treating it as fatal.
func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error {
	now := time.Now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		// Create wins only when the key is absent or its row has expired.
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, version, expires_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value      = excluded.value,
				version    = 1,
				expires_at = excluded.expires_at
			WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`,
			key, value, expiryArg(ttl), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE kv SET value = ?, version = version + 1, expires_at = ?
			WHERE key = ? AND version = ?
			  AND (expires_at IS NULL OR expires_at > ?)`,
			value, expiryArg(ttl), key, expected, now)
	}
	if err != nil {
		if isLockContention(err) {
			return ErrConflict
		}
		return fmt.Errorf("cas write %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas result %q: %w", key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// isLockContention reports whether err is SQLite's busy/locked signal.
func isLockContention(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// Delete removes key. Absent keys are not an error.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Ping probes database liveness.
func (s *SQLiteKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database.
func (s *SQLiteKV) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.db.Close()
}

// purgeLoop sweeps expired rows in the background so lazy expiry on read
// doesn't leave garbage behind for keys that are never read again.
func (s *SQLiteKV) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now().UnixMilli()); err != nil {
				s.logger.Warn("expired row purge failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// expiryArg converts a TTL into the expires_at column value; zero means the
// record never expires.
func expiryArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}
