// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates or migrates the schema on startup

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// a single in-memory database only exists on one connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			email              TEXT NOT NULL UNIQUE,
			api_key_hash       TEXT NOT NULL UNIQUE,
			tier               TEXT NOT NULL DEFAULT 'free',
			late_access_token  TEXT,
			late_refresh_token TEXT,
			stripe_customer_id TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_stripe_customer ON users(stripe_customer_id);

		CREATE TABLE IF NOT EXISTS usage_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   INTEGER NOT NULL,
			tool_name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_usage_logs_user_timestamp
			ON usage_logs(user_id, timestamp);

		CREATE TABLE IF NOT EXISTS user_feeds (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			feed_url   TEXT NOT NULL,
			feed_name  TEXT NOT NULL,
			topic      TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			UNIQUE (user_id, feed_url)
		);

		CREATE TABLE IF NOT EXISTS user_profiles (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL UNIQUE,
			topics      TEXT NOT NULL DEFAULT '[]',
			location    TEXT,
			description TEXT,
			updated_at  TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS media (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      INTEGER NOT NULL,
			filename     TEXT NOT NULL,
			r2_key       TEXT NOT NULL UNIQUE,
			url          TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes   INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_media_user_created ON media(user_id, created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			user_id     INTEGER NOT NULL,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_user_ts ON audit_log(user_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "stripe_customer_id",
			apply:  `ALTER TABLE users ADD COLUMN stripe_customer_id TEXT`,
		},
		{
			table:  "users",
			column: "updated_at",
			apply:  `ALTER TABLE users ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "user_feeds",
			column: "topic",
			apply:  `ALTER TABLE user_feeds ADD COLUMN topic TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed")
}

// nullString maps empty strings to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
