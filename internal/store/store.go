package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the durable state backing the sync engine: accounts with their
// cursors, the deduplicated message table, crawl leases, and the ingest
// event outbox.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				address TEXT NOT NULL UNIQUE,
				forward_cursor INTEGER,
				backfill_cursor INTEGER,
				backfill_complete INTEGER NOT NULL DEFAULT 0,
				disabled_folders TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				pass_failures INTEGER NOT NULL DEFAULT 0,
				last_forward_sync_at TIMESTAMP,
				last_backfill_at TIMESTAMP,
				sync_started_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				folder TEXT NOT NULL,
				remote_id INTEGER NOT NULL,
				provider_message_id TEXT NOT NULL DEFAULT '',
				thread_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				sender TEXT NOT NULL DEFAULT '',
				to_addrs TEXT NOT NULL DEFAULT '[]',
				cc_addrs TEXT NOT NULL DEFAULT '[]',
				bcc_addrs TEXT NOT NULL DEFAULT '[]',
				snippet TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				flags TEXT NOT NULL DEFAULT '[]',
				msg_date TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (account_id, folder, remote_id)
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_id
				ON messages (account_id, provider_message_id)
				WHERE provider_message_id != ''`,
			`CREATE TABLE IF NOT EXISTS leases (
				account_id TEXT NOT NULL,
				direction TEXT NOT NULL,
				holder TEXT NOT NULL,
				expires_at TIMESTAMP NOT NULL,
				PRIMARY KEY (account_id, direction)
			)`,
			`CREATE TABLE IF NOT EXISTS outbox (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts INTEGER NOT NULL,
				subject TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload BLOB NOT NULL,
				msg_id TEXT NOT NULL UNIQUE,
				retries INTEGER NOT NULL DEFAULT 0,
				next_attempt_at INTEGER NOT NULL,
				published_at INTEGER
			)`,
		},
	},
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at TIMESTAMP NOT NULL)`,
	); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("applying migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}
