// Package storage persists operations, links, facts, audit entries and agents
// in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Enable foreign keys.
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    adversary_id TEXT NOT NULL,
    host_group TEXT NOT NULL,
    planner TEXT NOT NULL,
    state TEXT NOT NULL,
    autonomous INTEGER DEFAULT 0,
    jitter_min INTEGER DEFAULT 0,
    jitter_max INTEGER DEFAULT 0,
    phase INTEGER DEFAULT 0,
    stop_requested INTEGER DEFAULT 0,
    visibility INTEGER NOT NULL,
    allow_untrusted INTEGER DEFAULT 0,
    cleanup TEXT NOT NULL,
    cleanup_started INTEGER DEFAULT 0,
    stopping_conditions TEXT NOT NULL,
    skipped TEXT NOT NULL,
    next_link_id INTEGER DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS links (
    operation_id TEXT NOT NULL,
    id INTEGER NOT NULL,
    unique_id TEXT NOT NULL UNIQUE,
    ability_id TEXT NOT NULL,
    ability_version INTEGER NOT NULL,
    executor TEXT NOT NULL,
    paw TEXT NOT NULL,
    host TEXT,
    command TEXT NOT NULL,
    rendered TEXT NOT NULL,
    cleanup INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    score INTEGER DEFAULT 0,
    jitter INTEGER DEFAULT 0,
    phase INTEGER DEFAULT 0,
    timeout INTEGER DEFAULT 0,
    decide_at INTEGER,
    collect_at INTEGER,
    finish_at INTEGER,
    pid INTEGER DEFAULT 0,
    exit_code INTEGER DEFAULT 0,
    output BLOB,
    used TEXT NOT NULL,
    facts TEXT NOT NULL,
    PRIMARY KEY (operation_id, id),
    FOREIGN KEY (operation_id) REFERENCES operations(id)
);

CREATE TABLE IF NOT EXISTS facts (
    operation_id TEXT NOT NULL,
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    trait TEXT NOT NULL,
    value TEXT NOT NULL,
    score INTEGER DEFAULT 0,
    link_id INTEGER DEFAULT 0,
    collected_by TEXT,
    technique_id TEXT,
    scope TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE(operation_id, trait, value, scope),
    FOREIGN KEY (operation_id) REFERENCES operations(id)
);

CREATE TABLE IF NOT EXISTS audit (
    operation_id TEXT NOT NULL,
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    at INTEGER NOT NULL,
    actor TEXT,
    action TEXT NOT NULL,
    link_id INTEGER DEFAULT 0,
    from_state TEXT,
    to_state TEXT,
    override INTEGER DEFAULT 0,
    conflict INTEGER DEFAULT 0,
    note TEXT,
    FOREIGN KEY (operation_id) REFERENCES operations(id)
);

CREATE TABLE IF NOT EXISTS agents (
    paw TEXT PRIMARY KEY,
    host TEXT,
    platform TEXT,
    host_group TEXT NOT NULL,
    location TEXT,
    contact TEXT,
    trusted INTEGER DEFAULT 1,
    sleep_min INTEGER DEFAULT 0,
    sleep_max INTEGER DEFAULT 0,
    pid INTEGER DEFAULT 0,
    privilege TEXT,
    executors TEXT NOT NULL,
    last_seen INTEGER,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_links_paw ON links(paw);
CREATE INDEX IF NOT EXISTS idx_facts_operation ON facts(operation_id);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit(operation_id);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// toUnix stores a timestamp in nanoseconds; the zero time is NULL.
func toUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}
