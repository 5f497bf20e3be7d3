package catalog

import (
	"database/sql"
	"fmt"
)

// Migration is one database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: sessions, session_changes, blobs, journals, writer_lock",
		Up: `
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT PRIMARY KEY,
    workspace_key  TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    triggers       TEXT NOT NULL DEFAULT '[]',
    tags           TEXT NOT NULL DEFAULT '[]',
    change_count   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_key, started_at DESC);

CREATE TABLE IF NOT EXISTS session_changes (
    session_id     TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    seq            INTEGER NOT NULL,
    path           TEXT NOT NULL,
    op             TEXT NOT NULL,
    from_path      TEXT,
    digest_before  TEXT,
    digest_after   TEXT,
    size_before    INTEGER,
    size_after     INTEGER,
    mtime_before   INTEGER,
    mtime_after    INTEGER,
    mode_before    INTEGER,
    mode_after     INTEGER,
    eol_before     TEXT,
    eol_after      TEXT,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_changes_session ON session_changes(session_id);
CREATE INDEX IF NOT EXISTS idx_session_changes_path ON session_changes(path);

CREATE TABLE IF NOT EXISTS blobs (
    digest          TEXT PRIMARY KEY,
    size            INTEGER NOT NULL,
    compressed_size INTEGER NOT NULL,
    algo            TEXT NOT NULL DEFAULT 'sha256',
    ref_count       INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blobs_refcount ON blobs(ref_count);

CREATE TABLE IF NOT EXISTS journals (
    session_id  TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    status      TEXT NOT NULL,
    body        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS writer_lock (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    holder_id   TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
`,
	},
}

// applyMigrations brings the schema up to the latest version.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at  INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, strftime('%s','now')*1000)`,
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
