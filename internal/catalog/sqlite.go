package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"rewindd/internal/manifest"
)

// SQLite is the embedded transactional catalog.
type SQLite struct {
	db          *sql.DB
	holderID    string
	lockTimeout time.Duration
	lockTTL     time.Duration
}

// SQLiteOptions tunes the catalog.
type SQLiteOptions struct {
	// LockTimeout bounds the wait for the writer lock (default 5s).
	LockTimeout time.Duration

	// LockTTL is how long a held lock stays valid before other writers may
	// steal it, guarding against crashed holders (default 30s).
	LockTTL time.Duration
}

// OpenSQLite opens or creates the catalog database at path and runs
// migrations.
func OpenSQLite(path string, opts SQLiteOptions) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}

	return &SQLite{
		db:          db,
		holderID:    uuid.NewString(),
		lockTimeout: opts.LockTimeout,
		lockTTL:     opts.LockTTL,
	}, nil
}

// Close closes the database connection.
func (c *SQLite) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// withWriter acquires the cross-process writer lock, runs fn inside a
// transaction, and releases the lock.
func (c *SQLite) withWriter(fn func(tx *sql.Tx) error) error {
	if err := c.acquireWriter(); err != nil {
		return err
	}
	defer c.releaseWriter()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveManifest atomically persists a manifest and its changes.
func (c *SQLite) SaveManifest(m *manifest.SessionManifest) error {
	triggers, err := json.Marshal(m.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	return c.withWriter(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO sessions (session_id, workspace_key, started_at, ended_at, name, triggers, tags, change_count)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM sessions WHERE session_id = ?)`,
			m.SessionID, m.WorkspaceKey, m.StartedAt, m.EndedAt, m.Name, string(triggers), string(tags), m.ChangeCount,
			m.SessionID,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionExists, m.SessionID)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO session_changes (session_id, seq, path, op, from_path,
				digest_before, digest_after, size_before, size_after,
				mtime_before, mtime_after, mode_before, mode_after,
				eol_before, eol_after)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare change insert: %w", err)
		}
		defer stmt.Close()

		for seq, ch := range m.Changes {
			if _, err := stmt.Exec(
				m.SessionID, seq, ch.Path, string(ch.Op), nullString(ch.FromPath),
				nullString(ch.DigestBefore), nullString(ch.DigestAfter),
				ch.SizeBefore, ch.SizeAfter,
				ch.MtimeBefore, ch.MtimeAfter,
				nullUint32(ch.ModeBefore), nullUint32(ch.ModeAfter),
				nullString(string(ch.EOLBefore)), nullString(string(ch.EOLAfter)),
			); err != nil {
				return fmt.Errorf("insert change %d: %w", seq, err)
			}
		}
		return nil
	})
}

// GetManifest loads a manifest with all its changes.
func (c *SQLite) GetManifest(sessionID string) (*manifest.SessionManifest, error) {
	var m manifest.SessionManifest
	var triggers, tags string

	err := c.db.QueryRow(`
		SELECT session_id, workspace_key, started_at, ended_at, name, triggers, tags, change_count
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&m.SessionID, &m.WorkspaceKey, &m.StartedAt, &m.EndedAt, &m.Name, &triggers, &tags, &m.ChangeCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	m.Schema = manifest.SchemaTag

	if err := json.Unmarshal([]byte(triggers), &m.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshal triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}

	changes, err := c.loadChanges(sessionID)
	if err != nil {
		return nil, err
	}
	m.Changes = changes

	return &m, nil
}

func (c *SQLite) loadChanges(sessionID string) ([]manifest.ChangeRecord, error) {
	rows, err := c.db.Query(`
		SELECT path, op, from_path, digest_before, digest_after,
		       size_before, size_after, mtime_before, mtime_after,
		       mode_before, mode_after, eol_before, eol_after
		FROM session_changes
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []manifest.ChangeRecord
	for rows.Next() {
		var ch manifest.ChangeRecord
		var op string
		var fromPath, digestBefore, digestAfter, eolBefore, eolAfter sql.NullString
		var modeBefore, modeAfter sql.NullInt64

		if err := rows.Scan(
			&ch.Path, &op, &fromPath, &digestBefore, &digestAfter,
			&ch.SizeBefore, &ch.SizeAfter, &ch.MtimeBefore, &ch.MtimeAfter,
			&modeBefore, &modeAfter, &eolBefore, &eolAfter,
		); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}

		ch.Op = manifest.ChangeOp(op)
		ch.FromPath = fromPath.String
		ch.DigestBefore = digestBefore.String
		ch.DigestAfter = digestAfter.String
		ch.EOLBefore = manifest.EOL(eolBefore.String)
		ch.EOLAfter = manifest.EOL(eolAfter.String)
		if modeBefore.Valid {
			ch.ModeBefore = manifest.Uint32(uint32(modeBefore.Int64))
		}
		if modeAfter.Valid {
			ch.ModeAfter = manifest.Uint32(uint32(modeAfter.Int64))
		}

		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// ListSessions returns summaries for a workspace, newest first.
func (c *SQLite) ListSessions(workspaceKey string, limit int) ([]manifest.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.Query(`
		SELECT session_id, started_at, ended_at, name, triggers, tags, change_count
		FROM sessions
		WHERE workspace_key = ?
		ORDER BY started_at DESC
		LIMIT ?`, workspaceKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []manifest.SessionSummary
	for rows.Next() {
		var s manifest.SessionSummary
		var triggers, tags string
		if err := rows.Scan(&s.SessionID, &s.StartedAt, &s.EndedAt, &s.Name, &triggers, &tags, &s.ChangeCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(triggers), &s.Triggers); err != nil {
			return nil, fmt.Errorf("unmarshal triggers: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a manifest and returns the deleted document.
func (c *SQLite) DeleteSession(sessionID string) (*manifest.SessionManifest, error) {
	m, err := c.GetManifest(sessionID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	err = c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM session_changes WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete changes: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LastDigest returns the newest terminal content digest for a path.
func (c *SQLite) LastDigest(workspaceKey, path string) (string, error) {
	var digest sql.NullString
	err := c.db.QueryRow(`
		SELECT ch.digest_after
		FROM session_changes ch
		JOIN sessions s ON s.session_id = ch.session_id
		WHERE s.workspace_key = ? AND ch.path = ?
		ORDER BY s.ended_at DESC, ch.seq DESC
		LIMIT 1`, workspaceKey, path,
	).Scan(&digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get last digest: %w", err)
	}
	return digest.String, nil
}

// UpsertBlob records blob metadata, leaving existing rows untouched.
func (c *SQLite) UpsertBlob(meta BlobMeta) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO blobs (digest, size, compressed_size, algo, ref_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			meta.Digest, meta.Size, meta.CompressedSize, meta.Algo, meta.RefCount, meta.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert blob: %w", err)
		}
		return nil
	})
}

// GetBlobMeta loads one blob row.
func (c *SQLite) GetBlobMeta(digest string) (*BlobMeta, error) {
	var meta BlobMeta
	err := c.db.QueryRow(`
		SELECT digest, size, compressed_size, algo, ref_count, created_at
		FROM blobs WHERE digest = ?`, digest,
	).Scan(&meta.Digest, &meta.Size, &meta.CompressedSize, &meta.Algo, &meta.RefCount, &meta.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return &meta, nil
}

// IncBlobRef increments a blob's reference count.
func (c *SQLite) IncBlobRef(digest string, n int64) error {
	return c.withWriter(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE blobs SET ref_count = ref_count + ? WHERE digest = ?`, n, digest)
		if err != nil {
			return fmt.Errorf("increment refcount: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("increment refcount: unknown blob %s", digest)
		}
		return nil
	})
}

// DecBlobRef decrements a blob's reference count, flooring at zero.
func (c *SQLite) DecBlobRef(digest string, n int64) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE blobs SET ref_count = MAX(0, ref_count - ?) WHERE digest = ?`, n, digest,
		); err != nil {
			return fmt.Errorf("decrement refcount: %w", err)
		}
		return nil
	})
}

// ZeroRefBlobs returns collectable blobs created before olderThan.
func (c *SQLite) ZeroRefBlobs(olderThan int64) ([]BlobMeta, error) {
	rows, err := c.db.Query(`
		SELECT digest, size, compressed_size, algo, ref_count, created_at
		FROM blobs
		WHERE ref_count = 0 AND created_at < ?`, olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("query zero-ref blobs: %w", err)
	}
	defer rows.Close()

	var out []BlobMeta
	for rows.Next() {
		var meta BlobMeta
		if err := rows.Scan(&meta.Digest, &meta.Size, &meta.CompressedSize, &meta.Algo, &meta.RefCount, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blobs: %w", err)
	}
	return out, nil
}

// DeleteBlobMeta removes a blob row.
func (c *SQLite) DeleteBlobMeta(digest string) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM blobs WHERE digest = ?`, digest); err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		return nil
	})
}

// BlobStats aggregates the blobs table.
func (c *SQLite) BlobStats() (BlobStats, error) {
	var s BlobStats
	err := c.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(compressed_size), 0)
		FROM blobs`,
	).Scan(&s.TotalBlobs, &s.TotalUncompressed, &s.TotalCompressed)
	if err != nil {
		return BlobStats{}, fmt.Errorf("aggregate blobs: %w", err)
	}
	return s, nil
}

// PutJournal upserts a journal mirror row.
func (c *SQLite) PutJournal(row JournalRow) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO journals (session_id, created_at, status, body)
			VALUES (?, ?, ?, ?)`,
			row.SessionID, row.CreatedAt, row.Status, row.Body,
		); err != nil {
			return fmt.Errorf("upsert journal: %w", err)
		}
		return nil
	})
}

// SetJournalStatus updates the mirrored journal status.
func (c *SQLite) SetJournalStatus(sessionID, status string) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE journals SET status = ? WHERE session_id = ?`, status, sessionID); err != nil {
			return fmt.Errorf("update journal status: %w", err)
		}
		return nil
	})
}

// ListJournals returns journal rows, optionally filtered by status.
func (c *SQLite) ListJournals(status string) ([]JournalRow, error) {
	query := `SELECT session_id, created_at, status, body FROM journals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var r JournalRow
		if err := rows.Scan(&r.SessionID, &r.CreatedAt, &r.Status, &r.Body); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journals: %w", err)
	}
	return out, nil
}

// DeleteJournal removes a journal mirror row.
func (c *SQLite) DeleteJournal(sessionID string) error {
	return c.withWriter(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM journals WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete journal: %w", err)
		}
		return nil
	})
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullUint32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
