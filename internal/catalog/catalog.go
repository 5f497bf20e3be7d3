// Package catalog provides durable storage for session manifests, blob
// metadata and refcounts, and rollback journal state.
//
// Two backends implement the Catalog interface: the embedded SQLite catalog
// (the default) and an in-memory catalog used by tests and ephemeral runs.
// Write operations serialize through a single-writer advisory lock; readers
// run concurrently without it.
package catalog

import (
	"errors"

	"rewindd/internal/manifest"
)

// Journal status values mirrored from the on-disk journal files.
const (
	JournalPending    = "pending"
	JournalCommitted  = "committed"
	JournalRolledBack = "rolled-back"
)

var (
	// ErrLockTimeout is returned when the writer lock cannot be acquired
	// within the configured timeout.
	ErrLockTimeout = errors.New("catalog: writer lock timeout")

	// ErrSessionExists is returned when persisting a manifest whose
	// sessionId is already cataloged.
	ErrSessionExists = errors.New("catalog: session already exists")
)

// BlobMeta is the catalog row for one stored blob.
type BlobMeta struct {
	Digest         string
	Size           int64
	CompressedSize int64
	Algo           string
	RefCount       int64
	CreatedAt      int64 // epoch ms
}

// BlobStats aggregates the blobs table.
type BlobStats struct {
	TotalBlobs        int64
	TotalUncompressed int64
	TotalCompressed   int64
}

// CompressionRatio returns uncompressed/compressed, or 1 when empty.
func (s BlobStats) CompressionRatio() float64 {
	if s.TotalCompressed == 0 {
		return 1
	}
	return float64(s.TotalUncompressed) / float64(s.TotalCompressed)
}

// JournalRow mirrors an on-disk rollback journal for listing and
// correlation. Body is the serialized journal document.
type JournalRow struct {
	SessionID string
	CreatedAt int64 // epoch ms
	Status    string
	Body      []byte
}

// Catalog is the storage layer behind the session manager, the blob store,
// and the rollback engine. Lookups return (nil, nil) when the row does not
// exist; errors are reserved for storage failures.
type Catalog interface {
	// SaveManifest atomically persists a manifest and all its changes.
	SaveManifest(m *manifest.SessionManifest) error

	// GetManifest loads a full manifest by session id.
	GetManifest(sessionID string) (*manifest.SessionManifest, error)

	// ListSessions returns summaries for a workspace, newest first.
	ListSessions(workspaceKey string, limit int) ([]manifest.SessionSummary, error)

	// DeleteSession removes a manifest and returns it so the caller can
	// release its blob references.
	DeleteSession(sessionID string) (*manifest.SessionManifest, error)

	// LastDigest returns the most recent terminal content digest recorded
	// for a path in the workspace, or "" when the path has no history or its
	// last event was a deletion.
	LastDigest(workspaceKey, path string) (string, error)

	// UpsertBlob records blob metadata; existing rows are left untouched.
	UpsertBlob(meta BlobMeta) error

	// GetBlobMeta loads one blob row.
	GetBlobMeta(digest string) (*BlobMeta, error)

	// IncBlobRef and DecBlobRef adjust a blob's reference count by n.
	// DecBlobRef floors at zero.
	IncBlobRef(digest string, n int64) error
	DecBlobRef(digest string, n int64) error

	// ZeroRefBlobs returns blobs with refCount = 0 created before the given
	// epoch-ms instant, the GC candidate set.
	ZeroRefBlobs(olderThan int64) ([]BlobMeta, error)

	// DeleteBlobMeta removes a blob row after its file is collected.
	DeleteBlobMeta(digest string) error

	// BlobStats aggregates the blobs table.
	BlobStats() (BlobStats, error)

	// PutJournal upserts a journal mirror row.
	PutJournal(row JournalRow) error

	// SetJournalStatus updates the mirrored status.
	SetJournalStatus(sessionID, status string) error

	// ListJournals returns journal rows, optionally filtered by status
	// ("" means all).
	ListJournals(status string) ([]JournalRow, error)

	// DeleteJournal removes a journal mirror row.
	DeleteJournal(sessionID string) error

	Close() error
}
