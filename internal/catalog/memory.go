package catalog

import (
	"fmt"
	"sort"
	"sync"

	"rewindd/internal/manifest"
)

// Memory is an in-memory Catalog used by tests and ephemeral runs.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*manifest.SessionManifest
	blobs    map[string]BlobMeta
	journals map[string]JournalRow
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*manifest.SessionManifest),
		blobs:    make(map[string]BlobMeta),
		journals: make(map[string]JournalRow),
	}
}

func (c *Memory) Close() error { return nil }

// SaveManifest stores a deep copy of the manifest.
func (c *Memory) SaveManifest(m *manifest.SessionManifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sessions[m.SessionID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, m.SessionID)
	}
	c.sessions[m.SessionID] = copyManifest(m)
	return nil
}

func (c *Memory) GetManifest(sessionID string) (*manifest.SessionManifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copyManifest(m), nil
}

func (c *Memory) ListSessions(workspaceKey string, limit int) ([]manifest.SessionSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var out []manifest.SessionSummary
	for _, m := range c.sessions {
		if m.WorkspaceKey != workspaceKey {
			continue
		}
		out = append(out, manifest.SessionSummary{
			SessionID:   m.SessionID,
			StartedAt:   m.StartedAt,
			EndedAt:     m.EndedAt,
			Name:        m.Name,
			Tags:        append([]string(nil), m.Tags...),
			Triggers:    append([]manifest.Trigger(nil), m.Triggers...),
			ChangeCount: m.ChangeCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Memory) DeleteSession(sessionID string) (*manifest.SessionManifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	delete(c.sessions, sessionID)
	return m, nil
}

func (c *Memory) LastDigest(workspaceKey, path string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var bestEnded int64 = -1
	var digest string
	for _, m := range c.sessions {
		if m.WorkspaceKey != workspaceKey || m.EndedAt < bestEnded {
			continue
		}
		for _, ch := range m.Changes {
			if ch.Path == path {
				bestEnded = m.EndedAt
				digest = ch.DigestAfter
			}
		}
	}
	return digest, nil
}

func (c *Memory) UpsertBlob(meta BlobMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.blobs[meta.Digest]; !exists {
		c.blobs[meta.Digest] = meta
	}
	return nil
}

func (c *Memory) GetBlobMeta(digest string) (*BlobMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.blobs[digest]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (c *Memory) IncBlobRef(digest string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.blobs[digest]
	if !ok {
		return fmt.Errorf("increment refcount: unknown blob %s", digest)
	}
	meta.RefCount += n
	c.blobs[digest] = meta
	return nil
}

func (c *Memory) DecBlobRef(digest string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.blobs[digest]
	if !ok {
		return nil
	}
	meta.RefCount -= n
	if meta.RefCount < 0 {
		meta.RefCount = 0
	}
	c.blobs[digest] = meta
	return nil
}

func (c *Memory) ZeroRefBlobs(olderThan int64) ([]BlobMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []BlobMeta
	for _, meta := range c.blobs {
		if meta.RefCount == 0 && meta.CreatedAt < olderThan {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (c *Memory) DeleteBlobMeta(digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, digest)
	return nil
}

func (c *Memory) BlobStats() (BlobStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var s BlobStats
	for _, meta := range c.blobs {
		s.TotalBlobs++
		s.TotalUncompressed += meta.Size
		s.TotalCompressed += meta.CompressedSize
	}
	return s, nil
}

func (c *Memory) PutJournal(row JournalRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journals[row.SessionID] = row
	return nil
}

func (c *Memory) SetJournalStatus(sessionID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, ok := c.journals[sessionID]
	if !ok {
		return nil
	}
	row.Status = status
	c.journals[sessionID] = row
	return nil
}

func (c *Memory) ListJournals(status string) ([]JournalRow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []JournalRow
	for _, row := range c.journals {
		if status == "" || row.Status == status {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (c *Memory) DeleteJournal(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.journals, sessionID)
	return nil
}

func copyManifest(m *manifest.SessionManifest) *manifest.SessionManifest {
	cp := *m
	cp.Triggers = append([]manifest.Trigger(nil), m.Triggers...)
	cp.Tags = append([]string(nil), m.Tags...)
	cp.Changes = append([]manifest.ChangeRecord(nil), m.Changes...)
	return &cp
}
