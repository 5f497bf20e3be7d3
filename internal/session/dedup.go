package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"rewindd/internal/manifest"
)

// Fingerprint canonicalizes a change set for deduplication: one line per
// change, sorted, hashed. Two sessions whose files ended up with identical
// before/after digests fingerprint identically regardless of event order.
func Fingerprint(changes []manifest.ChangeRecord) string {
	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		lines = append(lines, c.Path+":"+string(c.Op)+":"+c.DigestBefore+":"+c.DigestAfter)
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// dedupEntry is one remembered finalize.
type dedupEntry struct {
	sessionID   string
	finalizedAt time.Time
}

// dedupCache remembers recent session fingerprints in an LRU.
type dedupCache struct {
	cache *lru.Cache
}

func newDedupCache(size int) (*dedupCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &dedupCache{cache: c}, nil
}

// lookup returns the session id of a recent identical session, if any
// finalized within the window.
func (d *dedupCache) lookup(fp string, now time.Time, window time.Duration) (string, bool) {
	v, ok := d.cache.Get(fp)
	if !ok {
		return "", false
	}
	entry := v.(dedupEntry)
	if now.Sub(entry.finalizedAt) > window {
		return "", false
	}
	return entry.sessionID, true
}

// add remembers a freshly persisted session.
func (d *dedupCache) add(fp, sessionID string, now time.Time) {
	d.cache.Add(fp, dedupEntry{sessionID: sessionID, finalizedAt: now})
}
