// Package blob implements the content-addressable blob store.
//
// Every file version is stored once, keyed by the hex SHA-256 of its
// uncompressed bytes, compressed with snappy, and published by atomic rename
// into a two-level sharded directory tree. Reference counts live in the
// catalog; the store never interprets session semantics.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/snappy"

	"rewindd/internal/catalog"
)

const (
	// Algo is the digest algorithm identifier.
	Algo = "sha256"

	// ext is the on-disk blob file extension.
	ext = ".snappy"
)

var (
	// ErrNotFound is returned when a digest has no stored blob.
	ErrNotFound = errors.New("blob: not found")

	// ErrHashMismatch is returned when stored bytes fail digest
	// verification. Distinct from ErrNotFound: the blob exists but is
	// corrupt.
	ErrHashMismatch = errors.New("blob: hash mismatch")

	// ErrStorageFull is returned when the underlying device is out of space.
	ErrStorageFull = errors.New("blob: storage full")

	// ErrDecompression is returned when a stored blob cannot be
	// decompressed.
	ErrDecompression = errors.New("blob: decompression failed")
)

// MetaStore is the slice of the catalog the blob store needs. Both catalog
// backends satisfy it.
type MetaStore interface {
	UpsertBlob(meta catalog.BlobMeta) error
	GetBlobMeta(digest string) (*catalog.BlobMeta, error)
	IncBlobRef(digest string, n int64) error
	DecBlobRef(digest string, n int64) error
	ZeroRefBlobs(olderThan int64) ([]catalog.BlobMeta, error)
	DeleteBlobMeta(digest string) error
	BlobStats() (catalog.BlobStats, error)
}

// Stats summarizes the store for operators.
type Stats struct {
	TotalBlobs        int64
	TotalUncompressed int64
	TotalCompressed   int64
	CompressionRatio  float64
}

// Store is the content-addressable blob store.
type Store struct {
	root string
	meta MetaStore
	now  func() time.Time
}

// Open creates a Store rooted at dir, with metadata kept in meta.
func Open(dir string, meta MetaStore) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, Algo), 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir, meta: meta, now: time.Now}, nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// path returns the sharded location for a digest:
// <root>/sha256/aa/bb/<digest>.snappy.
func (s *Store) path(digest string) string {
	return filepath.Join(s.root, Algo, digest[0:2], digest[2:4], digest+ext)
}

// Put stores data and returns its digest. Storing bytes that are already
// present is a no-op returning the same digest.
func (s *Store) Put(data []byte) (string, error) {
	digest := Digest(data)

	if ok, err := s.Has(digest); err != nil {
		return "", err
	} else if ok {
		return digest, nil
	}

	compressed := snappy.Encode(nil, data)

	final := s.path(digest)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", wrapIO("create shard directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".put-*")
	if err != nil {
		return "", wrapIO("create temp blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return "", wrapIO("write blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", wrapIO("sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", wrapIO("close blob", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", wrapIO("publish blob", err)
	}

	err = s.meta.UpsertBlob(catalog.BlobMeta{
		Digest:         digest,
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Algo:           Algo,
		RefCount:       0,
		CreatedAt:      s.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("record blob metadata: %w", err)
	}

	return digest, nil
}

// Get retrieves and verifies the blob for digest.
func (s *Store) Get(digest string) ([]byte, error) {
	compressed, err := os.ReadFile(s.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, wrapIO("read blob", err)
	}

	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompression, digest, err)
	}

	if got := Digest(data); got != digest {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, digest, got)
	}
	return data, nil
}

// Has reports whether the blob file for digest exists.
func (s *Store) Has(digest string) (bool, error) {
	if len(digest) < 4 {
		return false, nil
	}
	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapIO("stat blob", err)
}

// IncRef increases the reference count of digest by n.
func (s *Store) IncRef(digest string, n int64) error {
	return s.meta.IncBlobRef(digest, n)
}

// DecRef decreases the reference count of digest by n. Reaching zero does
// not delete the blob; GC does, after the grace window.
func (s *Store) DecRef(digest string, n int64) error {
	return s.meta.DecBlobRef(digest, n)
}

// GC deletes blobs whose refCount is zero and whose createdAt is older than
// the grace window. It returns the number of blobs collected.
func (s *Store) GC(grace time.Duration) (int, error) {
	cutoff := s.now().Add(-grace).UnixMilli()

	candidates, err := s.meta.ZeroRefBlobs(cutoff)
	if err != nil {
		return 0, fmt.Errorf("select gc candidates: %w", err)
	}

	collected := 0
	for _, meta := range candidates {
		if err := os.Remove(s.path(meta.Digest)); err != nil && !os.IsNotExist(err) {
			return collected, wrapIO("remove blob", err)
		}
		if err := s.meta.DeleteBlobMeta(meta.Digest); err != nil {
			return collected, fmt.Errorf("remove blob metadata: %w", err)
		}
		collected++
	}
	return collected, nil
}

// Stats summarizes the store.
func (s *Store) Stats() (Stats, error) {
	row, err := s.meta.BlobStats()
	if err != nil {
		return Stats{}, err
	}

	ratio := 1.0
	if row.TotalCompressed > 0 {
		ratio = float64(row.TotalUncompressed) / float64(row.TotalCompressed)
	}
	return Stats{
		TotalBlobs:        row.TotalBlobs,
		TotalUncompressed: row.TotalUncompressed,
		TotalCompressed:   row.TotalCompressed,
		CompressionRatio:  ratio,
	}, nil
}

// wrapIO wraps filesystem errors, mapping ENOSPC to ErrStorageFull.
func wrapIO(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w", op, ErrStorageFull)
	}
	return fmt.Errorf("%s: %w", op, err)
}
