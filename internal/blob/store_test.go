package blob

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rewindd/internal/catalog"
)

func newTestStore(t *testing.T) (*Store, *catalog.Memory) {
	t.Helper()
	meta := catalog.NewMemory()
	s, err := Open(t.TempDir(), meta)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, meta
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	payloads := [][]byte{
		[]byte("hello, world!"),
		{},
		bytes.Repeat([]byte("line of text\n"), 10_000),
		{0x00, 0xff, 0x80, 0x7f},
	}
	for _, data := range payloads {
		digest, err := s.Put(data)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(digest)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("round trip mismatch for %d bytes", len(data))
		}
	}
}

func TestPutReturnsDigestOfBytes(t *testing.T) {
	s, _ := newTestStore(t)

	digest, err := s.Put([]byte("hello, world!"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	const want = "68e656b251e67e8358bef8483ab0d51c6619f3e7a1a9f0e75838d41ff368f728"
	if digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
}

func TestPutIdempotent(t *testing.T) {
	s, meta := newTestStore(t)

	data := []byte("same bytes twice")
	d1, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.IncRef(d1, 1); err != nil {
		t.Fatalf("IncRef failed: %v", err)
	}

	d2, err := s.Put(data)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if d1 != d2 {
		t.Errorf("digests differ: %s != %s", d1, d2)
	}

	stats, err := meta.BlobStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBlobs != 1 {
		t.Errorf("totalBlobs = %d, want 1", stats.TotalBlobs)
	}

	m, _ := meta.GetBlobMeta(d1)
	if m.RefCount != 1 {
		t.Errorf("Put alone changed refCount: %d", m.RefCount)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	s, _ := newTestStore(t)

	digest, err := s.Put([]byte("precious bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Flip the stored file to different (still decodable) content.
	other, err := s.Put([]byte("imposter bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	src, err := os.ReadFile(s.path(other))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path(digest), src, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(digest)
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("corruption must not look like not-found")
	}
}

func TestGetDetectsGarbage(t *testing.T) {
	s, _ := newTestStore(t)

	digest, err := s.Put([]byte("will be mangled"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := os.WriteFile(s.path(digest), []byte{0xff, 0xfe, 0xfd}, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(digest)
	if !errors.Is(err, ErrDecompression) {
		t.Errorf("expected ErrDecompression, got %v", err)
	}
}

func TestHas(t *testing.T) {
	s, _ := newTestStore(t)

	digest, err := s.Put([]byte("present"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := s.Has(digest)
	if err != nil || !ok {
		t.Errorf("Has(%s) = %v, %v; want true", digest, ok, err)
	}

	ok, err = s.Has("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil || ok {
		t.Errorf("Has for missing digest = %v, %v; want false", ok, err)
	}
}

func TestShardedLayout(t *testing.T) {
	s, _ := newTestStore(t)

	digest, err := s.Put([]byte("hello, world!"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	want := filepath.Join(s.root, "sha256", digest[0:2], digest[2:4], digest+".snappy")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("blob not at sharded path %s: %v", want, err)
	}
}

func TestGCRespectsGraceAndRefs(t *testing.T) {
	s, meta := newTestStore(t)

	base := time.Now()
	s.now = func() time.Time { return base }

	dead, err := s.Put([]byte("dead"))
	if err != nil {
		t.Fatal(err)
	}
	live, err := s.Put([]byte("live"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.IncRef(live, 1); err != nil {
		t.Fatal(err)
	}

	// Inside the grace window nothing is collected.
	n, err := s.GC(24 * time.Hour)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if n != 0 {
		t.Errorf("collected %d blobs inside grace window", n)
	}

	// Move past the grace window.
	s.now = func() time.Time { return base.Add(25 * time.Hour) }

	n, err = s.GC(24 * time.Hour)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if n != 1 {
		t.Errorf("collected %d blobs, want 1", n)
	}

	if ok, _ := s.Has(dead); ok {
		t.Error("dead blob survived GC")
	}
	if ok, _ := s.Has(live); !ok {
		t.Error("referenced blob was collected")
	}
	if m, _ := meta.GetBlobMeta(dead); m != nil {
		t.Error("dead blob metadata survived GC")
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Put(bytes.Repeat([]byte("compressible "), 1000)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalBlobs != 1 {
		t.Errorf("totalBlobs = %d", stats.TotalBlobs)
	}
	if stats.TotalCompressed >= stats.TotalUncompressed {
		t.Errorf("expected compression: %d >= %d", stats.TotalCompressed, stats.TotalUncompressed)
	}
	if stats.CompressionRatio <= 1 {
		t.Errorf("ratio = %f, want > 1", stats.CompressionRatio)
	}
}
