package rollback

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewindd/internal/blob"
	"rewindd/internal/catalog"
	"rewindd/internal/manifest"
	"rewindd/internal/workspace"
)

// rig bundles everything a rollback test needs.
type rig struct {
	ws     *workspace.Root
	blobs  *blob.Store
	cat    *catalog.Memory
	engine *Engine

	journalDir string
	stagingDir string
}

func newRig(t *testing.T) *rig {
	t.Helper()

	wsDir := t.TempDir()
	dataDir := t.TempDir()

	ws, err := workspace.NewRoot(wsDir, nil)
	require.NoError(t, err)

	cat := catalog.NewMemory()
	blobs, err := blob.Open(filepath.Join(dataDir, "blobs"), cat)
	require.NoError(t, err)

	journalDir := filepath.Join(dataDir, ".sb_journal")
	stagingDir := filepath.Join(dataDir, "staging")

	return &rig{
		ws:         ws,
		blobs:      blobs,
		cat:        cat,
		engine:     NewEngine(blobs, ws, journalDir, stagingDir, cat, nil),
		journalDir: journalDir,
		stagingDir: stagingDir,
	}
}

// write puts content on disk inside the workspace.
func (r *rig) write(t *testing.T, rel, content string) string {
	t.Helper()
	abs, err := r.ws.Abs(rel)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

// put stores content in the blob store and returns its digest.
func (r *rig) put(t *testing.T, content string) string {
	t.Helper()
	d, err := r.blobs.Put([]byte(content))
	require.NoError(t, err)
	return d
}

func (r *rig) manifestFor(id string, changes ...manifest.ChangeRecord) *manifest.SessionManifest {
	return &manifest.SessionManifest{
		Schema:       manifest.SchemaTag,
		SessionID:    id,
		WorkspaceKey: r.ws.Key(),
		StartedAt:    time.Now().Add(-time.Minute).UnixMilli(),
		EndedAt:      time.Now().UnixMilli(),
		Changes:      changes,
		ChangeCount:  len(changes),
	}
}

func (r *rig) exists(t *testing.T, rel string) bool {
	t.Helper()
	abs, err := r.ws.Abs(rel)
	require.NoError(t, err)
	_, err = os.Lstat(abs)
	return err == nil
}

func (r *rig) read(t *testing.T, rel string) string {
	t.Helper()
	abs, err := r.ws.Abs(rel)
	require.NoError(t, err)
	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	return string(data)
}

// noBackupsLeft asserts no .bak- file survives anywhere in the workspace.
func (r *rig) noBackupsLeft(t *testing.T) {
	t.Helper()
	filepath.Walk(r.ws.Dir(), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			assert.NotContains(t, filepath.Base(path), ".bak-", "stray backup %s", path)
		}
		return nil
	})
}

func TestRollbackCreate(t *testing.T) {
	r := newRig(t)

	r.write(t, "a.txt", "hello, world!")
	digest := r.put(t, "hello, world!")
	require.Equal(t, "68e656b251e67e8358bef8483ab0d51c6619f3e7a1a9f0e75838d41ff368f728", digest)

	m := r.manifestFor("s-create", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpCreated, DigestAfter: digest,
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a.txt"}, res.FilesReverted)
	assert.Empty(t, res.FilesSkipped)

	assert.False(t, r.exists(t, "a.txt"), "created file should be gone after rollback")
	r.noBackupsLeft(t)
}

func TestRollbackModify(t *testing.T) {
	r := newRig(t)

	before := r.put(t, "A")
	after := r.put(t, "B")
	r.write(t, "a.txt", "B")

	mtime := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	m := r.manifestFor("s-modify", manifest.ChangeRecord{
		Path:         "a.txt",
		Op:           manifest.OpModified,
		DigestBefore: before,
		DigestAfter:  after,
		MtimeBefore:  manifest.Int64(mtime.UnixMilli()),
		ModeBefore:   manifest.Uint32(0o640),
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, "A", r.read(t, "a.txt"))

	abs, _ := r.ws.Abs("a.txt")
	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, mtime.UnixMilli(), info.ModTime().UnixMilli(), "mtime restored")
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "mode restored")
	r.noBackupsLeft(t)
}

func TestRollbackDelete(t *testing.T) {
	r := newRig(t)

	before := r.put(t, "A")
	// The file is already gone from the workspace.
	m := r.manifestFor("s-delete", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpDeleted, DigestBefore: before,
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, "A", r.read(t, "a.txt"), "deleted file restored")
	r.noBackupsLeft(t)
}

func TestRollbackRename(t *testing.T) {
	r := newRig(t)

	digest := r.put(t, "X")
	r.write(t, "new.txt", "X")

	m := r.manifestFor("s-rename", manifest.ChangeRecord{
		Path:         "new.txt",
		Op:           manifest.OpRenamed,
		FromPath:     "old.txt",
		DigestBefore: digest,
		DigestAfter:  digest,
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.True(t, r.exists(t, "old.txt"))
	assert.Equal(t, "X", r.read(t, "old.txt"))
	assert.False(t, r.exists(t, "new.txt"))
	r.noBackupsLeft(t)
}

func TestRollbackLeavesUnrelatedFiles(t *testing.T) {
	r := newRig(t)

	r.write(t, "touched.txt", "B")
	r.write(t, "untouched.txt", "keep me")
	before := r.put(t, "A")
	after := r.put(t, "B")

	m := r.manifestFor("s-unrelated", manifest.ChangeRecord{
		Path: "touched.txt", Op: manifest.OpModified, DigestBefore: before, DigestAfter: after,
	})

	_, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)

	assert.Equal(t, "A", r.read(t, "touched.txt"))
	assert.Equal(t, "keep me", r.read(t, "untouched.txt"))
}

func TestRollbackMultipleEventsSamePath(t *testing.T) {
	// created then modified: the inverse must end with the file absent.
	r := newRig(t)

	v1 := r.put(t, "v1")
	v2 := r.put(t, "v2")
	r.write(t, "f.txt", "v2")

	m := r.manifestFor("s-multi",
		manifest.ChangeRecord{Path: "f.txt", Op: manifest.OpCreated, DigestAfter: v1},
		manifest.ChangeRecord{Path: "f.txt", Op: manifest.OpModified, DigestBefore: v1, DigestAfter: v2},
	)

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, r.exists(t, "f.txt"), "file created within the session must be removed")
}

func TestRollbackDryRun(t *testing.T) {
	r := newRig(t)

	before := r.put(t, "A")
	after := r.put(t, "B")
	r.write(t, "a.txt", "B")

	m := r.manifestFor("s-dry", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpModified, DigestBefore: before, DigestAfter: after,
	})

	res, err := r.engine.Rollback(m, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"a.txt"}, res.FilesReverted)

	// Nothing moved, no journal or staging residue.
	assert.Equal(t, "B", r.read(t, "a.txt"))
	pending, _ := filepath.Glob(filepath.Join(r.journalDir, "pending", "*.json"))
	assert.Empty(t, pending)
	staged, _ := filepath.Glob(filepath.Join(r.stagingDir, "*"))
	assert.Empty(t, staged)
}

func TestRollbackAbortsOnMissingBlob(t *testing.T) {
	r := newRig(t)

	r.write(t, "a.txt", "B")
	after := r.put(t, "B")

	missing := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	m := r.manifestFor("s-missing", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpModified, DigestBefore: missing, DigestAfter: after,
	})

	_, err := r.engine.Rollback(m, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))

	// No mutation happened; journal records the abort.
	assert.Equal(t, "B", r.read(t, "a.txt"))
	j, err := readJournal(pendingPath(r.journalDir, "s-missing"))
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, j.Status)
	assert.Empty(t, j.Backups)
}

func TestRollbackContinuesPastUnrestorableFile(t *testing.T) {
	r := newRig(t)

	goodBefore := r.put(t, "good-A")
	goodAfter := r.put(t, "good-B")
	r.write(t, "good.txt", "good-B")
	r.write(t, "bad.txt", "whatever")
	badAfter := r.put(t, "whatever")

	m := r.manifestFor("s-partial",
		// No digestBefore was ever captured for bad.txt.
		manifest.ChangeRecord{Path: "bad.txt", Op: manifest.OpModified, DigestAfter: badAfter},
		manifest.ChangeRecord{Path: "good.txt", Op: manifest.OpModified, DigestBefore: goodBefore, DigestAfter: goodAfter},
	)

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success, "per-file failure must not fail the rollback")
	assert.Equal(t, []string{"good.txt"}, res.FilesReverted)
	require.Len(t, res.FilesSkipped, 1)
	assert.Equal(t, "bad.txt", res.FilesSkipped[0].Path)

	assert.Equal(t, "good-A", r.read(t, "good.txt"))
	assert.Equal(t, "whatever", r.read(t, "bad.txt"))
}

func TestRollbackCommitsJournalAndCleansUp(t *testing.T) {
	r := newRig(t)

	before := r.put(t, "A")
	after := r.put(t, "B")
	r.write(t, "a.txt", "B")

	m := r.manifestFor("s-commit", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpModified, DigestBefore: before, DigestAfter: after,
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)

	// Journal moved pending -> committed.
	assert.NoFileExists(t, pendingPath(r.journalDir, "s-commit"))
	assert.FileExists(t, committedPath(r.journalDir, "s-commit"))
	assert.Equal(t, committedPath(r.journalDir, "s-commit"), res.JournalPath)

	j, err := readJournal(committedPath(r.journalDir, "s-commit"))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, j.Status)

	// Catalog mirror followed.
	rows, err := r.cat.ListJournals("")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, catalog.JournalCommitted, rows[0].Status)

	// Staging cleaned.
	staged, _ := filepath.Glob(filepath.Join(r.stagingDir, "s-commit", "*"))
	assert.Empty(t, staged)
	r.noBackupsLeft(t)
}

func TestRollbackProgressCallback(t *testing.T) {
	r := newRig(t)

	before := r.put(t, "A")
	after := r.put(t, "B")
	r.write(t, "a.txt", "B")

	m := r.manifestFor("s-progress", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpModified, DigestBefore: before, DigestAfter: after,
	})

	var seen []string
	_, err := r.engine.Rollback(m, Options{
		OnProgress: func(path string, reverted bool) {
			seen = append(seen, path)
			assert.True(t, reverted)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, seen)
}

func TestRollbackOverwritesDivergedContent(t *testing.T) {
	// Rollback of a modified file overwrites whatever the workspace holds
	// now; there is no three-way merge.
	r := newRig(t)

	before := r.put(t, "A")
	after := r.put(t, "B")
	r.write(t, "a.txt", "C-diverged")

	m := r.manifestFor("s-diverge", manifest.ChangeRecord{
		Path: "a.txt", Op: manifest.OpModified, DigestBefore: before, DigestAfter: after,
	})

	res, err := r.engine.Rollback(m, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "A", r.read(t, "a.txt"))
}
