package rollback

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rewindd/internal/blob"
	"rewindd/internal/catalog"
	"rewindd/internal/manifest"
	"rewindd/internal/workspace"
)

var (
	// ErrIntegrity is returned when a required blob is missing or corrupt.
	// The rollback aborts before any filesystem swap.
	ErrIntegrity = errors.New("rollback: integrity failure")
)

// Options controls one rollback invocation.
type Options struct {
	// DryRun stops before the swap phase and reports the paths that would
	// be affected. It is the cancellation-safe entry point.
	DryRun bool

	// SkipVerification skips re-hashing staged content before the swap.
	SkipVerification bool

	// OnProgress, if set, is called after each file is reverted or skipped.
	OnProgress func(path string, reverted bool)
}

// SkippedFile records one file the rollback could not revert, whether found
// at staging (no recorded content) or during the swap phase.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the per-file accounting of a rollback attempt.
type Result struct {
	Success       bool          `json:"success"`
	SessionID     string        `json:"sessionId"`
	DryRun        bool          `json:"dryRun,omitempty"`
	FilesReverted []string      `json:"filesReverted"`
	FilesSkipped  []SkippedFile `json:"filesSkipped"`
	Errors        []string      `json:"errors,omitempty"`
	JournalPath   string        `json:"journalPath,omitempty"`
}

// JournalMirror is the optional catalog mirror of journal state. All calls
// are best-effort; the on-disk journal remains authoritative.
type JournalMirror interface {
	PutJournal(row catalog.JournalRow) error
	SetJournalStatus(sessionID, status string) error
	DeleteJournal(sessionID string) error
}

// Engine reverts sessions. It is a short-lived function of the manifest, the
// blob store, and the workspace; it holds no references back into the
// session layer.
type Engine struct {
	blobs      *blob.Store
	ws         *workspace.Root
	journalDir string
	stagingDir string
	mirror     JournalMirror
	log        *slog.Logger
}

// NewEngine creates a rollback engine. mirror may be nil.
func NewEngine(blobs *blob.Store, ws *workspace.Root, journalDir, stagingDir string, mirror JournalMirror, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		blobs:      blobs,
		ws:         ws,
		journalDir: journalDir,
		stagingDir: stagingDir,
		mirror:     mirror,
		log:        log.With("component", "rollback"),
	}
}

// stagedFile is one prepared swap.
type stagedFile struct {
	rel     string
	staging string
	change  manifest.ChangeRecord
}

// Rollback reverts the given session. Partial success is permitted: per-file
// swap failures are recorded in FilesSkipped and the rollback continues.
// Integrity failures before the swap phase abort with no workspace mutation.
func (e *Engine) Rollback(m *manifest.SessionManifest, opts Options) (*Result, error) {
	res := &Result{SessionID: m.SessionID, DryRun: opts.DryRun}

	if err := ensureJournalDirs(e.journalDir); err != nil {
		return res, err
	}

	inverse := Invert(m.Changes)

	journal := &Journal{
		SessionID:     m.SessionID,
		CreatedAt:     time.Now().UnixMilli(),
		WorkspaceRoot: e.ws.Dir(),
		Changes:       inverse,
		Backups:       []BackupPair{},
		Status:        StatusPending,
	}
	jpath := pendingPath(e.journalDir, m.SessionID)
	if err := writeJournal(jpath, journal); err != nil {
		return res, err
	}
	res.JournalPath = jpath
	e.mirrorPut(journal)

	staging := filepath.Join(e.stagingDir, m.SessionID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return res, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	// Stage phase: materialize restored content outside the workspace.
	var staged []stagedFile
	var toDelete []string
	for _, inv := range inverse {
		if inv.Op == manifest.OpDeleted {
			toDelete = append(toDelete, inv.Path)
			continue
		}

		if inv.DigestAfter == "" {
			e.skip(res, opts, inv.Path, "no content recorded for restore")
			continue
		}

		if inv.Op == manifest.OpRenamed {
			// Content returns to the old name; the new name goes away.
			toDelete = append(toDelete, inv.FromPath)
		}

		data, err := e.blobs.Get(inv.DigestAfter)
		if err != nil {
			return res, e.abort(journal, jpath, fmt.Errorf("%w: fetch %s for %s: %v", ErrIntegrity, inv.DigestAfter, inv.Path, err))
		}

		dst := filepath.Join(staging, filepath.FromSlash(inv.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return res, fmt.Errorf("create staging subdirectory: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return res, fmt.Errorf("stage %s: %w", inv.Path, err)
		}
		restoreMeta(dst, inv)

		staged = append(staged, stagedFile{rel: inv.Path, staging: dst, change: inv})
	}

	// Validation phase: staged bytes must hash to what the manifest claims.
	if !opts.SkipVerification {
		for _, sf := range staged {
			data, err := os.ReadFile(sf.staging)
			if err != nil {
				return res, e.abort(journal, jpath, fmt.Errorf("verify %s: %w", sf.rel, err))
			}
			if got := blob.Digest(data); got != sf.change.DigestAfter {
				return res, e.abort(journal, jpath,
					fmt.Errorf("%w: staged %s hashes to %s, want %s", ErrIntegrity, sf.rel, got, sf.change.DigestAfter))
			}
		}
	}

	if opts.DryRun {
		for _, sf := range staged {
			res.FilesReverted = append(res.FilesReverted, sf.rel)
		}
		res.FilesReverted = append(res.FilesReverted, toDelete...)
		res.Success = true
		os.Remove(jpath)
		res.JournalPath = ""
		e.mirrorDelete(m.SessionID)
		return res, nil
	}

	// Swap phase: atomic per file, in inverse order.
	for _, sf := range staged {
		e.swapOne(sf, journal, jpath, res, opts)
	}

	// Realize deletions by renaming aside; the unlink happens at commit.
	for _, rel := range toDelete {
		e.deleteOne(rel, m.SessionID, journal, jpath, res, opts)
	}

	// Commit phase: journal moves to committed/ first, then backups go away.
	journal.Status = StatusCommitted
	if err := writeJournal(jpath, journal); err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Success = false
		return res, err
	}
	cpath := committedPath(e.journalDir, m.SessionID)
	if err := os.Rename(jpath, cpath); err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Success = false
		return res, fmt.Errorf("commit journal: %w", err)
	}
	res.JournalPath = cpath
	e.mirrorStatus(m.SessionID, StatusCommitted)

	for _, b := range journal.Backups {
		if err := os.Remove(b.Backup); err != nil && !os.IsNotExist(err) {
			e.log.Warn("leftover backup not removed", "backup", b.Backup, "error", err)
		}
	}

	res.Success = true
	e.log.Info("rollback complete",
		"session", m.SessionID,
		"reverted", len(res.FilesReverted),
		"skipped", len(res.FilesSkipped))
	return res, nil
}

// swapOne performs the atomic swap for one staged file.
func (e *Engine) swapOne(sf stagedFile, journal *Journal, jpath string, res *Result, opts Options) {
	dest, err := e.ws.Abs(sf.rel)
	if err != nil {
		e.skip(res, opts, sf.rel, err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		e.skip(res, opts, sf.rel, fmt.Sprintf("create parent directory: %v", err))
		return
	}

	var backup string
	if _, err := os.Lstat(dest); err == nil {
		backup = dest + ".bak-" + journal.SessionID
		if err := renameFile(dest, backup); err != nil {
			e.skip(res, opts, sf.rel, fmt.Sprintf("backup rename: %v", err))
			return
		}
		journal.Backups = append(journal.Backups, BackupPair{Original: dest, Backup: backup})
		if err := writeJournal(jpath, journal); err != nil {
			// Put the original back; without a durable journal the backup
			// would be unrecoverable after a crash.
			renameFile(backup, dest)
			journal.Backups = journal.Backups[:len(journal.Backups)-1]
			e.skip(res, opts, sf.rel, fmt.Sprintf("journal update: %v", err))
			return
		}
		e.mirrorPut(journal)
	}

	if err := renameFile(sf.staging, dest); err != nil {
		if backup != "" {
			if rerr := renameFile(backup, dest); rerr == nil {
				journal.Backups = journal.Backups[:len(journal.Backups)-1]
				writeJournal(jpath, journal)
			}
		}
		e.skip(res, opts, sf.rel, fmt.Sprintf("swap: %v", err))
		return
	}
	restoreMeta(dest, sf.change)

	res.FilesReverted = append(res.FilesReverted, sf.rel)
	if opts.OnProgress != nil {
		opts.OnProgress(sf.rel, true)
	}
}

// deleteOne realizes an inverse deletion by renaming the live file aside.
func (e *Engine) deleteOne(rel, sessionID string, journal *Journal, jpath string, res *Result, opts Options) {
	live, err := e.ws.Abs(rel)
	if err != nil {
		e.skip(res, opts, rel, err.Error())
		return
	}

	if _, err := os.Lstat(live); err != nil {
		// Already absent; the deletion is trivially realized.
		res.FilesReverted = append(res.FilesReverted, rel)
		if opts.OnProgress != nil {
			opts.OnProgress(rel, true)
		}
		return
	}

	backup := live + ".bak-" + sessionID
	if err := renameFile(live, backup); err != nil {
		e.skip(res, opts, rel, fmt.Sprintf("delete rename: %v", err))
		return
	}
	journal.Backups = append(journal.Backups, BackupPair{Original: live, Backup: backup})
	if err := writeJournal(jpath, journal); err != nil {
		renameFile(backup, live)
		journal.Backups = journal.Backups[:len(journal.Backups)-1]
		e.skip(res, opts, rel, fmt.Sprintf("journal update: %v", err))
		return
	}
	e.mirrorPut(journal)

	res.FilesReverted = append(res.FilesReverted, rel)
	if opts.OnProgress != nil {
		opts.OnProgress(rel, true)
	}
}

// abort marks the journal rolled-back and returns err. No workspace mutation
// has occurred when abort is reachable.
func (e *Engine) abort(journal *Journal, jpath string, err error) error {
	journal.Status = StatusRolledBack
	if werr := writeJournal(jpath, journal); werr != nil {
		e.log.Warn("failed to mark journal rolled-back", "error", werr)
	}
	e.mirrorStatus(journal.SessionID, StatusRolledBack)
	e.log.Error("rollback aborted", "session", journal.SessionID, "error", err)
	return err
}

func (e *Engine) skip(res *Result, opts Options, rel, reason string) {
	res.FilesSkipped = append(res.FilesSkipped, SkippedFile{Path: rel, Reason: reason})
	e.log.Warn("file skipped during rollback", "path", rel, "reason", reason)
	if opts.OnProgress != nil {
		opts.OnProgress(rel, false)
	}
}

func (e *Engine) mirrorPut(j *Journal) {
	if e.mirror == nil {
		return
	}
	body, err := jsonBody(j)
	if err != nil {
		return
	}
	e.mirror.PutJournal(catalog.JournalRow{
		SessionID: j.SessionID,
		CreatedAt: j.CreatedAt,
		Status:    j.Status,
		Body:      body,
	})
}

func (e *Engine) mirrorStatus(sessionID, status string) {
	if e.mirror != nil {
		e.mirror.SetJournalStatus(sessionID, status)
	}
}

func (e *Engine) mirrorDelete(sessionID string) {
	if e.mirror != nil {
		e.mirror.DeleteJournal(sessionID)
	}
}
