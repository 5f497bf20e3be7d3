package rollback

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweeper makes the workspace consistent with respect to pending journals.
// It runs once on startup.
type Sweeper struct {
	journalDir string
	retention  time.Duration
	mirror     JournalMirror
	log        *slog.Logger
}

// SweepReport summarizes one recovery sweep.
type SweepReport struct {
	BackupsRestored int
	JournalsCleared int
	CommittedPruned int
	OrphansRemoved  int
}

// NewSweeper creates a recovery sweeper. mirror may be nil.
func NewSweeper(journalDir string, retention time.Duration, mirror JournalMirror, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		journalDir: journalDir,
		retention:  retention,
		mirror:     mirror,
		log:        log.With("component", "sweeper"),
	}
}

// Sweep processes every pending journal, prunes old committed journals, and
// returns a report. Partial success stays partial: individual failures are
// logged, not retried.
func (s *Sweeper) Sweep(now time.Time) SweepReport {
	var report SweepReport

	pending, err := filepath.Glob(filepath.Join(s.journalDir, pendingDir, "*.json"))
	if err == nil {
		for _, path := range pending {
			s.recoverOne(path, &report)
		}
	}

	committed, err := filepath.Glob(filepath.Join(s.journalDir, committedDir, "*.json"))
	if err == nil {
		cutoff := now.Add(-s.retention)
		for _, path := range committed {
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			sessionID := strings.TrimSuffix(filepath.Base(path), ".json")
			if err := os.Remove(path); err != nil {
				s.log.Warn("failed to prune committed journal", "path", path, "error", err)
				continue
			}
			if s.mirror != nil {
				s.mirror.DeleteJournal(sessionID)
			}
			report.CommittedPruned++
		}
	}

	return report
}

// recoverOne brings one pending journal to rest: either no backup it
// references exists (the rollback never started, or already finished its
// unlink loop) and the journal is deleted, or every surviving backup is
// renamed back into place first.
func (s *Sweeper) recoverOne(path string, report *SweepReport) {
	journal, err := readJournal(path)
	if err != nil {
		s.log.Warn("unreadable pending journal", "path", path, "error", err)
		return
	}

	anyBackup := false
	for _, b := range journal.Backups {
		if _, err := os.Lstat(b.Backup); err == nil {
			anyBackup = true
			break
		}
	}

	if anyBackup {
		for _, b := range journal.Backups {
			if _, err := os.Lstat(b.Backup); err != nil {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(b.Original), 0o755); err != nil {
				s.log.Warn("cannot recreate directory for restore", "path", b.Original, "error", err)
				continue
			}
			if err := renameFile(b.Backup, b.Original); err != nil {
				s.log.Warn("failed to restore backup", "backup", b.Backup, "error", err)
				continue
			}
			report.BackupsRestored++
		}
	}

	if err := os.Remove(path); err != nil {
		s.log.Warn("failed to remove pending journal", "path", path, "error", err)
		return
	}
	if s.mirror != nil {
		s.mirror.DeleteJournal(journal.SessionID)
	}
	report.JournalsCleared++
	s.log.Info("pending journal recovered",
		"session", journal.SessionID,
		"restored", report.BackupsRestored,
		"hadBackups", anyBackup)
}

// SweepOrphans walks the workspace once and removes *.bak-<sessionId> files
// whose session has no journal and is not in keep. Called after Sweep when
// orphan cleanup is enabled.
func (s *Sweeper) SweepOrphans(workspaceRoot string, keep map[string]bool) int {
	known := make(map[string]bool)
	for k := range keep {
		known[k] = true
	}
	for _, sub := range []string{pendingDir, committedDir} {
		matches, err := filepath.Glob(filepath.Join(s.journalDir, sub, "*.json"))
		if err != nil {
			continue
		}
		for _, m := range matches {
			known[strings.TrimSuffix(filepath.Base(m), ".json")] = true
		}
	}

	removed := 0
	filepath.WalkDir(workspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		idx := strings.LastIndex(d.Name(), ".bak-")
		if idx < 0 {
			return nil
		}
		sessionID := d.Name()[idx+len(".bak-"):]
		if sessionID == "" || known[sessionID] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("failed to remove orphan backup", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})

	if removed > 0 {
		s.log.Info("orphan backups removed", "count", removed)
	}
	return removed
}
