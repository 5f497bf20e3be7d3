// Package rollback reverts a finalized session by staging its pre-session
// content and swapping files into place atomically, journaling every step so
// a crash mid-rollback is recoverable.
package rollback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"rewindd/internal/manifest"
)

// Journal status values.
const (
	StatusPending    = "pending"
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled-back"
)

// Journal directory names under the journal root.
const (
	pendingDir   = "pending"
	committedDir = "committed"
)

// BackupPair records one live file renamed aside during the swap phase.
type BackupPair struct {
	Original string `json:"original"`
	Backup   string `json:"backup"`
}

// Journal is the on-disk record of an in-flight rollback. The file under
// pending/ is the source of truth for the recovery sweeper.
type Journal struct {
	SessionID     string                  `json:"sessionId"`
	CreatedAt     int64                   `json:"createdAt"` // epoch ms
	WorkspaceRoot string                  `json:"workspaceRoot"`
	Changes       []manifest.ChangeRecord `json:"changes"` // inverse sequence
	Backups       []BackupPair            `json:"backups"`
	Status        string                  `json:"status"`
}

// pendingPath returns the pending journal file for a session.
func pendingPath(journalDir, sessionID string) string {
	return filepath.Join(journalDir, pendingDir, sessionID+".json")
}

// committedPath returns the committed journal file for a session.
func committedPath(journalDir, sessionID string) string {
	return filepath.Join(journalDir, committedDir, sessionID+".json")
}

// ensureJournalDirs creates the pending/ and committed/ areas.
func ensureJournalDirs(journalDir string) error {
	for _, dir := range []string{
		filepath.Join(journalDir, pendingDir),
		filepath.Join(journalDir, committedDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}
	return nil
}

// writeJournal persists a journal with write-then-rename so readers never
// observe a torn document.
func writeJournal(path string, j *Journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".journal-*")
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish journal: %w", err)
	}
	return nil
}

// jsonBody serializes a journal for the catalog mirror.
func jsonBody(j *Journal) ([]byte, error) {
	return json.Marshal(j)
}

// readJournal loads a journal file.
func readJournal(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	return &j, nil
}
