package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rewindd/internal/manifest"
)

// scratchState is the crash-safety image of the active session. It is
// rewritten on every flush and removed at finalize; a copy found on startup
// means the previous process died mid-session.
type scratchState struct {
	SessionID string                     `json:"sessionId"`
	StartedAt int64                      `json:"startedAt"` // epoch ms
	Triggers  []manifest.Trigger         `json:"triggers"`
	Changes   []manifest.ChangeRecord    `json:"changes"`
	PreImages map[string]scratchPreImage `json:"preImages"`
}

type scratchPreImage struct {
	Digest string       `json:"digest,omitempty"`
	Size   int64        `json:"size,omitempty"`
	Mtime  int64        `json:"mtime,omitempty"`
	Mode   uint32       `json:"mode,omitempty"`
	EOL    manifest.EOL `json:"eol,omitempty"`
	Exists bool         `json:"exists"`
}

// flushScratchLocked writes the active buffer to the scratch file with
// write-then-rename.
func (m *Manager) flushScratchLocked() {
	if m.scratchPath == "" || m.active == nil {
		return
	}
	s := m.active

	state := scratchState{
		SessionID: s.id,
		StartedAt: s.startedAt.UnixMilli(),
		Triggers:  sortedTriggers(s.triggers),
		Changes:   s.changes,
		PreImages: make(map[string]scratchPreImage, len(s.preImages)),
	}
	for rel, pre := range s.preImages {
		state.PreImages[rel] = scratchPreImage{
			Digest: pre.digest,
			Size:   pre.size,
			Mtime:  pre.mtime,
			Mode:   pre.mode,
			EOL:    pre.eol,
			Exists: pre.exists,
		}
	}

	if err := writeScratch(m.scratchPath, &state); err != nil {
		m.log.Warn("scratch flush failed", "error", err)
	}
}

func writeScratch(path string, state *scratchState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal scratch: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scratch-*")
	if err != nil {
		return fmt.Errorf("create temp scratch: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write scratch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close scratch: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish scratch: %w", err)
	}
	return nil
}

// removeScratch deletes the scratch file, if any.
func (m *Manager) removeScratch() {
	if m.scratchPath != "" {
		os.Remove(m.scratchPath)
	}
}

// restoreScratch reloads a crash-orphaned buffer as the active session so
// the usual boundary detection finalizes it.
func (m *Manager) restoreScratch() error {
	if m.scratchPath == "" {
		return nil
	}

	data, err := os.ReadFile(m.scratchPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scratch: %w", err)
	}

	var state scratchState
	if err := json.Unmarshal(data, &state); err != nil {
		os.Remove(m.scratchPath)
		return fmt.Errorf("parse scratch: %w", err)
	}
	if state.SessionID == "" || len(state.Changes) == 0 {
		os.Remove(m.scratchPath)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &activeSession{
		id:        state.SessionID,
		startedAt: time.UnixMilli(state.StartedAt),
		triggers:  make(map[manifest.Trigger]struct{}),
		changes:   state.Changes,
		preImages: make(map[string]preImage, len(state.PreImages)),
	}
	for _, t := range state.Triggers {
		s.triggers[t] = struct{}{}
	}
	for rel, pre := range state.PreImages {
		s.preImages[rel] = preImage{
			digest: pre.Digest,
			size:   pre.Size,
			mtime:  pre.Mtime,
			mode:   pre.Mode,
			eol:    pre.EOL,
			exists: pre.Exists,
		}
	}

	m.active = s
	m.armTimersLocked()
	m.log.Info("buffered session restored after restart",
		"session", s.id, "changes", len(s.changes))
	return nil
}
