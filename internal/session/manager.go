// Package session implements the session lifecycle manager: it buffers file
// change events, detects boundaries, and on finalize computes deferred
// digests and persists a manifest through the catalog.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"rewindd/internal/blob"
	"rewindd/internal/catalog"
	"rewindd/internal/clock"
	"rewindd/internal/config"
	"rewindd/internal/manifest"
	"rewindd/internal/rollback"
	"rewindd/internal/workspace"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrBadTrack is returned for invalid track calls (unsafe path, unknown
	// op).
	ErrBadTrack = errors.New("session: invalid track call")
)

// slowTrackThreshold is the track latency above which a warning is logged.
const slowTrackThreshold = 10 * time.Millisecond

// maxDurationCheckInterval caps how long the watchdog sleeps between checks.
const maxDurationCheckInterval = 5 * time.Minute

// EventMeta is optional metadata an intake adapter can attach to an event.
type EventMeta struct {
	FromPath string // absolute old path for renames
	Size     int64
	Mtime    int64 // epoch ms
	Mode     uint32
}

// FinalizeResult reports the outcome of a finalize call.
type FinalizeResult struct {
	SessionID   string
	ChangeCount int

	// Discarded is true when the session had nothing worth persisting.
	Discarded bool

	// Deduplicated is true when an identical recent session already exists;
	// SessionID then names the existing one.
	Deduplicated bool
}

// Options wires a Manager.
type Options struct {
	Config    *config.Config
	Workspace *workspace.Root
	Blobs     *blob.Store
	Catalog   catalog.Catalog
	Clock     clock.Clock
	Logger    *slog.Logger

	// ScratchPath is where the active buffer is flushed for crash safety.
	// Empty disables flushing.
	ScratchPath string
}

// preImage is the pre-session state of a path, captured at first track.
type preImage struct {
	digest string
	size   int64
	mtime  int64
	mode   uint32
	eol    manifest.EOL
	exists bool
}

// activeSession is the in-memory buffer between boundaries. It is
// single-owner: external callers never see it directly.
type activeSession struct {
	id        string
	startedAt time.Time
	triggers  map[manifest.Trigger]struct{}
	changes   []manifest.ChangeRecord
	preImages map[string]preImage
}

// Manager owns the active session and its boundary timers.
type Manager struct {
	mu sync.Mutex

	cfg   *config.Config
	ws    *workspace.Root
	blobs *blob.Store
	cat   catalog.Catalog
	clk   clock.Clock
	log   *slog.Logger

	active *activeSession

	idleTimer  clock.Timer
	maxTimer   clock.Timer
	flushTimer clock.Timer

	dedup       *dedupCache
	scratchPath string
}

// NewManager creates a session manager and restores any scratch buffer left
// by a previous crash.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Workspace == nil || opts.Blobs == nil || opts.Catalog == nil {
		return nil, errors.New("session: incomplete manager options")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dedup, err := newDedupCache(opts.Config.Sessions.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	m := &Manager{
		cfg:         opts.Config,
		ws:          opts.Workspace,
		blobs:       opts.Blobs,
		cat:         opts.Catalog,
		clk:         opts.Clock,
		log:         opts.Logger.With("component", "session"),
		dedup:       dedup,
		scratchPath: opts.ScratchPath,
	}

	if err := m.restoreScratch(); err != nil {
		m.log.Warn("could not restore buffered session", "error", err)
	}

	return m, nil
}

// Start begins a new session explicitly. An active session is finalized
// first with the manual trigger.
func (m *Manager) Start() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if _, err := m.finalizeLocked(manifest.TriggerManual); err != nil {
			return "", err
		}
	}
	m.beginLocked()
	return m.active.id, nil
}

// beginLocked initializes an empty active session and arms its timers.
func (m *Manager) beginLocked() {
	m.active = &activeSession{
		id:        uuid.NewString(),
		startedAt: m.clk.Now(),
		triggers:  make(map[manifest.Trigger]struct{}),
		preImages: make(map[string]preImage),
	}
	m.armTimersLocked()
	m.log.Debug("session started", "session", m.active.id)
}

func (m *Manager) armTimersLocked() {
	idle := m.cfg.IdleTimeout()
	if m.idleTimer == nil {
		m.idleTimer = m.clk.AfterFunc(idle, m.onIdle)
	} else {
		m.idleTimer.Reset(idle)
	}

	check := m.maxDurationCheck()
	if m.maxTimer == nil {
		m.maxTimer = m.clk.AfterFunc(check, m.onMaxDurationCheck)
	} else {
		m.maxTimer.Reset(check)
	}

	if m.scratchPath != "" {
		flush := time.Duration(m.cfg.Sessions.FlushIntervalMs) * time.Millisecond
		if m.flushTimer == nil {
			m.flushTimer = m.clk.AfterFunc(flush, m.onFlushTick)
		} else {
			m.flushTimer.Reset(flush)
		}
	}
}

func (m *Manager) stopTimersLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	if m.maxTimer != nil {
		m.maxTimer.Stop()
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
}

// maxDurationCheck returns how long until the next watchdog check: the
// remaining budget, capped at the periodic interval.
func (m *Manager) maxDurationCheck() time.Duration {
	remaining := m.cfg.MaxSessionDuration()
	if m.active != nil {
		remaining = m.active.startedAt.Add(m.cfg.MaxSessionDuration()).Sub(m.clk.Now())
	}
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if remaining > maxDurationCheckInterval {
		remaining = maxDurationCheckInterval
	}
	return remaining
}

// Track records one file event. The common path is non-blocking: it appends
// to the buffer and resets the idle timer; all content hashing is deferred
// to finalize, except the one-time pre-session snapshot per path.
func (m *Manager) Track(absPath string, op manifest.ChangeOp, meta *EventMeta) error {
	t0 := time.Now()
	defer func() {
		if d := time.Since(t0); d > slowTrackThreshold {
			m.log.Warn("slow track call", "path", absPath, "duration", d)
		}
	}()

	if !op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrBadTrack, op)
	}

	rel, err := m.ws.Rel(absPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTrack, err)
	}
	if m.ws.Ignored(rel) {
		return nil
	}

	var relFrom string
	if op == manifest.OpRenamed {
		if meta == nil || meta.FromPath == "" {
			return fmt.Errorf("%w: renamed without fromPath", ErrBadTrack)
		}
		relFrom, err = m.ws.Rel(meta.FromPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadTrack, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		m.beginLocked()
	}
	s := m.active
	s.triggers[manifest.TriggerFileWatch] = struct{}{}

	pre, err := m.capturePreImageLocked(s, rel, op)
	if err != nil {
		m.log.Warn("pre-image capture failed", "path", rel, "error", err)
	}

	ch := manifest.ChangeRecord{
		Path:     rel,
		Op:       op,
		FromPath: relFrom,
	}
	// A created file has no before side by definition.
	if op != manifest.OpCreated {
		if pre.exists {
			ch.DigestBefore = pre.digest
			ch.SizeBefore = manifest.Int64(pre.size)
			ch.MtimeBefore = manifest.Int64(pre.mtime)
			ch.ModeBefore = manifest.Uint32(pre.mode)
			ch.EOLBefore = pre.eol
		} else if pre.digest != "" {
			// Recovered from prior session history; only the digest is known.
			ch.DigestBefore = pre.digest
		}
	}
	s.changes = append(s.changes, ch)

	if m.idleTimer != nil {
		m.idleTimer.Reset(m.cfg.IdleTimeout())
	}

	if batch := m.cfg.Sessions.FlushBatchSize; batch > 0 && len(s.changes)%batch == 0 {
		m.flushScratchLocked()
	}

	return nil
}

// capturePreImageLocked snapshots the pre-session content of a path into the
// blob store, once per path per session. For a path whose file is already
// gone (a deletion observed late), the last cataloged digest stands in.
func (m *Manager) capturePreImageLocked(s *activeSession, rel string, op manifest.ChangeOp) (preImage, error) {
	if pre, done := s.preImages[rel]; done {
		return pre, nil
	}

	pre := preImage{}
	abs, err := m.ws.Abs(rel)
	if err != nil {
		return pre, err
	}

	info, err := os.Lstat(abs)
	switch {
	case err == nil && info.Mode().IsRegular() && info.Size() <= m.cfg.Workspace.MaxFileSize:
		data, err := os.ReadFile(abs)
		if err != nil {
			break
		}
		digest, err := m.blobs.Put(data)
		if err != nil {
			s.preImages[rel] = pre
			return pre, err
		}
		pre = preImage{
			digest: digest,
			size:   int64(len(data)),
			mtime:  info.ModTime().UnixMilli(),
			mode:   uint32(info.Mode().Perm()),
			eol:    DetectEOL(data),
			exists: true,
		}

	case op != manifest.OpCreated:
		// File unreadable or already gone: fall back to history.
		if digest, derr := m.cat.LastDigest(m.ws.Key(), rel); derr == nil && digest != "" {
			pre.digest = digest
		}
	}

	s.preImages[rel] = pre
	return pre, nil
}

// Boundary triggers from collaborators. Each finalizes the active session.

func (m *Manager) OnBlur() (*FinalizeResult, error)   { return m.Finalize(manifest.TriggerBlur) }
func (m *Manager) OnCommit() (*FinalizeResult, error) { return m.Finalize(manifest.TriggerPreCommit) }

func (m *Manager) OnPreCommit() (*FinalizeResult, error) {
	return m.Finalize(manifest.TriggerPreCommit)
}

func (m *Manager) OnTaskComplete() (*FinalizeResult, error) {
	return m.Finalize(manifest.TriggerTask)
}

func (m *Manager) OnManualFinalize() (*FinalizeResult, error) {
	return m.Finalize(manifest.TriggerManual)
}

// onIdle fires when no track call has arrived for the idle window.
func (m *Manager) onIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	if len(m.active.changes) == 0 {
		// Nothing happened. Below the minimum duration this is expected
		// churn and discarded silently; an older empty session still has
		// nothing to persist, but is worth a log line.
		age := m.clk.Now().Sub(m.active.startedAt)
		if age >= time.Duration(m.cfg.Sessions.MinSessionDurationMs)*time.Millisecond {
			m.log.Info("empty session dropped at idle", "session", m.active.id, "age", age)
		}
		m.discardLocked()
		return
	}
	if _, err := m.finalizeLocked(manifest.TriggerIdle); err != nil {
		m.log.Error("idle finalize failed", "error", err)
	}
}

// onMaxDurationCheck is the watchdog for the hard session cap.
func (m *Manager) onMaxDurationCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	if m.clk.Now().Sub(m.active.startedAt) > m.cfg.MaxSessionDuration() {
		if _, err := m.finalizeLocked(manifest.TriggerMaxDuration); err != nil {
			m.log.Error("max-duration finalize failed", "error", err)
		}
		return
	}
	m.maxTimer.Reset(m.maxDurationCheck())
}

func (m *Manager) onFlushTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	m.flushScratchLocked()
	if m.flushTimer != nil {
		m.flushTimer.Reset(time.Duration(m.cfg.Sessions.FlushIntervalMs) * time.Millisecond)
	}
}

// Finalize closes the active session with the given triggers.
func (m *Manager) Finalize(reasons ...manifest.Trigger) (*FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked(reasons...)
}

// discardLocked drops the active session without persisting a manifest.
func (m *Manager) discardLocked() {
	m.log.Debug("session discarded", "session", m.active.id,
		"age", m.clk.Now().Sub(m.active.startedAt))
	m.stopTimersLocked()
	m.removeScratch()
	m.active = nil
}

// finalizeLocked computes deferred digests, consults the deduplicator, and
// persists the manifest atomically.
func (m *Manager) finalizeLocked(reasons ...manifest.Trigger) (*FinalizeResult, error) {
	if m.active == nil {
		return &FinalizeResult{Discarded: true}, nil
	}
	s := m.active
	m.stopTimersLocked()

	for _, r := range reasons {
		s.triggers[r] = struct{}{}
	}

	if len(s.changes) == 0 {
		m.discardLocked()
		return &FinalizeResult{SessionID: s.id, Discarded: true}, nil
	}

	now := m.clk.Now()
	m.completeChangesLocked(s)

	mf := &manifest.SessionManifest{
		Schema:       manifest.SchemaTag,
		SessionID:    s.id,
		WorkspaceKey: m.ws.Key(),
		StartedAt:    s.startedAt.UnixMilli(),
		EndedAt:      now.UnixMilli(),
		Triggers:     sortedTriggers(s.triggers),
		Changes:      s.changes,
		ChangeCount:  len(s.changes),
	}

	added := m.addedLines(mf)
	Summarize(mf, &m.cfg.Sessions, added)

	fp := Fingerprint(mf.Changes)
	if existing, ok := m.dedup.lookup(fp, now,
		time.Duration(m.cfg.Sessions.DedupWindowMs)*time.Millisecond); ok && len(mf.Changes) >= m.cfg.Sessions.MinFilesForDedup {
		m.log.Info("duplicate session suppressed",
			"session", s.id, "existing", existing, "changes", len(mf.Changes))
		m.removeScratch()
		m.active = nil
		return &FinalizeResult{SessionID: existing, ChangeCount: len(mf.Changes), Deduplicated: true}, nil
	}

	if err := m.cat.SaveManifest(mf); err != nil {
		return nil, fmt.Errorf("persist manifest: %w", err)
	}
	for _, digest := range mf.Digests() {
		if err := m.blobs.IncRef(digest, 1); err != nil {
			m.log.Warn("refcount increment failed", "digest", digest, "error", err)
		}
	}

	m.dedup.add(fp, s.id, now)
	m.removeScratch()
	m.active = nil

	m.log.Info("session finalized",
		"session", s.id,
		"name", mf.Name,
		"changes", mf.ChangeCount,
		"triggers", mf.Triggers,
		"tags", mf.Tags)

	return &FinalizeResult{SessionID: s.id, ChangeCount: mf.ChangeCount}, nil
}

// completeChangesLocked fills the after-side of every buffered change by
// reading the workspace now.
func (m *Manager) completeChangesLocked(s *activeSession) {
	for i := range s.changes {
		ch := &s.changes[i]
		if ch.Op == manifest.OpDeleted || ch.DigestAfter != "" {
			continue
		}

		abs, err := m.ws.Abs(ch.Path)
		if err != nil {
			continue
		}
		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() || info.Size() > m.cfg.Workspace.MaxFileSize {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			m.log.Warn("deferred digest read failed", "path", ch.Path, "error", err)
			continue
		}
		digest, err := m.blobs.Put(data)
		if err != nil {
			m.log.Warn("deferred digest store failed", "path", ch.Path, "error", err)
			continue
		}

		ch.DigestAfter = digest
		ch.SizeAfter = manifest.Int64(int64(len(data)))
		ch.MtimeAfter = manifest.Int64(info.ModTime().UnixMilli())
		ch.ModeAfter = manifest.Uint32(uint32(info.Mode().Perm()))
		ch.EOLAfter = DetectEOL(data)
	}
}

// addedLines totals added lines across changes whose blobs are on hand.
func (m *Manager) addedLines(mf *manifest.SessionManifest) int {
	total := 0
	for _, ch := range mf.Changes {
		var before, after []byte
		if ch.DigestBefore != "" {
			before, _ = m.blobs.Get(ch.DigestBefore)
		}
		if ch.DigestAfter != "" {
			after, _ = m.blobs.Get(ch.DigestAfter)
		}
		total += AddedLines(before, after)
	}
	return total
}

// Current returns the active session id and its buffered change count.
func (m *Manager) Current() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return "", 0
	}
	return m.active.id, len(m.active.changes)
}

// List returns recent session summaries for this workspace.
func (m *Manager) List(limit int) ([]manifest.SessionSummary, error) {
	return m.cat.ListSessions(m.ws.Key(), limit)
}

// GetManifest loads a manifest by id.
func (m *Manager) GetManifest(sessionID string) (*manifest.SessionManifest, error) {
	mf, err := m.cat.GetManifest(sessionID)
	if err != nil {
		return nil, err
	}
	if mf == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return mf, nil
}

// DeleteSession removes a manifest and releases its blob references.
func (m *Manager) DeleteSession(sessionID string) error {
	mf, err := m.cat.DeleteSession(sessionID)
	if err != nil {
		return err
	}
	if mf == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for _, digest := range mf.Digests() {
		if err := m.blobs.DecRef(digest, 1); err != nil {
			m.log.Warn("refcount decrement failed", "digest", digest, "error", err)
		}
	}
	return nil
}

// Rollback reverts a finalized session using the given engine.
func (m *Manager) Rollback(engine *rollback.Engine, sessionID string, opts rollback.Options) (*rollback.Result, error) {
	mf, err := m.GetManifest(sessionID)
	if err != nil {
		return nil, err
	}
	return engine.Rollback(mf, opts)
}

// Close finalizes any active session with the manual trigger.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	_, err := m.finalizeLocked(manifest.TriggerManual)
	return err
}

// sortedTriggers returns the trigger set in a stable order.
func sortedTriggers(set map[manifest.Trigger]struct{}) []manifest.Trigger {
	order := []manifest.Trigger{
		manifest.TriggerFileWatch,
		manifest.TriggerPreCommit,
		manifest.TriggerManual,
		manifest.TriggerIdle,
		manifest.TriggerBlur,
		manifest.TriggerTask,
		manifest.TriggerMaxDuration,
	}
	var out []manifest.Trigger
	for _, t := range order {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
