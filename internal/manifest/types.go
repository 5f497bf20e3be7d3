// Package manifest defines the persisted session data model for rewindd.
package manifest

// SchemaTag identifies the manifest wire format version.
const SchemaTag = "session.v1"

// ChangeOp classifies a single file event within a session.
type ChangeOp string

const (
	// OpCreated indicates the file did not exist before the session.
	OpCreated ChangeOp = "created"
	// OpModified indicates the file existed and its content changed.
	OpModified ChangeOp = "modified"
	// OpDeleted indicates the file was removed during the session.
	OpDeleted ChangeOp = "deleted"
	// OpRenamed indicates the file moved; FromPath carries the old name.
	OpRenamed ChangeOp = "renamed"
)

// Valid reports whether op is a known ChangeOp.
func (op ChangeOp) Valid() bool {
	switch op {
	case OpCreated, OpModified, OpDeleted, OpRenamed:
		return true
	}
	return false
}

// EOL classifies the line-ending convention of a file version.
type EOL string

const (
	EOLLF    EOL = "lf"
	EOLCRLF  EOL = "crlf"
	EOLCR    EOL = "cr"
	EOLMixed EOL = "mixed"
)

// Trigger names the event that caused a session boundary.
type Trigger string

const (
	TriggerFileWatch   Trigger = "filewatch"
	TriggerPreCommit   Trigger = "pre-commit"
	TriggerManual      Trigger = "manual"
	TriggerIdle        Trigger = "idle-finalize"
	TriggerBlur        Trigger = "blur"
	TriggerTask        Trigger = "task"
	TriggerMaxDuration Trigger = "max-duration"
)

// ChangeRecord describes one file event inside a session. Paths are
// POSIX-normalized and relative to the workspace root. Digest fields hold hex
// SHA-256 of the file bytes on the side that exists; the absent side is empty.
type ChangeRecord struct {
	Path     string   `json:"path"`
	Op       ChangeOp `json:"op"`
	FromPath string   `json:"fromPath,omitempty"`

	DigestBefore string `json:"digestBefore,omitempty"`
	DigestAfter  string `json:"digestAfter,omitempty"`

	SizeBefore *int64 `json:"sizeBefore,omitempty"`
	SizeAfter  *int64 `json:"sizeAfter,omitempty"`

	// Modification times in epoch milliseconds.
	MtimeBefore *int64 `json:"mtimeBefore,omitempty"`
	MtimeAfter  *int64 `json:"mtimeAfter,omitempty"`

	// POSIX mode bits.
	ModeBefore *uint32 `json:"modeBefore,omitempty"`
	ModeAfter  *uint32 `json:"modeAfter,omitempty"`

	EOLBefore EOL `json:"eolBefore,omitempty"`
	EOLAfter  EOL `json:"eolAfter,omitempty"`
}

// SessionManifest is the immutable description of a finalized session.
type SessionManifest struct {
	Schema       string         `json:"schema"`
	SessionID    string         `json:"sessionId"`
	WorkspaceKey string         `json:"workspaceKey"`
	StartedAt    int64          `json:"startedAt"` // epoch ms
	EndedAt      int64          `json:"endedAt"`   // epoch ms
	Triggers     []Trigger      `json:"triggers"`
	Name         string         `json:"name"`
	Tags         []string       `json:"tags"`
	Changes      []ChangeRecord `json:"changes"`
	ChangeCount  int            `json:"changeCount"`
}

// SessionSummary is the catalog listing row for a session.
type SessionSummary struct {
	SessionID   string
	StartedAt   int64
	EndedAt     int64
	Name        string
	Tags        []string
	Triggers    []Trigger
	ChangeCount int
}

// Digests returns the distinct blob digests referenced by the manifest, in
// first-appearance order.
func (m *SessionManifest) Digests() []string {
	seen := make(map[string]struct{}, len(m.Changes)*2)
	var out []string
	add := func(d string) {
		if d == "" {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, c := range m.Changes {
		add(c.DigestBefore)
		add(c.DigestAfter)
	}
	return out
}

// HasTrigger reports whether the manifest carries the given trigger.
func (m *SessionManifest) HasTrigger(t Trigger) bool {
	for _, have := range m.Triggers {
		if have == t {
			return true
		}
	}
	return false
}

// Int64 returns a pointer to v, for the optional numeric manifest fields.
func Int64(v int64) *int64 { return &v }

// Uint32 returns a pointer to v, for the optional mode fields.
func Uint32(v uint32) *uint32 { return &v }
