package manifest

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireManifest is the external serialization of a SessionManifest. Timestamps
// are ISO-8601 on the wire and epoch milliseconds internally.
type wireManifest struct {
	Schema       string         `json:"schema"`
	SessionID    string         `json:"sessionId"`
	WorkspaceKey string         `json:"workspaceKey"`
	StartedAt    string         `json:"startedAt"`
	EndedAt      string         `json:"endedAt"`
	Triggers     []Trigger      `json:"triggers"`
	Name         string         `json:"name"`
	Tags         []string       `json:"tags"`
	Changes      []ChangeRecord `json:"changes"`
	ChangeCount  int            `json:"changeCount"`
}

// EncodeWire serializes the manifest to its external JSON form.
func EncodeWire(m *SessionManifest) ([]byte, error) {
	w := wireManifest{
		Schema:       SchemaTag,
		SessionID:    m.SessionID,
		WorkspaceKey: m.WorkspaceKey,
		StartedAt:    time.UnixMilli(m.StartedAt).UTC().Format(time.RFC3339Nano),
		EndedAt:      time.UnixMilli(m.EndedAt).UTC().Format(time.RFC3339Nano),
		Triggers:     m.Triggers,
		Name:         m.Name,
		Tags:         m.Tags,
		Changes:      m.Changes,
		ChangeCount:  m.ChangeCount,
	}
	return json.MarshalIndent(w, "", "  ")
}

// DecodeWire parses and validates an external manifest document.
func DecodeWire(data []byte) (*SessionManifest, error) {
	if err := ValidateWire(data); err != nil {
		return nil, err
	}

	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, w.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse startedAt: %w", err)
	}
	endedAt, err := time.Parse(time.RFC3339Nano, w.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("parse endedAt: %w", err)
	}

	m := &SessionManifest{
		Schema:       w.Schema,
		SessionID:    w.SessionID,
		WorkspaceKey: w.WorkspaceKey,
		StartedAt:    startedAt.UnixMilli(),
		EndedAt:      endedAt.UnixMilli(),
		Triggers:     w.Triggers,
		Name:         w.Name,
		Tags:         w.Tags,
		Changes:      w.Changes,
		ChangeCount:  w.ChangeCount,
	}
	if m.ChangeCount != len(m.Changes) {
		return nil, fmt.Errorf("manifest changeCount %d does not match %d changes", m.ChangeCount, len(m.Changes))
	}
	if m.EndedAt < m.StartedAt {
		return nil, fmt.Errorf("manifest endedAt %d precedes startedAt %d", m.EndedAt, m.StartedAt)
	}
	return m, nil
}
