package manifest

import (
	"strings"
	"testing"
	"time"
)

func sampleManifest() *SessionManifest {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	return &SessionManifest{
		Schema:       SchemaTag,
		SessionID:    "0d9f3c1a2b4e5f60718293a4b5c6d7e8",
		WorkspaceKey: "ws-4f2a",
		StartedAt:    started,
		EndedAt:      started + 90_000,
		Triggers:     []Trigger{TriggerIdle},
		Name:         "Updated main, util",
		Tags:         []string{"idle-break"},
		Changes: []ChangeRecord{
			{
				Path:         "src/main.go",
				Op:           OpModified,
				DigestBefore: strings.Repeat("a1", 32),
				DigestAfter:  strings.Repeat("b2", 32),
				SizeAfter:    Int64(42),
			},
			{
				Path:        "src/util.go",
				Op:          OpCreated,
				DigestAfter: strings.Repeat("c3", 32),
			},
		},
		ChangeCount: 2,
	}
}

func TestWireRoundTrip(t *testing.T) {
	m := sampleManifest()

	data, err := EncodeWire(m)
	if err != nil {
		t.Fatalf("EncodeWire failed: %v", err)
	}

	got, err := DecodeWire(data)
	if err != nil {
		t.Fatalf("DecodeWire failed: %v", err)
	}

	if got.SessionID != m.SessionID {
		t.Errorf("SessionID mismatch: %s != %s", got.SessionID, m.SessionID)
	}
	if got.StartedAt != m.StartedAt || got.EndedAt != m.EndedAt {
		t.Errorf("timestamp mismatch: %d/%d != %d/%d", got.StartedAt, got.EndedAt, m.StartedAt, m.EndedAt)
	}
	if len(got.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(got.Changes))
	}
	if got.Changes[0].DigestBefore != m.Changes[0].DigestBefore {
		t.Error("DigestBefore lost in round trip")
	}
	if got.Changes[1].Op != OpCreated {
		t.Errorf("Op mismatch: %s", got.Changes[1].Op)
	}
}

func TestDecodeWireRejectsBadSchema(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*SessionManifest)
		after func(string) string
	}{
		{
			name:  "wrong schema tag",
			after: func(s string) string { return strings.Replace(s, "session.v1", "session.v9", 1) },
		},
		{
			name: "absolute path",
			mut:  func(m *SessionManifest) { m.Changes[0].Path = "/etc/passwd" },
		},
		{
			name: "bad op",
			after: func(s string) string {
				return strings.Replace(s, `"modified"`, `"truncated"`, 1)
			},
		},
		{
			name: "renamed without fromPath",
			mut: func(m *SessionManifest) {
				m.Changes[0].Op = OpRenamed
				m.Changes[0].FromPath = ""
			},
		},
		{
			name: "short digest",
			mut:  func(m *SessionManifest) { m.Changes[0].DigestAfter = "abcd" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleManifest()
			if tt.mut != nil {
				tt.mut(m)
			}
			data, err := EncodeWire(m)
			if err != nil {
				t.Fatalf("EncodeWire failed: %v", err)
			}
			if tt.after != nil {
				data = []byte(tt.after(string(data)))
			}
			if _, err := DecodeWire(data); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDecodeWireRejectsCountMismatch(t *testing.T) {
	m := sampleManifest()
	m.ChangeCount = 3
	data, err := EncodeWire(m)
	if err != nil {
		t.Fatalf("EncodeWire failed: %v", err)
	}
	if _, err := DecodeWire(data); err == nil {
		t.Error("expected changeCount mismatch error")
	}
}

func TestDigests(t *testing.T) {
	m := sampleManifest()
	// Repeat a digest to check dedup.
	m.Changes = append(m.Changes, ChangeRecord{
		Path:         "src/main.go",
		Op:           OpModified,
		DigestBefore: strings.Repeat("b2", 32),
		DigestAfter:  strings.Repeat("a1", 32),
	})

	got := m.Digests()
	want := []string{
		strings.Repeat("a1", 32),
		strings.Repeat("b2", 32),
		strings.Repeat("c3", 32),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d digests, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("digest %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHasTrigger(t *testing.T) {
	m := sampleManifest()
	if !m.HasTrigger(TriggerIdle) {
		t.Error("expected idle-finalize trigger")
	}
	if m.HasTrigger(TriggerManual) {
		t.Error("unexpected manual trigger")
	}
}
