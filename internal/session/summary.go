package session

import (
	"fmt"
	"path"
	"strings"
	"time"

	"rewindd/internal/config"
	"rewindd/internal/manifest"
)

// burstRate is the change arrival rate (per minute) at or above which a
// session gets the burst tag.
const burstRate = 10

// Summarize assigns the deterministic display name and tags to a finalized
// manifest. addedLines is the total added-line count across changes.
func Summarize(m *manifest.SessionManifest, cfg *config.SessionsConfig, addedLines int) {
	m.Name = sessionName(m.Changes)
	m.Tags = sessionTags(m, cfg, addedLines)
}

// sessionName derives a short label from the first unique file stems, of the
// form "Updated a, b, c", or "Updated N files" when no stems emerge.
func sessionName(changes []manifest.ChangeRecord) string {
	distinct := make(map[string]struct{})
	seen := make(map[string]struct{})
	var stems []string

	for _, c := range changes {
		distinct[c.Path] = struct{}{}

		stem := fileStem(c.Path)
		if stem == "" {
			continue
		}
		if _, dup := seen[stem]; dup {
			continue
		}
		seen[stem] = struct{}{}
		if len(stems) < 3 {
			stems = append(stems, stem)
		}
	}

	if len(stems) == 0 {
		return fmt.Sprintf("Updated %d files", len(distinct))
	}
	return "Updated " + strings.Join(stems, ", ")
}

// fileStem extracts the base name without extension. A dotfile whose whole
// name is its extension (".env") has no stem and yields "".
func fileStem(p string) string {
	base := path.Base(p)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// sessionTags computes the ordered tag set from manifest fields and the
// supplied edit metrics.
func sessionTags(m *manifest.SessionManifest, cfg *config.SessionsConfig, addedLines int) []string {
	var tags []string
	duration := time.Duration(m.EndedAt-m.StartedAt) * time.Millisecond

	distinct := make(map[string]struct{})
	for _, c := range m.Changes {
		distinct[c.Path] = struct{}{}
	}

	if len(distinct) > cfg.MultiFileCount {
		tags = append(tags, "multi-file")
	}
	if duration > time.Duration(cfg.LongSessionMs)*time.Millisecond {
		tags = append(tags, "long-session")
	} else if duration < time.Duration(cfg.ShortSessionMs)*time.Millisecond {
		tags = append(tags, "short-session")
	}
	if addedLines > cfg.LargeEditLines {
		tags = append(tags, "large-edits")
	}
	if duration > 0 {
		perMinute := float64(len(m.Changes)) / duration.Minutes()
		if perMinute >= burstRate {
			tags = append(tags, "burst")
		}
	}

	// Trigger-derived tags keep a fixed order.
	triggerTags := []struct {
		trigger manifest.Trigger
		tag     string
	}{
		{manifest.TriggerManual, "manual"},
		{manifest.TriggerIdle, "idle-break"},
		{manifest.TriggerBlur, "blur"},
		{manifest.TriggerPreCommit, "commit"},
		{manifest.TriggerTask, "task"},
		{manifest.TriggerMaxDuration, "max-duration"},
	}
	for _, tt := range triggerTags {
		if m.HasTrigger(tt.trigger) {
			tags = append(tags, tt.tag)
		}
	}

	return tags
}
