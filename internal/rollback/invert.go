package rollback

import "rewindd/internal/manifest"

// Invert computes the inverse change sequence for a session, in reversed
// order, so that applying it to the post-session workspace restores the
// pre-session state. Undoing later events first guarantees that an early
// rename is undone after the events targeting the new name.
func Invert(changes []manifest.ChangeRecord) []manifest.ChangeRecord {
	out := make([]manifest.ChangeRecord, 0, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		out = append(out, invertOne(changes[i]))
	}
	return out
}

func invertOne(c manifest.ChangeRecord) manifest.ChangeRecord {
	switch c.Op {
	case manifest.OpCreated:
		// The inverse removes the file.
		return manifest.ChangeRecord{
			Path:         c.Path,
			Op:           manifest.OpDeleted,
			DigestBefore: c.DigestAfter,
			SizeBefore:   c.SizeAfter,
			MtimeBefore:  c.MtimeAfter,
			ModeBefore:   c.ModeAfter,
			EOLBefore:    c.EOLAfter,
		}

	case manifest.OpDeleted:
		// The inverse restores the pre-session content.
		return manifest.ChangeRecord{
			Path:        c.Path,
			Op:          manifest.OpCreated,
			DigestAfter: c.DigestBefore,
			SizeAfter:   c.SizeBefore,
			MtimeAfter:  c.MtimeBefore,
			ModeAfter:   c.ModeBefore,
			EOLAfter:    c.EOLBefore,
		}

	case manifest.OpRenamed:
		// Swap the path pair and the digest pair.
		return manifest.ChangeRecord{
			Path:         c.FromPath,
			Op:           manifest.OpRenamed,
			FromPath:     c.Path,
			DigestBefore: c.DigestAfter,
			DigestAfter:  c.DigestBefore,
			SizeBefore:   c.SizeAfter,
			SizeAfter:    c.SizeBefore,
			MtimeBefore:  c.MtimeAfter,
			MtimeAfter:   c.MtimeBefore,
			ModeBefore:   c.ModeAfter,
			ModeAfter:    c.ModeBefore,
			EOLBefore:    c.EOLAfter,
			EOLAfter:     c.EOLBefore,
		}

	default: // modified
		return manifest.ChangeRecord{
			Path:         c.Path,
			Op:           manifest.OpModified,
			DigestBefore: c.DigestAfter,
			DigestAfter:  c.DigestBefore,
			SizeBefore:   c.SizeAfter,
			SizeAfter:    c.SizeBefore,
			MtimeBefore:  c.MtimeAfter,
			MtimeAfter:   c.MtimeBefore,
			ModeBefore:   c.ModeAfter,
			ModeAfter:    c.ModeBefore,
			EOLBefore:    c.EOLAfter,
			EOLAfter:     c.EOLBefore,
		}
	}
}
