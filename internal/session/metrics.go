package session

import (
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"rewindd/internal/manifest"
)

// DetectEOL classifies the line-ending convention of file bytes. Files with
// no line terminator at all report no convention.
func DetectEOL(data []byte) manifest.EOL {
	var crlf, lf, cr int
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			if i > 0 && data[i-1] == '\r' {
				crlf++
			} else {
				lf++
			}
		case '\r':
			if i+1 >= len(data) || data[i+1] != '\n' {
				cr++
			}
		}
	}

	kinds := 0
	for _, n := range []int{crlf, lf, cr} {
		if n > 0 {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		return ""
	case kinds > 1:
		return manifest.EOLMixed
	case crlf > 0:
		return manifest.EOLCRLF
	case cr > 0:
		return manifest.EOLCR
	default:
		return manifest.EOLLF
	}
}

// AddedLines counts lines present in after but not in before. Binary
// content (embedded NUL) is not diffed.
func AddedLines(before, after []byte) int {
	if len(after) == 0 {
		return 0
	}
	if bytes.IndexByte(before, 0) >= 0 || bytes.IndexByte(after, 0) >= 0 {
		return 0
	}

	a := splitLines(string(before))
	b := splitLines(string(after))

	if len(a) == 0 {
		return len(b)
	}

	matcher := difflib.NewMatcher(a, b)
	added := 0
	for _, op := range matcher.GetOpCodes() {
		// 'i' inserts and 'r' replacements both contribute new lines.
		if op.Tag == 'i' || op.Tag == 'r' {
			added += op.J2 - op.J1
		}
	}
	return added
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
