// Package workspace handles the two path representations used by rewindd: an
// absolute path used only at the filesystem boundary, and a POSIX-normalized
// relative path used everywhere else (catalog, manifests, journals).
// Conversions happen only at the edges.
package workspace

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrOutsideRoot is returned for paths not under the workspace root.
	ErrOutsideRoot = errors.New("workspace: path outside workspace root")

	// ErrUnsafePath is returned for paths containing "..", NUL bytes, or an
	// absolute prefix where a relative path is required.
	ErrUnsafePath = errors.New("workspace: unsafe path")
)

// DefaultIgnorePatterns are glob patterns never tracked. Matched against each
// path segment and against the full relative path.
var DefaultIgnorePatterns = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"vendor",
	"target",
	"build",
	"dist",
	"*.tmp",
	"*.swp",
	"*~",
	".sb_journal",
}

// Root represents a workspace directory. All relative paths handed out by a
// Root use forward slashes and contain no "." or ".." segments.
type Root struct {
	dir    string
	key    string
	ignore []string
}

// NewRoot opens a workspace rooted at dir. The directory is made absolute and
// cleaned; ignorePatterns replace the defaults when non-nil.
func NewRoot(dir string, ignorePatterns []string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	abs = filepath.Clean(abs)

	patterns := ignorePatterns
	if patterns == nil {
		patterns = DefaultIgnorePatterns
	}

	return &Root{
		dir:    abs,
		key:    deriveKey(abs),
		ignore: patterns,
	}, nil
}

// deriveKey produces the opaque workspace key. The key identifies the
// workspace in the catalog without storing its path.
func deriveKey(absRoot string) string {
	norm := filepath.ToSlash(absRoot)
	if caseInsensitiveFS() {
		norm = strings.ToLower(norm)
	}
	sum := blake2b.Sum256([]byte(norm))
	return fmt.Sprintf("ws-%x", sum[:16])
}

// Dir returns the absolute workspace root directory.
func (r *Root) Dir() string { return r.dir }

// Key returns the opaque workspace identifier.
func (r *Root) Key() string { return r.key }

// Rel converts an absolute filesystem path into the stored relative form.
func (r *Root) Rel(absPath string) (string, error) {
	if strings.ContainsRune(absPath, 0) {
		return "", fmt.Errorf("%w: embedded NUL in %q", ErrUnsafePath, absPath)
	}

	abs, err := filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, absPath)
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, absPath)
	}

	return rel, nil
}

// Abs converts a stored relative path back to an absolute filesystem path.
// The relative path must already satisfy CheckRel.
func (r *Root) Abs(relPath string) (string, error) {
	if err := CheckRel(relPath); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, filepath.FromSlash(relPath)), nil
}

// CheckRel validates a stored relative path: forward slashes, no absolute
// prefix, no ".." segment, no NUL bytes.
func CheckRel(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.ContainsRune(relPath, 0) {
		return fmt.Errorf("%w: embedded NUL", ErrUnsafePath)
	}
	if strings.HasPrefix(relPath, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, relPath)
	}
	if strings.Contains(relPath, "\\") {
		return fmt.Errorf("%w: backslash separator in %q", ErrUnsafePath, relPath)
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: parent segment in %q", ErrUnsafePath, relPath)
		}
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrUnsafePath, relPath)
		}
	}
	return nil
}

// Ignored reports whether the relative path matches an ignore pattern. A
// pattern matches if it matches the full relative path, the basename, or any
// single path segment.
func (r *Root) Ignored(relPath string) bool {
	segs := strings.Split(relPath, "/")
	for _, pat := range r.ignore {
		if ok, _ := path.Match(pat, relPath); ok {
			return true
		}
		for _, seg := range segs {
			if ok, _ := path.Match(pat, seg); ok {
				return true
			}
		}
	}
	return false
}

// EqualPaths compares two stored relative paths, folding case on
// case-insensitive platforms.
func EqualPaths(a, b string) bool {
	if caseInsensitiveFS() {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// caseInsensitiveFS reports whether the platform's filesystem compares paths
// case-insensitively by default.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "darwin" || runtime.GOOS == "windows"
}
