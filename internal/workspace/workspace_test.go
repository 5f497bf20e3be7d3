package workspace

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	r, err := NewRoot(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	return r
}

func TestRelAndAbs(t *testing.T) {
	r := newTestRoot(t)

	abs := filepath.Join(r.Dir(), "src", "main.go")
	rel, err := r.Rel(abs)
	if err != nil {
		t.Fatalf("Rel failed: %v", err)
	}
	if rel != "src/main.go" {
		t.Errorf("expected src/main.go, got %s", rel)
	}

	back, err := r.Abs(rel)
	if err != nil {
		t.Fatalf("Abs failed: %v", err)
	}
	if back != abs {
		t.Errorf("round trip mismatch: %s != %s", back, abs)
	}
}

func TestRelRejectsOutsideRoot(t *testing.T) {
	r := newTestRoot(t)

	outside := []string{
		filepath.Dir(r.Dir()),
		filepath.Join(filepath.Dir(r.Dir()), "sibling", "file.txt"),
		r.Dir(), // the root itself is not a trackable file
	}
	for _, p := range outside {
		if _, err := r.Rel(p); err == nil {
			t.Errorf("Rel(%q) should have failed", p)
		}
	}
}

func TestCheckRel(t *testing.T) {
	valid := []string{"a.txt", "src/main.go", "deep/ly/nested/file"}
	for _, p := range valid {
		if err := CheckRel(p); err != nil {
			t.Errorf("CheckRel(%q) failed: %v", p, err)
		}
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"../escape",
		"src/../../escape",
		"has\x00nul",
		"back\\slash",
		"double//slash",
	}
	for _, p := range invalid {
		if err := CheckRel(p); err == nil {
			t.Errorf("CheckRel(%q) should have failed", p)
		}
	}
}

func TestIgnored(t *testing.T) {
	r := newTestRoot(t)

	ignored := []string{
		".git/config",
		"node_modules/pkg/index.js",
		"vendor/golang.org/x/sys/unix.go",
		"src/editor.swp",
		"scratch.tmp",
	}
	for _, p := range ignored {
		if !r.Ignored(p) {
			t.Errorf("expected %q to be ignored", p)
		}
	}

	tracked := []string{"src/main.go", "README.md", "docs/build.md"}
	for _, p := range tracked {
		if r.Ignored(p) {
			t.Errorf("did not expect %q to be ignored", p)
		}
	}
}

func TestCustomIgnorePatterns(t *testing.T) {
	r, err := NewRoot(t.TempDir(), []string{"*.log"})
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	if !r.Ignored("debug.log") {
		t.Error("expected *.log pattern to match")
	}
	if r.Ignored("node_modules/x.js") {
		t.Error("custom patterns should replace defaults")
	}
}

func TestKeyIsOpaqueAndStable(t *testing.T) {
	dir := t.TempDir()
	a, err := NewRoot(dir, nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	b, err := NewRoot(dir, nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}

	if a.Key() != b.Key() {
		t.Errorf("key not stable: %s != %s", a.Key(), b.Key())
	}
	if strings.Contains(a.Key(), "/") || strings.Contains(a.Key(), filepath.Base(dir)) {
		t.Errorf("key leaks path material: %s", a.Key())
	}

	other := newTestRoot(t)
	if a.Key() == other.Key() {
		t.Error("distinct workspaces share a key")
	}
}
