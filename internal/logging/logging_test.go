package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	l, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
		MaxSize:  1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Info("hello", "answer", 42)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"answer":42`) {
		t.Errorf("log output missing attribute: %s", data)
	}
	if !strings.Contains(string(data), `"component":"rewindd"`) {
		t.Errorf("log output missing component: %s", data)
	}
}

func TestWithComponent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	l, err := New(&Config{Format: FormatJSON, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.WithComponent("rollback").Warn("skipped file")

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"component":"rollback"`) {
		t.Errorf("child component missing: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	l, err := New(&Config{Level: LevelWarn, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Debug("invisible")
	l.Info("invisible too")
	l.Warn("visible")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "invisible") {
		t.Errorf("below-level records written: %s", data)
	}
	if !strings.Contains(string(data), "visible") {
		t.Errorf("warn record missing: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"":      LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(input)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
