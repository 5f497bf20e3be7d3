package rollback

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"rewindd/internal/manifest"
)

// renameFile renames src to dst, falling back to copy+unlink when the paths
// live on different devices.
func renameFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// copyFile copies src to dst preserving mode and mtime, publishing by rename
// so dst is never observed half-written.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("create temp copy: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy bytes: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	if err := os.Chmod(tmpName, info.Mode()); err != nil {
		return fmt.Errorf("chmod copy: %w", err)
	}
	os.Chtimes(tmpName, time.Now(), info.ModTime())

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("publish copy: %w", err)
	}
	return nil
}

// restoreMeta applies the recorded mtime and mode from an inverse change to
// the file at path. Absent fields are left as written.
func restoreMeta(path string, c manifest.ChangeRecord) {
	if c.ModeAfter != nil {
		applyMode(path, *c.ModeAfter)
	}
	if c.MtimeAfter != nil {
		mtime := time.UnixMilli(*c.MtimeAfter)
		os.Chtimes(path, time.Now(), mtime)
	}
}
