//go:build unix

package rollback

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// isCrossDevice reports whether err is the cross-device rename error.
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}

// applyMode sets POSIX mode bits on path.
func applyMode(path string, mode uint32) {
	os.Chmod(path, os.FileMode(mode&0o7777))
}
