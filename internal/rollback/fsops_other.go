//go:build !unix

package rollback

import (
	"errors"
	"os"
	"syscall"
)

// isCrossDevice reports whether err is the cross-device rename error. On
// Windows MoveFile across volumes fails with ERROR_NOT_SAME_DEVICE.
func isCrossDevice(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == 17 // ERROR_NOT_SAME_DEVICE
	}
	return false
}

// applyMode is a best-effort no-op beyond the writable bit off unix.
func applyMode(path string, mode uint32) {
	os.Chmod(path, os.FileMode(mode&0o7777))
}
