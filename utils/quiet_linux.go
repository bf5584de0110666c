//go:build linux
// +build linux

package utils

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openQuiet uses O_NOATIME, which the kernel only grants to the file owner
// or CAP_FOWNER. Anyone else falls back to restoring the access time.
func openQuiet(path string) (*QuietFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOATIME|unix.O_CLOEXEC, 0)
	if err == nil {
		return &QuietFile{File: os.NewFile(uintptr(fd), path)}, nil
	}
	if errors.Is(err, unix.EPERM) {
		return openRestoring(path)
	}
	return nil, &os.PathError{Op: "open", Path: path, Err: err}
}
