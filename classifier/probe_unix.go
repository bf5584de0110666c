//go:build !windows
// +build !windows

package classifier

import (
	"os"

	"golang.org/x/sys/unix"
)

// checkWrite opens for writing without O_TRUNC or O_CREAT. O_NONBLOCK keeps
// a FIFO from parking the probe.
func checkWrite(path string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	return unix.Close(fd)
}

// checkModifyAttributes rewrites the modification time with its current
// value. The access time is left alone via UTIME_OMIT.
func checkModifyAttributes(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	ts := []unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(info.ModTime().UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
		return &os.PathError{Op: "utimensat", Path: path, Err: err}
	}
	return nil
}
