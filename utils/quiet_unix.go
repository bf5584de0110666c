//go:build !windows
// +build !windows

package utils

import (
	"github.com/djherbis/times"
	"golang.org/x/sys/unix"
)

// preserveAccessTime writes the old access time back with UTIME_OMIT for the
// modification time, so a concurrent write is never rolled back.
func preserveAccessTime(path string) func() {
	ts, err := times.Stat(path)
	if err != nil {
		return func() {}
	}
	atime := unix.NsecToTimespec(ts.AccessTime().UnixNano())
	return func() {
		_ = unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{
			atime,
			{Nsec: unix.UTIME_OMIT},
		}, 0)
	}
}
