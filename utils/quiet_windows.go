//go:build windows
// +build windows

package utils

import (
	"os"

	"github.com/djherbis/times"
	"golang.org/x/sys/windows"
)

// openQuiet asks for FILE_WRITE_ATTRIBUTES so the handle can opt out of
// access time updates (SetFileTime with an all-ones FILETIME). Without that
// right it falls back to restoring the access time on Close.
func openQuiet(path string) (*QuietFile, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return openRestoring(path)
	}
	frozen := windows.Filetime{LowDateTime: 0xFFFFFFFF, HighDateTime: 0xFFFFFFFF}
	if err := windows.SetFileTime(h, nil, &frozen, nil); err != nil {
		_ = windows.CloseHandle(h)
		return openRestoring(path)
	}
	return &QuietFile{File: os.NewFile(uintptr(h), path)}, nil
}

func preserveAccessTime(path string) func() {
	ts, err := times.Stat(path)
	if err != nil {
		return func() {}
	}
	atime := windows.NsecToFiletime(ts.AccessTime().UnixNano())
	return func() {
		p, err := windows.UTF16PtrFromString(path)
		if err != nil {
			return
		}
		h, err := windows.CreateFile(p, windows.FILE_WRITE_ATTRIBUTES,
			windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
			nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
		if err != nil {
			return
		}
		defer windows.CloseHandle(h)
		_ = windows.SetFileTime(h, nil, &atime, nil)
	}
}
