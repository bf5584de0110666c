package utils

import "os"

// QuietFile is a read-only file whose last-access time is left as it was
// found. Close must be called to restore it on platforms that cannot
// suppress the update up front.
type QuietFile struct {
	*os.File
	restore func()
}

func (f *QuietFile) Close() error {
	err := f.File.Close()
	if f.restore != nil {
		f.restore()
	}
	return err
}

// OpenQuiet opens path for reading without moving its last-access time.
// Errors keep the os.Open shape so fs.ErrNotExist and friends still match.
func OpenQuiet(path string) (*QuietFile, error) {
	return openQuiet(path)
}

// PreserveAccessTime records the current access time of path and returns a
// func that puts it back. It is for readers that cannot go through
// OpenQuiet, such as memory maps. Failures are ignored; the result is always
// safe to call.
func PreserveAccessTime(path string) func() {
	return preserveAccessTime(path)
}

func openRestoring(path string) (*QuietFile, error) {
	restore := preserveAccessTime(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &QuietFile{File: f, restore: restore}, nil
}
