package classifier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/djherbis/times"
)

// ErrNotRegular is returned by Resolve for directories and other entries
// that are not classified.
var ErrNotRegular = errors.New("not a regular file")

// FileRecord is a snapshot of one filesystem entry at classification time.
type FileRecord struct {
	Path       string
	Name       string
	Extension  string
	Size       int64
	Mode       fs.FileMode
	AccessTime time.Time
	ModTime    time.Time
	ChangeTime time.Time
	BirthTime  time.Time
}

// Resolve stats path and builds a fresh FileRecord. Callers must not cache
// the result across classifications since rules compare its times to now.
func Resolve(path string) (FileRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileRecord{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return FileRecord{}, fmt.Errorf("%s: %w", abs, ErrNotRegular)
	}
	return recordFromInfo(abs, info), nil
}

func recordFromInfo(path string, info os.FileInfo) FileRecord {
	ts := times.Get(info)
	rec := FileRecord{
		Path:       path,
		Name:       info.Name(),
		Extension:  filepath.Ext(info.Name()),
		Size:       info.Size(),
		Mode:       info.Mode(),
		AccessTime: ts.AccessTime(),
		ModTime:    ts.ModTime(),
	}
	if ts.HasChangeTime() {
		rec.ChangeTime = ts.ChangeTime()
	}
	if ts.HasBirthTime() {
		rec.BirthTime = ts.BirthTime()
	}
	return rec
}

// IsChurn reports whether a resolve error is the expected kind of noise on a
// live share: the entry vanished, access was denied, the path is too long
// for the platform, or the entry is not a regular file.
func IsChurn(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, ErrNotRegular) ||
		isNameTooLong(err)
}
