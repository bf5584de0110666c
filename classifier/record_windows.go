//go:build windows
// +build windows

package classifier

import (
	"errors"

	"golang.org/x/sys/windows"
)

func isNameTooLong(err error) bool {
	return errors.Is(err, windows.ERROR_FILENAME_EXCED_RANGE)
}
