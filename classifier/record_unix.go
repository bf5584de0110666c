//go:build !windows
// +build !windows

package classifier

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isNameTooLong(err error) bool {
	return errors.Is(err, unix.ENAMETOOLONG)
}
