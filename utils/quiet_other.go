//go:build !linux && !windows
// +build !linux,!windows

package utils

func openQuiet(path string) (*QuietFile, error) {
	return openRestoring(path)
}
