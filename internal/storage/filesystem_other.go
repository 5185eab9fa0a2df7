//go:build !darwin && !linux

package storage

import "errors"

func statFilesystemType(string) (string, error) {
	return "", errors.New("filesystem detection is not supported on this platform")
}
