//go:build !darwin && !linux

package storage

import "errors"

var errDetectionUnsupported = errors.New("filesystem detection unsupported")

func detectFilesystemType(string) (string, error) {
	return "", errDetectionUnsupported
}
