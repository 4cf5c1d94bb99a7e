package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Both the SQLite store and the O_EXCL build lock depend on local file
// locking semantics that these mounts do not honor.
var networkFilesystems = map[string]struct{}{
	"afpfs":      {},
	"cifs":       {},
	"nfs":        {},
	"smbfs":      {},
	"smb2":       {},
	"webdav":     {},
	"fuse.sshfs": {},
}

// NetworkFilesystemError rejects a coordination file on a network mount.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("%s is on network filesystem %q; lock and claim exclusivity need a local filesystem", e.Path, e.FSType)
}

type fsTypeDetector func(path string) (string, error)

// CheckLocal returns a *NetworkFilesystemError when path, or the nearest
// ancestor that exists, is on a network filesystem. Platforms without
// detection always pass.
func CheckLocal(path string) error {
	return checkLocal(path, detectFilesystemType)
}

func checkLocal(path string, detect fsTypeDetector) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path is empty")
	}
	existing, err := nearestExistingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detect(existing)
	switch {
	case errors.Is(err, errDetectionUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	case isNetworkFilesystem(fsType):
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

func nearestExistingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
