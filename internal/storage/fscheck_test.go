package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detectAs(fsType string) fsTypeDetector {
	return func(string) (string, error) { return fsType, nil }
}

func TestCheckLocal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trainyard.db")
	require.NoError(t, checkLocal(path, detectAs("ext4")))
	require.NoError(t, checkLocal(path, detectAs("0x6969a")))

	err := checkLocal(path, detectAs("nfs"))
	var nfe *NetworkFilesystemError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "nfs", nfe.FSType)
	assert.Equal(t, path, nfe.Path)
	assert.Contains(t, err.Error(), "local filesystem")

	assert.Error(t, checkLocal("  ", detectAs("ext4")))
}

func TestCheckLocalInspectsNearestExistingAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocal(filepath.Join(root, "locks", "nested", "build.lock"), func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckLocalDetectionFailures(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.db")
	assert.NoError(t, checkLocal(path, func(string) (string, error) { return "", errDetectionUnsupported }))
	assert.Error(t, checkLocal(path, func(string) (string, error) { return "", errors.New("statfs exploded") }))
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	for fs, want := range map[string]bool{
		"nfs":        true,
		"SMBFS":      true,
		" cifs ":     true,
		"fuse.sshfs": true,
		"apfs":       false,
		"0x6969":     false,
	} {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}
