package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedType(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestInspectFilesystem_Local(t *testing.T) {
	t.Parallel()

	info, err := inspectFilesystem(filepath.Join(t.TempDir(), "state.db"), fixedType("apfs"))
	require.NoError(t, err)
	assert.Equal(t, "apfs", info.Type)
	assert.False(t, info.Network)
}

func TestInspectFilesystem_Network(t *testing.T) {
	t.Parallel()

	info, err := inspectFilesystem(filepath.Join(t.TempDir(), "state.db"), fixedType("smbfs"))
	require.NoError(t, err)
	assert.True(t, info.Network)
}

func TestInspectFilesystem_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	info, err := inspectFilesystem(filepath.Join(root, "nested", "dir", "state.db"), func(path string) (string, error) {
		inspected = path
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
	assert.Equal(t, root, info.Inspected)
}

func TestInspectFilesystem_DetectorError(t *testing.T) {
	t.Parallel()

	_, err := inspectFilesystem(t.TempDir(), func(string) (string, error) {
		return "", errors.New("boom")
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNetworkFilesystem)

	_, err = inspectFilesystem("", fixedType("ext4"))
	assert.Error(t, err)
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs   string
		want bool
	}{
		{fs: "nfs", want: true},
		{fs: "SMBFS", want: true},
		{fs: " 9p ", want: true},
		{fs: "apfs", want: false},
		{fs: "0x6969", want: false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, isNetworkFilesystem(tc.fs), tc.fs)
	}
}

func TestCheckLocalFilesystem_TempDir(t *testing.T) {
	t.Parallel()

	// Test temp dirs are never on a network mount in CI.
	err := CheckLocalFilesystem(filepath.Join(t.TempDir(), "state.db"))
	assert.NotErrorIs(t, err, ErrNetworkFilesystem)
}
