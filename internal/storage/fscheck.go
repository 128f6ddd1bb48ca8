package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ErrNetworkFilesystem marks a path that lives on a network mount, where
// SQLite locking and flock(2) are unreliable.
var ErrNetworkFilesystem = errors.New("network filesystem")

// FilesystemInfo describes the mount that backs a path.
type FilesystemInfo struct {
	// Inspected is the nearest existing ancestor that was actually examined.
	Inspected string
	Type      string
	Network   bool
}

// InspectFilesystem reports the filesystem that path lives on, or would live
// on once created.
func InspectFilesystem(path string) (FilesystemInfo, error) {
	return inspectFilesystem(path, detectFilesystemType)
}

// CheckLocalFilesystem returns ErrNetworkFilesystem when path is on a network mount.
// Detection failures are returned unwrapped so callers can treat them as advisory.
func CheckLocalFilesystem(path string) error {
	info, err := InspectFilesystem(path)
	if err != nil {
		return err
	}
	if info.Network {
		return fmt.Errorf(
			"%w: %q is on %q; state must live on a local disk for reliable locking. Set state.path accordingly",
			ErrNetworkFilesystem, path, info.Type)
	}
	return nil
}

func inspectFilesystem(path string, detector func(string) (string, error)) (FilesystemInfo, error) {
	if path == "" {
		return FilesystemInfo{}, fmt.Errorf("path is empty")
	}

	inspected, err := nearestExistingPath(path)
	if err != nil {
		return FilesystemInfo{}, fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detector(inspected)
	if err != nil {
		return FilesystemInfo{Inspected: inspected}, fmt.Errorf("detect filesystem for %q: %w", inspected, err)
	}

	return FilesystemInfo{
		Inspected: inspected,
		Type:      fsType,
		Network:   isNetworkFilesystem(fsType),
	}, nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
