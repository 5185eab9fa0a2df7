package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes the filesystem backing a path.
type Filesystem struct {
	// Path is the nearest existing ancestor that was inspected.
	Path    string
	Type    string
	Network bool
}

var networkTypes = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"nfs4":   {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
	"fuse":   {},
}

// Inspect reports the filesystem of path, or of its nearest existing parent
// when path does not exist yet.
func Inspect(path string) (Filesystem, error) {
	return inspectWith(path, statFilesystemType)
}

// RequireLocalFilesystem fails when path lives on a network filesystem. SQLite
// and the workspace root lock rely on flock semantics those do not honour.
// purpose names the config key in the error message.
func RequireLocalFilesystem(path, purpose string) (Filesystem, error) {
	return requireLocal(path, purpose, statFilesystemType)
}

func requireLocal(path, purpose string, stat func(string) (string, error)) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, fmt.Errorf("%s is empty", purpose)
	}
	fs, err := inspectWith(path, stat)
	if err != nil {
		return Filesystem{}, fmt.Errorf("%s: %w", purpose, err)
	}
	if fs.Network {
		return fs, fmt.Errorf("%s %q is on network filesystem %q; file locking requires a local filesystem", purpose, path, fs.Type)
	}
	return fs, nil
}

func inspectWith(path string, stat func(string) (string, error)) (Filesystem, error) {
	existing, err := nearestExisting(path)
	if err != nil {
		return Filesystem{}, err
	}
	fsType, err := stat(existing)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	_, network := networkTypes[fsType]
	return Filesystem{Path: existing, Type: fsType, Network: network}, nil
}

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for candidate := abs; ; candidate = filepath.Dir(candidate) {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		if filepath.Dir(candidate) == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}
