package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths is the on-disk layout under the data directory.
type Paths struct {
	Root    string
	Store   string
	Logs    string
	Session string
}

// PathsFor resolves the layout for dataDir without touching the filesystem.
func PathsFor(dataDir string) Paths {
	root := filepath.Clean(strings.TrimSpace(dataDir))
	return Paths{
		Root:    root,
		Store:   filepath.Join(root, "store"),
		Logs:    filepath.Join(root, "logs"),
		Session: filepath.Join(root, "session.yaml"),
	}
}

// EnsureDirs creates the data directory layout and checks every directory
// is a real, writable directory.
func EnsureDirs(dataDir string) (Paths, error) {
	p := PathsFor(dataDir)
	if strings.TrimSpace(dataDir) == "" {
		return p, fmt.Errorf("data directory is empty")
	}
	for _, dir := range []string{p.Store, p.Logs} {
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return p, fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return p, fmt.Errorf("path exists and is not a directory: %s", dir)
			}
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return p, fmt.Errorf("cannot create path %s: %w", dir, err)
		}
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return p, fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return p, nil
}
