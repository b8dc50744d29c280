package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnsureWritableDir makes sure path is a directory the process can create
// files in, creating it and its parents when missing.
func EnsureWritableDir(path string) error {
	if path == "" {
		return errors.New("directory path cannot be empty")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("path exists but is not a directory: %s", clean)
	case os.IsNotExist(err):
		if err := os.MkdirAll(clean, 0o755); err != nil {
			return fmt.Errorf("cannot create directory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("cannot access path: %w", err)
	}

	probe, err := os.CreateTemp(clean, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("no write permission for %s: %w", clean, err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
