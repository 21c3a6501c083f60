package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for an entry called name, returning its path or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// Resolve returns p if it is absolute or exists relative to the working directory,
// otherwise it searches upward from the working directory for p's base name.
func Resolve(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	if _, err := os.Stat(p); err == nil {
		return filepath.Abs(p)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	found, err := FindUp(filepath.Base(p), wd)
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("unable to find %q from %q: %w", p, wd, os.ErrNotExist)
	}
	return found, nil
}
