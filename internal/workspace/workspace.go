package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotDirectory = errors.New("workspace path is not a directory")

// Resolve returns the real, symlink-free directory the backend should run in.
// An empty basePath falls back to the user's home directory.
func Resolve(basePath string) (string, error) {
	if strings.TrimSpace(basePath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		basePath = home
	}
	resolved := filepath.Clean(basePath)
	dir, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %s: %w", resolved, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("stat workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}
	return dir, nil
}
