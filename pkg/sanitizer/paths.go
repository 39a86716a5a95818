package sanitizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveWithin resolves path relative to workingDirectory and verifies the
// resolved absolute form is a descendant of the resolved working directory.
func ResolveWithin(workingDirectory, path string) (string, error) {
	if strings.TrimSpace(workingDirectory) == "" {
		return "", fmt.Errorf("working directory required")
	}

	wd, err := filepath.Abs(workingDirectory)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	resolvedWD, err := resolveExisting(wd)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(wd, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(resolvedWD, resolved)
	if err != nil {
		return "", fmt.Errorf("path outside working directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside working directory")
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks over the longest existing prefix of
// path and rejoins the non-existent remainder. This lets write/exists
// checks run against paths that are not on disk yet while still resolving
// any links in their parent chain.
func resolveExisting(path string) (string, error) {
	var remainder []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, remainder...)
			return filepath.Join(parts...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = append([]string{filepath.Base(current)}, remainder...)
		current = parent
	}
}
