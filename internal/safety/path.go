package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanFileName validates a single path element taken from an untrusted
// source, such as an object name returned by a remote listing. Directory
// separators, parent references and NUL bytes are rejected.
func CleanFileName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("file name contains NUL: %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("file name must not contain a directory: %q", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("file name resolves to a directory: %q", name)
	}
	return name, nil
}

// JoinUnder places a validated file name directly under dir and returns
// the absolute result.
func JoinUnder(dir, name string) (string, error) {
	clean, err := CleanFileName(name)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(dir, filepath.Join(dir, clean))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
