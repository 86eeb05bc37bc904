package util

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	return !slices.Contains(values, "")
}

// ValidatePath rejects empty paths and paths that climb out of their
// directory with "..".
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return nil
}
