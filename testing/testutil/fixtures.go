// Package testutil provides shared utilities for testing.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTemp writes content to name under dir and returns the path.
func WriteTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
