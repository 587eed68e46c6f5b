package utils

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TruncateString shortens s to at most max bytes, ending with "..." when cut,
// never splitting a UTF-8 sequence.
func TruncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return strings.Repeat(".", max)
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// RunDir is the working directory for one VOD under tempDir.
func RunDir(tempDir, vodID string) string {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return filepath.Join(tempDir, RunDirPrefix+vodID)
}

// CleanRunDirs removes leftover run directories under tempDir and returns
// the removed paths.
func CleanRunDirs(tempDir string) ([]string, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, NewError(KindFilesystem, "clean", err)
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), RunDirPrefix) {
			continue
		}
		path := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, NewError(KindFilesystem, "clean", err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
