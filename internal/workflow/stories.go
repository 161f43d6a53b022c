package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindArtifact locates a pre-existing story artifact for a key under the
// stories directory. Artifacts are matched by filename prefix (a file
// named "<key>*" belongs to that key), which lets externally-seeded
// stories skip the creation phase. Returns "" when none exists.
func FindArtifact(storiesDir, key string) string {
	entries, err := os.ReadDir(storiesDir)
	if err != nil {
		return ""
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), key) {
			matches = append(matches, entry.Name())
		}
	}
	if len(matches) == 0 {
		return ""
	}

	// Deterministic pick when several files share the prefix.
	sort.Strings(matches)
	return filepath.Join(storiesDir, matches[0])
}

// ReadArtifact reads a story artifact's content.
func ReadArtifact(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
