package workflow

import (
	"os"
	"path/filepath"
	"strings"
)

// DecisionReader supplies recorded architecture decisions that constrain
// how agents implement a work item.
type DecisionReader interface {
	// Decisions returns constraint text relevant to a work-item key.
	// An empty string means no constraints apply.
	Decisions(key string) (string, error)
}

// FileDecisions reads decisions from markdown files under a directory.
// A file named after the key's project prefix (e.g. AUTH.md for AUTH-12)
// applies to that key; decisions.md applies to every key.
type FileDecisions struct {
	Dir string
}

func (f FileDecisions) Decisions(key string) (string, error) {
	var parts []string

	global := filepath.Join(f.Dir, "decisions.md")
	if body, err := os.ReadFile(global); err == nil {
		parts = append(parts, strings.TrimSpace(string(body)))
	}

	if prefix := keyPrefix(key); prefix != "" {
		scoped := filepath.Join(f.Dir, prefix+".md")
		if body, err := os.ReadFile(scoped); err == nil {
			parts = append(parts, strings.TrimSpace(string(body)))
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

// keyPrefix extracts the project prefix from a work-item key,
// "AUTH-12" -> "AUTH". Keys without a dash have no prefix.
func keyPrefix(key string) string {
	if i := strings.Index(key, "-"); i > 0 {
		return key[:i]
	}
	return ""
}
