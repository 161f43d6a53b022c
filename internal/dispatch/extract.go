package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foreman/pkg/models"
)

// ErrNoResultBlock indicates the output contained no structured result block.
var ErrNoResultBlock = errors.New("no structured result block found in output")

// anchorFields are the field names that identify a structured result block.
// A fenced block (or trailing line run) qualifies only if at least one of
// these appears as a top-level key.
var anchorFields = []string{
	"result",
	"verdict",
	"status",
	"issues",
	"story_path",
	"files_modified",
}

// fencedBlockRe matches fenced code blocks with an optional language tag.
var fencedBlockRe = regexp.MustCompile("(?ms)^```[a-zA-Z0-9_-]*[ \t]*\r?\n(.*?)^```[ \t]*$")

// anchorLineRe matches a line that starts with a known anchor field name
// followed by a colon.
var anchorLineRe = regexp.MustCompile(`^(` + strings.Join(anchorFields, "|") + `)\s*:`)

// ExtractResult extracts the trailing structured result block from agent
// output. Agents print free-form narrative followed by a fenced result
// block; the last qualifying block wins. When no fenced block qualifies,
// the raw lines are scanned from the end for the last run of lines that
// starts with an anchor field.
//
// A missing block returns ErrNoResultBlock; a malformed block returns a
// parse error. The two are distinct so callers can tell "the agent never
// reported" from "the agent reported garbage".
func ExtractResult(output string) (map[string]any, error) {
	candidate := findCandidateBlock(output)
	if candidate == "" {
		return nil, ErrNoResultBlock
	}

	parsed := make(map[string]any)
	if err := yaml.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, fmt.Errorf("parse result block: %w", err)
	}

	return parsed, nil
}

// findCandidateBlock locates the text of the last qualifying result block.
// Returns "" if no candidate exists.
func findCandidateBlock(output string) string {
	// Prefer fenced blocks: the last one containing an anchor field wins.
	var last string
	for _, match := range fencedBlockRe.FindAllStringSubmatch(output, -1) {
		body := match[1]
		if containsAnchor(body) {
			last = body
		}
	}
	if last != "" {
		return last
	}

	// Fallback: scan raw lines from the end for the last anchor line and
	// take everything from there to end-of-output.
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if anchorLineRe.MatchString(strings.TrimRight(lines[i], "\r")) {
			return strings.Join(lines[i:], "\n")
		}
	}

	return ""
}

// containsAnchor reports whether any line in the block starts with a known
// anchor field.
func containsAnchor(block string) bool {
	for _, line := range strings.Split(block, "\n") {
		if anchorLineRe.MatchString(strings.TrimRight(line, "\r")) {
			return true
		}
	}
	return false
}

// ValidateSchema checks a parsed result block against a schema.
// Schema failure is reported separately from parse failure so callers can
// distinguish a malformed block from a well-formed but wrong one.
func ValidateSchema(parsed map[string]any, schema *models.ResultSchema) error {
	if schema == nil {
		return nil
	}

	for _, field := range schema.Required {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("schema validation: missing required field %q", field)
		}
	}

	for field, allowed := range schema.AllowedValues {
		raw, ok := parsed[field]
		if !ok {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		found := false
		for _, a := range allowed {
			if value == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("schema validation: field %q has value %q, allowed %v", field, value, allowed)
		}
	}

	return nil
}
