package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStory(t *testing.T, dir, key, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, key+".md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPathOverlapPartitioner_GroupsByOwnership(t *testing.T) {
	dir := t.TempDir()
	writeStory(t, dir, "AUTH-1", "Touches internal/auth/login.go and internal/auth/session.go")
	writeStory(t, dir, "AUTH-2", "Refactor internal/auth/token.go")
	writeStory(t, dir, "DOCS-1", "Update docs/guide/intro.md")

	p := PathOverlapPartitioner{StoriesDir: dir}
	groups := p.Partition([]string{"AUTH-1", "AUTH-2", "DOCS-1"})

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2: %v", len(groups), groups)
	}
	if len(groups[0]) != 2 || groups[0][0] != "AUTH-1" || groups[0][1] != "AUTH-2" {
		t.Errorf("group 0 = %v, want [AUTH-1 AUTH-2]", groups[0])
	}
	if len(groups[1]) != 1 || groups[1][0] != "DOCS-1" {
		t.Errorf("group 1 = %v, want [DOCS-1]", groups[1])
	}
}

func TestPathOverlapPartitioner_TransitiveGrouping(t *testing.T) {
	dir := t.TempDir()
	writeStory(t, dir, "A", "internal/auth/login.go")
	writeStory(t, dir, "B", "internal/auth/mw.go and pkg/api/router.go")
	writeStory(t, dir, "C", "pkg/api/handlers.go")

	p := PathOverlapPartitioner{StoriesDir: dir}
	groups := p.Partition([]string{"A", "B", "C"})

	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Errorf("transitive overlap should merge all three: %v", groups)
	}
}

func TestPathOverlapPartitioner_NestedPrefixConflicts(t *testing.T) {
	dir := t.TempDir()
	writeStory(t, dir, "A", "All of internal/auth/ belongs to this story")
	writeStory(t, dir, "B", "Just internal/auth/oidc/callback.go")

	p := PathOverlapPartitioner{StoriesDir: dir}
	groups := p.Partition([]string{"A", "B"})

	if len(groups) != 1 {
		t.Errorf("a nested path must conflict with its parent: %v", groups)
	}
}

func TestPathOverlapPartitioner_NoArtifactsSingletons(t *testing.T) {
	p := PathOverlapPartitioner{StoriesDir: t.TempDir()}
	groups := p.Partition([]string{"X", "Y", "Z"})

	if len(groups) != 3 {
		t.Fatalf("keys without artifacts should not conflict: %v", groups)
	}
	for i, key := range []string{"X", "Y", "Z"} {
		if len(groups[i]) != 1 || groups[i][0] != key {
			t.Errorf("group %d = %v, want [%s]", i, groups[i], key)
		}
	}
}

func TestPathOverlapPartitioner_EveryKeyExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	writeStory(t, dir, "A", "internal/a/x.go")
	writeStory(t, dir, "B", "internal/a/y.go")
	writeStory(t, dir, "C", "cmd/tool/main.go")
	writeStory(t, dir, "D", "no paths here")

	p := PathOverlapPartitioner{StoriesDir: dir}
	keys := []string{"A", "B", "C", "D"}
	groups := p.Partition(keys)

	seen := make(map[string]int)
	for _, g := range groups {
		for _, k := range g {
			seen[k]++
		}
	}
	for _, k := range keys {
		if seen[k] != 1 {
			t.Errorf("key %s appears %d times", k, seen[k])
		}
	}
}

func TestPathOverlapPartitioner_Empty(t *testing.T) {
	p := PathOverlapPartitioner{StoriesDir: t.TempDir()}
	if groups := p.Partition(nil); groups != nil {
		t.Errorf("Partition(nil) = %v, want nil", groups)
	}
}

func TestExtractPathPrefixes(t *testing.T) {
	content := "Edit internal/auth/login.go, keep docs/ stable. See https://example.com/x/y for context."
	prefixes := extractPathPrefixes(content)

	want := map[string]bool{"internal/auth/": true, "docs/": true}
	if len(prefixes) != len(want) {
		t.Fatalf("prefixes = %v, want %d entries", prefixes, len(want))
	}
	for _, p := range prefixes {
		if !want[p] {
			t.Errorf("unexpected prefix %q", p)
		}
	}
}

func TestSingleGroupPartitioner(t *testing.T) {
	groups := SingleGroupPartitioner{}.Partition([]string{"A", "B"})
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Errorf("groups = %v, want one group of two", groups)
	}
}
