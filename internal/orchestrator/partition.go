package orchestrator

import (
	"strings"

	"github.com/forgeworks/foreman/internal/workflow"
)

// Partitioner splits work-item keys into conflict groups. Keys in the
// same group must run sequentially; distinct groups may run concurrently.
// Every key appears in exactly one group and group order is stable.
type Partitioner interface {
	Partition(keys []string) [][]string
}

// PathOverlapPartitioner groups stories whose declared file ownership
// overlaps. Ownership is inferred from path-like tokens in the story
// artifact; overlap is transitive (union-find), so A~B and B~C puts all
// three in one group. Stories without an artifact or without any path
// tokens conflict with nothing and get their own group.
type PathOverlapPartitioner struct {
	StoriesDir string
}

func (p PathOverlapPartitioner) Partition(keys []string) [][]string {
	if len(keys) == 0 {
		return nil
	}

	prefixes := make([][]string, len(keys))
	for i, key := range keys {
		prefixes[i] = p.ownership(key)
	}

	// Union-find over key indices.
	parent := make([]int, len(keys))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if rb < ra {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if prefixesOverlap(prefixes[i], prefixes[j]) {
				union(i, j)
			}
		}
	}

	// Emit groups ordered by first member, members in input order.
	groupIndex := make(map[int]int)
	var groups [][]string
	for i, key := range keys {
		root := find(i)
		gi, ok := groupIndex[root]
		if !ok {
			gi = len(groups)
			groupIndex[root] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], key)
	}
	return groups
}

// ownership extracts the directory prefixes a story declares it will
// touch, by scanning its artifact for path-like tokens.
func (p PathOverlapPartitioner) ownership(key string) []string {
	path := workflow.FindArtifact(p.StoriesDir, key)
	if path == "" {
		return nil
	}
	content, err := workflow.ReadArtifact(path)
	if err != nil {
		return nil
	}
	return extractPathPrefixes(content)
}

// extractPathPrefixes pulls directory prefixes out of free-form story
// text. A token counts as a path when it contains a slash and no URL
// scheme; files are reduced to their containing directory.
func extractPathPrefixes(content string) []string {
	seen := make(map[string]bool)
	var prefixes []string

	for _, word := range strings.Fields(content) {
		word = strings.Trim(word, ".,;:\"'`()[]{}*<>")
		if !strings.Contains(word, "/") || strings.Contains(word, "://") {
			continue
		}

		prefix := word
		if !strings.HasSuffix(prefix, "/") {
			last := strings.LastIndex(prefix, "/")
			if last <= 0 {
				continue
			}
			prefix = prefix[:last+1]
		}
		prefix = strings.TrimPrefix(prefix, "./")
		if prefix == "" || prefix == "/" {
			continue
		}

		if !seen[prefix] {
			seen[prefix] = true
			prefixes = append(prefixes, prefix)
		}
	}
	return prefixes
}

// prefixesOverlap reports whether any prefix of one set contains or is
// contained by a prefix of the other.
func prefixesOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa) {
				return true
			}
		}
	}
	return false
}

// SingleGroupPartitioner puts every key in one sequential group. Useful
// when all stories share state and concurrency is unwanted.
type SingleGroupPartitioner struct{}

func (SingleGroupPartitioner) Partition(keys []string) [][]string {
	if len(keys) == 0 {
		return nil
	}
	group := make([]string, len(keys))
	copy(group, keys)
	return [][]string{group}
}
