package workflow

import (
	"regexp"
	"strings"
)

// Complexity summarizes how much implementation work a story artifact
// contains, used to decide between single-dispatch and batched execution.
type Complexity struct {
	// Tasks are the task descriptions found in the artifact, in order.
	Tasks []string
	// Large reports whether the task count crossed the batching threshold.
	Large bool
}

// Batch is one ordered slice of tasks dispatched as a unit.
type Batch struct {
	Index int
	Tasks []string
}

// taskLineRe matches markdown checkbox task lines ("- [ ] ..." and the
// checked form) with optional leading indentation.
var taskLineRe = regexp.MustCompile(`^\s*[-*]\s*\[[ xX]\]\s*(.+)$`)

// numberedTaskRe matches numbered task lines ("1. ...") inside a Tasks
// section only.
var numberedTaskRe = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)

// Analyze extracts the task list from a story artifact and classifies
// its size. Checkbox lines anywhere in the artifact count as tasks; a
// "## Tasks" section additionally accepts numbered lines. A story with
// more than largeThreshold tasks is Large and gets batched execution.
func Analyze(content string, largeThreshold int) Complexity {
	var tasks []string
	inTasksSection := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimLeft(trimmed, "# "))
			inTasksSection = strings.HasPrefix(heading, "task")
			continue
		}

		if m := taskLineRe.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, strings.TrimSpace(m[1]))
			continue
		}
		if inTasksSection {
			if m := numberedTaskRe.FindStringSubmatch(line); m != nil {
				tasks = append(tasks, strings.TrimSpace(m[1]))
			}
		}
	}

	return Complexity{
		Tasks: tasks,
		Large: largeThreshold > 0 && len(tasks) > largeThreshold,
	}
}

// PlanBatches splits tasks into ordered batches of at most perBatch
// tasks each. A non-positive perBatch yields a single batch.
func PlanBatches(tasks []string, perBatch int) []Batch {
	if len(tasks) == 0 {
		return nil
	}
	if perBatch <= 0 {
		return []Batch{{Index: 0, Tasks: tasks}}
	}

	var batches []Batch
	for start := 0; start < len(tasks); start += perBatch {
		end := start + perBatch
		if end > len(tasks) {
			end = len(tasks)
		}
		batches = append(batches, Batch{
			Index: len(batches),
			Tasks: tasks[start:end],
		})
	}
	return batches
}
