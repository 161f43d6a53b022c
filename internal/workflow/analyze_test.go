package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleStory = `# AUTH-1: Login flow

## Goal

Users can sign in with email and password.

## Tasks

- [ ] add login handler
- [ ] add session store
- [x] add user model
1. wire rate limiter

## Notes

Some narrative that mentions 2. things but is not a task.
`

func TestAnalyze_TaskExtraction(t *testing.T) {
	c := Analyze(sampleStory, 8)

	want := []string{"add login handler", "add session store", "add user model", "wire rate limiter"}
	if len(c.Tasks) != len(want) {
		t.Fatalf("Tasks = %v, want %d entries", c.Tasks, len(want))
	}
	for i, task := range want {
		if c.Tasks[i] != task {
			t.Errorf("Tasks[%d] = %q, want %q", i, c.Tasks[i], task)
		}
	}
	if c.Large {
		t.Error("4 tasks under a threshold of 8 should not be large")
	}
}

func TestAnalyze_LargeThreshold(t *testing.T) {
	c := Analyze(sampleStory, 3)
	if !c.Large {
		t.Error("4 tasks over a threshold of 3 should be large")
	}

	// Threshold is strictly greater-than.
	c = Analyze(sampleStory, 4)
	if c.Large {
		t.Error("exactly the threshold should not be large")
	}
}

func TestAnalyze_NumberedLinesOutsideTasksIgnored(t *testing.T) {
	content := "# Story\n\n1. not a task\n\n## Tasks\n\n1. real task\n"
	c := Analyze(content, 8)
	if len(c.Tasks) != 1 || c.Tasks[0] != "real task" {
		t.Errorf("Tasks = %v, want only the Tasks-section entry", c.Tasks)
	}
}

func TestPlanBatches(t *testing.T) {
	tasks := []string{"a", "b", "c", "d", "e", "f", "g"}

	batches := PlanBatches(tasks, 3)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[0].Tasks) != 3 || len(batches[2].Tasks) != 1 {
		t.Errorf("batch sizes = %d/%d/%d, want 3/3/1",
			len(batches[0].Tasks), len(batches[1].Tasks), len(batches[2].Tasks))
	}
	if batches[1].Index != 1 {
		t.Errorf("batches[1].Index = %d", batches[1].Index)
	}
	if batches[2].Tasks[0] != "g" {
		t.Errorf("order not preserved: last batch = %v", batches[2].Tasks)
	}

	if got := PlanBatches(nil, 3); got != nil {
		t.Errorf("PlanBatches(nil) = %v, want nil", got)
	}
	if got := PlanBatches(tasks, 0); len(got) != 1 || len(got[0].Tasks) != 7 {
		t.Errorf("non-positive perBatch should yield one batch, got %v", got)
	}
}

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"AUTH-1-login.md", "AUTH-10-sso.md", "PAY-1.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got := FindArtifact(dir, "PAY-1")
	if got != filepath.Join(dir, "PAY-1.md") {
		t.Errorf("FindArtifact(PAY-1) = %q", got)
	}

	if got := FindArtifact(dir, "AUTH-99"); got != "" {
		t.Errorf("FindArtifact(AUTH-99) = %q, want empty", got)
	}

	if got := FindArtifact(filepath.Join(dir, "missing"), "AUTH-1"); got != "" {
		t.Errorf("missing dir should yield empty, got %q", got)
	}
}

func TestFileDecisions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "decisions.md"), []byte("use sqlite"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "AUTH.md"), []byte("sessions in cookies"), 0644); err != nil {
		t.Fatal(err)
	}

	fd := FileDecisions{Dir: dir}

	text, err := fd.Decisions("AUTH-1")
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	for _, want := range []string{"use sqlite", "sessions in cookies"} {
		if !strings.Contains(text, want) {
			t.Errorf("Decisions(AUTH-1) = %q, missing %q", text, want)
		}
	}

	text, err = fd.Decisions("PAY-2")
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	if strings.Contains(text, "cookies") {
		t.Errorf("PAY-2 should not see AUTH-scoped decisions: %q", text)
	}
}
