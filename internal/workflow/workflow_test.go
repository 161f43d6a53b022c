package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/forgeworks/foreman/pkg/models"
)

type fakeHandle struct {
	id        string
	ch        chan models.DispatchResult
	cancelled bool
}

func (f *fakeHandle) ID() string                           { return f.id }
func (f *fakeHandle) Status() models.DispatchStatus        { return models.DispatchRunning }
func (f *fakeHandle) Result() <-chan models.DispatchResult { return f.ch }
func (f *fakeHandle) Cancel()                              { f.cancelled = true }

// fakeDispatcher replays canned results in dispatch order and records
// every request for prompt assertions.
type fakeDispatcher struct {
	requests []models.DispatchRequest
	results  []models.DispatchResult
}

func (f *fakeDispatcher) Dispatch(req models.DispatchRequest) Handle {
	f.requests = append(f.requests, req)

	h := &fakeHandle{
		id: fmt.Sprintf("d-%d", len(f.requests)),
		ch: make(chan models.DispatchResult, 1),
	}

	result := models.DispatchResult{Status: models.DispatchFailed, ParseError: "no canned result"}
	if len(f.results) > 0 {
		result = f.results[0]
		f.results = f.results[1:]
	}
	result.ID = h.id
	h.ch <- result
	return h
}

func (f *fakeDispatcher) Pending() int { return 0 }
func (f *fakeDispatcher) Running() int { return 0 }
func (f *fakeDispatcher) Shutdown()    {}

func completedResult(parsed map[string]any) models.DispatchResult {
	return models.DispatchResult{
		Status: models.DispatchCompleted,
		Parsed: parsed,
		Tokens: models.TokenEstimate{Input: 100, Output: 50},
	}
}

func testDeps(d Dispatcher) Deps {
	return Deps{
		Dispatcher: d,
		Agent:      "claude",
		StoriesDir: ".foreman/stories",
		WorkingDir: "/work",
	}
}

func TestStoryCreation_Success(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{
			"result":     "success",
			"story_path": ".foreman/stories/AUTH-1-login.md",
		}),
	}}

	res := StoryCreation(context.Background(), testDeps(fd), CreationParams{Key: "AUTH-1", Title: "Login"})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.StoryPath != ".foreman/stories/AUTH-1-login.md" {
		t.Errorf("StoryPath = %q", res.StoryPath)
	}
	if res.Tokens.Input != 100 {
		t.Errorf("Tokens.Input = %d, want 100", res.Tokens.Input)
	}

	req := fd.requests[0]
	if req.TaskType != models.TaskStoryCreation {
		t.Errorf("TaskType = %q", req.TaskType)
	}
	if !strings.Contains(req.Prompt, "AUTH-1") {
		t.Error("prompt should mention the story key")
	}
}

func TestStoryCreation_MissingPath(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{"result": "success"}),
	}}

	res := StoryCreation(context.Background(), testDeps(fd), CreationParams{Key: "AUTH-1"})
	if res.Success {
		t.Error("success without story_path should be demoted to failure")
	}
	if !strings.Contains(res.Error, "story_path") {
		t.Errorf("Error = %q, should mention story_path", res.Error)
	}
}

func TestDevelopment_BatchPrompt(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{
			"result":         "success",
			"files_modified": []any{"a.go", "b.go"},
		}),
	}}

	res := Development(context.Background(), testDeps(fd), DevParams{
		Key:        "AUTH-1",
		StoryPath:  ".foreman/stories/AUTH-1.md",
		BatchTasks: []string{"add login handler", "add session store"},
		BatchIndex: 1,
		BatchCount: 3,
		PriorFiles: []string{"models/user.go"},
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if len(res.FilesModified) != 2 || res.FilesModified[0] != "a.go" {
		t.Errorf("FilesModified = %v", res.FilesModified)
	}

	prompt := fd.requests[0].Prompt
	if !strings.Contains(prompt, "batch 2 of 3") {
		t.Error("prompt should describe the batch position")
	}
	if !strings.Contains(prompt, "add session store") {
		t.Error("prompt should list the batch tasks")
	}
	if !strings.Contains(prompt, "models/user.go") {
		t.Error("prompt should carry prior-batch files")
	}
}

func TestReview_VerdictAndIssues(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{
			"verdict": "MINOR_FIX",
			"issues":  []any{"missing error check in login handler"},
		}),
	}}

	res := Review(context.Background(), testDeps(fd), ReviewParams{
		Key:       "AUTH-1",
		StoryPath: ".foreman/stories/AUTH-1.md",
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Verdict != models.VerdictMinorFix {
		t.Errorf("Verdict = %q", res.Verdict)
	}
	if len(res.Issues) != 1 {
		t.Errorf("Issues = %v", res.Issues)
	}
	if fd.requests[0].TaskType != models.TaskReview {
		t.Errorf("TaskType = %q", fd.requests[0].TaskType)
	}
}

func TestReview_ScopedRereviewPrompt(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{"verdict": "SHIP_IT"}),
	}}

	Review(context.Background(), testDeps(fd), ReviewParams{
		Key:         "AUTH-1",
		PriorIssues: []string{"handler ignores context cancellation"},
		Cycle:       2,
	})

	prompt := fd.requests[0].Prompt
	if !strings.Contains(prompt, "handler ignores context cancellation") {
		t.Error("re-review prompt should be scoped to prior issues")
	}
	if !strings.Contains(prompt, "re-review cycle 2") {
		t.Error("re-review prompt should state the cycle")
	}
}

func TestReview_UnknownVerdict(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{"verdict": "LOOKS_FINE"}),
	}}

	res := Review(context.Background(), testDeps(fd), ReviewParams{Key: "AUTH-1"})
	if res.Success {
		t.Error("unknown verdict should not be a success")
	}
	if !strings.Contains(res.Error, "LOOKS_FINE") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestFix_GenericFallbackPrompt(t *testing.T) {
	fd := &fakeDispatcher{results: []models.DispatchResult{
		completedResult(map[string]any{"result": "success"}),
	}}

	Fix(context.Background(), testDeps(fd), FixParams{
		Key:     "AUTH-1",
		Verdict: models.VerdictMajorRework,
		Model:   "opus",
	})

	req := fd.requests[0]
	if req.Model != "opus" {
		t.Errorf("Model = %q, want opus", req.Model)
	}
	if !strings.Contains(req.Prompt, "did not itemize issues") {
		t.Error("fix prompt without issues should fall back to a generic instruction")
	}
}

func TestBaseResult_Mappings(t *testing.T) {
	tests := []struct {
		name     string
		in       models.DispatchResult
		success  bool
		timedOut bool
		errPart  string
		exitCode int
	}{
		{
			name:    "completed success",
			in:      completedResult(map[string]any{"result": "success"}),
			success: true,
		},
		{
			name:    "agent-reported failure",
			in:      completedResult(map[string]any{"result": "failed", "error": "tests red"}),
			errPart: "tests red",
		},
		{
			name: "completed with parse error",
			in: models.DispatchResult{
				Status:     models.DispatchCompleted,
				ParseError: "no structured result block found in output",
			},
			errPart: "no structured result block",
		},
		{
			name:     "timeout",
			in:       models.DispatchResult{Status: models.DispatchTimeout, ExitCode: -1},
			timedOut: true,
			errPart:  "timed out",
			exitCode: -1,
		},
		{
			name:     "failed",
			in:       models.DispatchResult{Status: models.DispatchFailed, ExitCode: 2, ParseError: "exit code 2"},
			errPart:  "exit code 2",
			exitCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := baseResult(tt.in)
			if res.Success != tt.success {
				t.Errorf("Success = %v, want %v", res.Success, tt.success)
			}
			if res.TimedOut != tt.timedOut {
				t.Errorf("TimedOut = %v, want %v", res.TimedOut, tt.timedOut)
			}
			if tt.errPart != "" && !strings.Contains(res.Error, tt.errPart) {
				t.Errorf("Error = %q, want substring %q", res.Error, tt.errPart)
			}
			if res.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.exitCode)
			}
		})
	}
}

func TestAwaitDispatch_ContextCancel(t *testing.T) {
	// A handle that never resolves on its own and only delivers a result
	// once cancelled; a cancelled context must drive that path.
	h := &cancellingHandle{fakeHandle{id: "d-1", ch: make(chan models.DispatchResult, 1)}}
	d := handleDispatcher{h: h}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dr := awaitDispatch(ctx, d, models.DispatchRequest{Agent: "claude"})
	if dr.Status != models.DispatchFailed {
		t.Errorf("Status = %q, want failed", dr.Status)
	}
	if !h.cancelled {
		t.Error("context cancellation should cancel the handle")
	}
}

type cancellingHandle struct{ fakeHandle }

func (c *cancellingHandle) Cancel() {
	c.cancelled = true
	c.ch <- models.DispatchResult{ID: c.id, Status: models.DispatchFailed, ParseError: "cancelled"}
}

type handleDispatcher struct{ h Handle }

func (d handleDispatcher) Dispatch(models.DispatchRequest) Handle { return d.h }
func (d handleDispatcher) Pending() int                           { return 0 }
func (d handleDispatcher) Running() int                           { return 0 }
func (d handleDispatcher) Shutdown()                              {}
