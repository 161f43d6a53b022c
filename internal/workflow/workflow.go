package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

// Deps carries the collaborators a workflow needs for one dispatch.
type Deps struct {
	Dispatcher Dispatcher
	// Agent is the adapter name to dispatch against.
	Agent string
	// StoriesDir is where story artifacts live.
	StoriesDir string
	// WorkingDir is the repository the agent operates in.
	WorkingDir string
	// Decisions supplies architecture constraints for prompts. Optional.
	Decisions DecisionReader
}

// Result is the common outcome of a workflow dispatch.
type Result struct {
	Success    bool
	TimedOut   bool
	Error      string
	DispatchID string
	ExitCode   int
	Output     map[string]any
	Duration   time.Duration
	Tokens     models.TokenEstimate
}

// CreationResult is the outcome of a story-creation dispatch.
type CreationResult struct {
	Result
	StoryPath string
}

// DevResult is the outcome of one development dispatch.
type DevResult struct {
	Result
	FilesModified []string
}

// ReviewResult is the outcome of one review dispatch.
type ReviewResult struct {
	Result
	Verdict models.Verdict
	Issues  []string
}

// CreationParams parameterize a story-creation dispatch.
type CreationParams struct {
	Key         string
	Title       string
	Description string
}

// DevParams parameterize one development dispatch. BatchTasks is nil for
// single-dispatch items; for batched items it carries the tasks of this
// batch and PriorFiles the files modified by all earlier batches.
type DevParams struct {
	Key        string
	StoryPath  string
	BatchTasks []string
	BatchIndex int
	BatchCount int
	PriorFiles []string
}

// ReviewParams parameterize one review dispatch. PriorIssues scopes a
// re-review to the issues reported in the previous cycle.
type ReviewParams struct {
	Key           string
	StoryPath     string
	FilesModified []string
	PriorIssues   []string
	Cycle         int
}

// FixParams parameterize one fix dispatch.
type FixParams struct {
	Key       string
	StoryPath string
	Verdict   models.Verdict
	Issues    []string
	// Model overrides the adapter default, used to escalate major rework.
	Model string
}

// StoryCreation dispatches an agent to write the story artifact for a key.
func StoryCreation(ctx context.Context, deps Deps, p CreationParams) CreationResult {
	req := models.DispatchRequest{
		Prompt:     buildCreationPrompt(deps, p),
		Agent:      deps.Agent,
		TaskType:   models.TaskStoryCreation,
		WorkingDir: deps.WorkingDir,
		OutputSchema: &models.ResultSchema{
			Required:      []string{"result", "story_path"},
			AllowedValues: map[string][]string{"result": {"success", "failed"}},
		},
	}

	dr := awaitDispatch(ctx, deps.Dispatcher, req)
	res := CreationResult{Result: baseResult(dr)}
	res.StoryPath = strField(dr.Parsed, "story_path")
	if res.Success && res.StoryPath == "" {
		res.Success = false
		res.Error = "story creation reported success without a story_path"
	}
	return res
}

// Development dispatches an agent to implement a story or one batch of it.
func Development(ctx context.Context, deps Deps, p DevParams) DevResult {
	req := models.DispatchRequest{
		Prompt:     buildDevelopmentPrompt(deps, p),
		Agent:      deps.Agent,
		TaskType:   models.TaskImplementation,
		WorkingDir: deps.WorkingDir,
		OutputSchema: &models.ResultSchema{
			Required:      []string{"result"},
			AllowedValues: map[string][]string{"result": {"success", "failed"}},
		},
	}

	dr := awaitDispatch(ctx, deps.Dispatcher, req)
	res := DevResult{Result: baseResult(dr)}
	res.FilesModified = strSliceField(dr.Parsed, "files_modified")
	return res
}

// Review dispatches an agent to review an implementation and return a
// verdict with an issue list.
func Review(ctx context.Context, deps Deps, p ReviewParams) ReviewResult {
	req := models.DispatchRequest{
		Prompt:     buildReviewPrompt(deps, p),
		Agent:      deps.Agent,
		TaskType:   models.TaskReview,
		WorkingDir: deps.WorkingDir,
		OutputSchema: &models.ResultSchema{
			Required: []string{"verdict"},
			AllowedValues: map[string][]string{
				"verdict": {
					string(models.VerdictShipIt),
					string(models.VerdictMinorFix),
					string(models.VerdictMajorRework),
				},
			},
		},
	}

	dr := awaitDispatch(ctx, deps.Dispatcher, req)
	res := ReviewResult{Result: baseResult(dr)}
	res.Issues = strSliceField(dr.Parsed, "issues")

	verdict := models.Verdict(strField(dr.Parsed, "verdict"))
	if verdict.Valid() {
		res.Verdict = verdict
	} else if res.Success {
		res.Success = false
		res.Error = fmt.Sprintf("review returned unknown verdict %q", verdict)
	}
	return res
}

// Fix dispatches an agent to address review issues.
func Fix(ctx context.Context, deps Deps, p FixParams) Result {
	req := models.DispatchRequest{
		Prompt:     buildFixPrompt(deps, p),
		Agent:      deps.Agent,
		TaskType:   models.TaskFix,
		WorkingDir: deps.WorkingDir,
		Model:      p.Model,
		OutputSchema: &models.ResultSchema{
			Required:      []string{"result"},
			AllowedValues: map[string][]string{"result": {"success", "failed"}},
		},
	}

	return baseResult(awaitDispatch(ctx, deps.Dispatcher, req))
}

// awaitDispatch submits a request and blocks until its terminal result.
// Context cancellation cancels the dispatch; the result still arrives
// through the handle, so the wait never leaks.
func awaitDispatch(ctx context.Context, d Dispatcher, req models.DispatchRequest) models.DispatchResult {
	h := d.Dispatch(req)
	select {
	case dr := <-h.Result():
		return dr
	case <-ctx.Done():
		h.Cancel()
		return <-h.Result()
	}
}

// baseResult maps a dispatch result onto the workflow discriminant.
func baseResult(dr models.DispatchResult) Result {
	res := Result{
		DispatchID: dr.ID,
		ExitCode:   dr.ExitCode,
		Output:     dr.Parsed,
		Duration:   dr.Duration,
		Tokens:     dr.Tokens,
	}

	switch dr.Status {
	case models.DispatchTimeout:
		res.TimedOut = true
		res.Error = "dispatch timed out"
	case models.DispatchCompleted:
		if dr.ParseError != "" {
			res.Error = dr.ParseError
		} else if strField(dr.Parsed, "result") == "failed" {
			res.Error = strField(dr.Parsed, "error")
			if res.Error == "" {
				res.Error = "agent reported failure"
			}
		} else {
			res.Success = true
		}
	default:
		res.Error = dr.ParseError
		if res.Error == "" {
			res.Error = fmt.Sprintf("dispatch %s", dr.Status)
		}
	}
	return res
}

// strField reads a string field from a parsed result block.
func strField(parsed map[string]any, key string) string {
	if parsed == nil {
		return ""
	}
	if s, ok := parsed[key].(string); ok {
		return s
	}
	return ""
}

// strSliceField reads a string list field from a parsed result block.
// A scalar string value is treated as a one-element list.
func strSliceField(parsed map[string]any, key string) []string {
	if parsed == nil {
		return nil
	}
	switch v := parsed[key].(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
