package models

import "time"

// DispatchStatus represents the lifecycle state of a dispatch.
type DispatchStatus string

const (
	// DispatchQueued indicates the dispatch is waiting for a free slot.
	DispatchQueued DispatchStatus = "queued"
	// DispatchRunning indicates the subprocess is executing.
	DispatchRunning DispatchStatus = "running"
	// DispatchCompleted indicates the subprocess exited successfully.
	DispatchCompleted DispatchStatus = "completed"
	// DispatchFailed indicates the subprocess failed or was cancelled.
	DispatchFailed DispatchStatus = "failed"
	// DispatchTimeout indicates the dispatch exceeded its deadline.
	DispatchTimeout DispatchStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchQueued, DispatchRunning, DispatchCompleted, DispatchFailed, DispatchTimeout:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s DispatchStatus) Terminal() bool {
	switch s {
	case DispatchCompleted, DispatchFailed, DispatchTimeout:
		return true
	default:
		return false
	}
}

// TaskType classifies what kind of work a dispatch performs.
// It selects the default timeout and the prompt framing.
type TaskType string

const (
	// TaskStoryCreation creates a story artifact from a work-item key.
	TaskStoryCreation TaskType = "story_creation"
	// TaskImplementation implements a story (or one batch of it).
	TaskImplementation TaskType = "implementation"
	// TaskReview reviews implemented code and returns a verdict.
	TaskReview TaskType = "review"
	// TaskFix applies fixes for issues reported by a review.
	TaskFix TaskType = "fix"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskStoryCreation, TaskImplementation, TaskReview, TaskFix:
		return true
	default:
		return false
	}
}

// DispatchRequest describes one request to run an agent subprocess.
// A request is immutable; each dispatch attempt gets its own request.
type DispatchRequest struct {
	// Prompt is the compiled prompt written to the subprocess's stdin.
	Prompt string `json:"prompt"`
	// Agent is the registered adapter name to run (e.g., "claude").
	Agent string `json:"agent"`
	// TaskType classifies the dispatch for timeout defaults and events.
	TaskType TaskType `json:"task_type"`
	// Timeout overrides the task-type default when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// OutputSchema optionally validates the parsed result block.
	OutputSchema *ResultSchema `json:"output_schema,omitempty"`
	// WorkingDir is the subprocess working directory.
	WorkingDir string `json:"working_dir,omitempty"`
	// Model is the model override passed to the adapter, if any.
	Model string `json:"model,omitempty"`
	// MaxTurns caps agent turns when the adapter supports it.
	MaxTurns int `json:"max_turns,omitempty"`
}

// ResultSchema describes the expected shape of a structured result block.
type ResultSchema struct {
	// Required lists field names that must be present.
	Required []string `json:"required"`
	// AllowedValues restricts specific fields to an enumerated set.
	AllowedValues map[string][]string `json:"allowed_values,omitempty"`
}

// TokenEstimate approximates token usage for a dispatch.
// Counts are derived from character length, not billing-accurate.
type TokenEstimate struct {
	// Input is the estimated prompt tokens.
	Input int `json:"input"`
	// Output is the estimated output tokens.
	Output int `json:"output"`
}

// DispatchResult is the outcome of a dispatch, produced exactly once.
type DispatchResult struct {
	// ID is the dispatch ID this result belongs to.
	ID string `json:"id"`
	// Status is the terminal status (completed, failed, or timeout).
	Status DispatchStatus `json:"status"`
	// ExitCode is the subprocess exit code (-1 if it never ran).
	ExitCode int `json:"exit_code"`
	// Output is the captured subprocess output.
	Output string `json:"output"`
	// Parsed is the structured result block extracted from the output.
	Parsed map[string]any `json:"parsed,omitempty"`
	// ParseError describes why no parsed result is available.
	ParseError string `json:"parse_error,omitempty"`
	// Duration is how long the dispatch ran.
	Duration time.Duration `json:"duration"`
	// Tokens is the estimated token usage.
	Tokens TokenEstimate `json:"tokens"`
}
