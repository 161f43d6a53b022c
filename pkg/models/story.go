package models

import "time"

// StoryPhase represents where a story is in the delivery pipeline.
type StoryPhase string

const (
	// PhasePending indicates the story has not started.
	PhasePending StoryPhase = "PENDING"
	// PhaseStoryCreation indicates the story artifact is being written.
	PhaseStoryCreation StoryPhase = "IN_STORY_CREATION"
	// PhaseInDev indicates implementation is in progress.
	PhaseInDev StoryPhase = "IN_DEV"
	// PhaseInReview indicates a code review is in progress.
	PhaseInReview StoryPhase = "IN_REVIEW"
	// PhaseNeedsFixes indicates a review requested rework.
	PhaseNeedsFixes StoryPhase = "NEEDS_FIXES"
	// PhaseComplete indicates the story shipped.
	PhaseComplete StoryPhase = "COMPLETE"
	// PhaseEscalated indicates the story needs human intervention.
	PhaseEscalated StoryPhase = "ESCALATED"
)

// Valid returns true if the phase is a known value.
func (p StoryPhase) Valid() bool {
	switch p {
	case PhasePending, PhaseStoryCreation, PhaseInDev, PhaseInReview,
		PhaseNeedsFixes, PhaseComplete, PhaseEscalated:
		return true
	default:
		return false
	}
}

// Terminal returns true if the phase is a final state.
func (p StoryPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseEscalated
}

// Verdict is the outcome of a code review.
type Verdict string

const (
	// VerdictShipIt approves the implementation as-is.
	VerdictShipIt Verdict = "SHIP_IT"
	// VerdictMinorFix requests small, targeted fixes.
	VerdictMinorFix Verdict = "MINOR_FIX"
	// VerdictMajorRework requests substantial rework.
	VerdictMajorRework Verdict = "MAJOR_REWORK"
)

// Valid returns true if the verdict is a known value.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictShipIt, VerdictMinorFix, VerdictMajorRework:
		return true
	default:
		return false
	}
}

// Worse returns the more severe of two verdicts.
// Severity order: SHIP_IT < MINOR_FIX < MAJOR_REWORK.
func (v Verdict) Worse(other Verdict) Verdict {
	if v.severity() >= other.severity() {
		return v
	}
	return other
}

func (v Verdict) severity() int {
	switch v {
	case VerdictShipIt:
		return 0
	case VerdictMinorFix:
		return 1
	case VerdictMajorRework:
		return 2
	default:
		return 1
	}
}

// StoryState tracks one story's progress through the pipeline.
// It is mutated only by the orchestrator and becomes immutable once
// the phase reaches a terminal value.
type StoryState struct {
	// Phase is the current pipeline phase.
	Phase StoryPhase `json:"phase" yaml:"phase"`
	// ReviewCycles counts completed review iterations.
	ReviewCycles int `json:"review_cycles" yaml:"review_cycles"`
	// StartedAt is when processing began, if it has.
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	// CompletedAt is when the story reached a terminal phase.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	// Error holds the failure reason for escalated stories.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	// LastVerdict is the most recent review verdict.
	LastVerdict Verdict `json:"last_verdict,omitempty" yaml:"last_verdict,omitempty"`
	// Issues lists outstanding review issues for escalation reporting.
	Issues []string `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// RunState represents the orchestrator-wide lifecycle.
type RunState string

const (
	// RunIdle indicates no run has started.
	RunIdle RunState = "IDLE"
	// RunRunning indicates a run is in progress.
	RunRunning RunState = "RUNNING"
	// RunPaused indicates the run is paused at phase boundaries.
	RunPaused RunState = "PAUSED"
	// RunComplete indicates the run finished.
	RunComplete RunState = "COMPLETE"
	// RunFailed indicates the run aborted with an unhandled error.
	RunFailed RunState = "FAILED"
)

// Valid returns true if the state is a known value.
func (s RunState) Valid() bool {
	switch s {
	case RunIdle, RunRunning, RunPaused, RunComplete, RunFailed:
		return true
	default:
		return false
	}
}

// OrchestratorStatus is an aggregate snapshot of a pipeline run.
// It is recomputed on demand and persisted after every transition.
type OrchestratorStatus struct {
	// State is the orchestrator-wide lifecycle state.
	State RunState `json:"state" yaml:"state"`
	// Stories maps work-item keys to their pipeline state.
	Stories map[string]*StoryState `json:"stories" yaml:"stories"`
	// Groups is the conflict partition the run executed with.
	Groups [][]string `json:"groups,omitempty" yaml:"groups,omitempty"`
	// StartedAt is when the run began.
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	// TotalDuration is the wall-clock duration of the run.
	TotalDuration time.Duration `json:"total_duration,omitempty" yaml:"total_duration,omitempty"`
}

// Tally summarizes terminal story outcomes for a run.
type Tally struct {
	// Total is the number of stories in the run.
	Total int `json:"total"`
	// Completed is the number of stories that shipped.
	Completed int `json:"completed"`
	// Escalated is the number escalated via exhausted review cycles.
	Escalated int `json:"escalated"`
	// Failed is the number escalated with an explicit error.
	Failed int `json:"failed"`
}
