package orchestrator

import (
	"log"
	"time"

	"github.com/forgeworks/foreman/internal/state"
	"github.com/forgeworks/foreman/internal/workflow"
	"github.com/forgeworks/foreman/pkg/models"
)

// Persistence is best-effort throughout: a failure to write state must
// never abort pipeline progress, so every error here is logged and
// swallowed.

// persist saves the current status snapshot against the run ID.
func (o *Orchestrator) persist() {
	if o.store == nil {
		return
	}

	o.mu.Lock()
	runID := o.runID
	snap := o.snapshotLocked()
	o.mu.Unlock()
	if runID == "" {
		return
	}

	if err := o.store.SaveSnapshot(runID, &snap); err != nil {
		log.Printf("[orchestrator] WARNING: failed to persist snapshot for %s: %v", runID, err)
	}
}

// createRun records the run row at start.
func (o *Orchestrator) createRun(keys []string, startedAt time.Time) {
	if o.store == nil {
		return
	}

	run := &state.Run{
		ID:        o.RunID(),
		State:     models.RunRunning,
		StoryKeys: keys,
		StartedAt: startedAt,
	}
	if err := o.store.CreateRun(run); err != nil {
		log.Printf("[orchestrator] WARNING: failed to create run row: %v", err)
	}
}

// finishRun records the terminal state of the run row.
func (o *Orchestrator) finishRun(runID string, st models.RunState, completedAt time.Time) {
	if o.store == nil || runID == "" {
		return
	}

	run, err := o.store.GetRun(runID)
	if err != nil || run == nil {
		log.Printf("[orchestrator] WARNING: failed to load run row %s: %v", runID, err)
		return
	}
	run.State = st
	run.CompletedAt = &completedAt
	if err := o.store.UpdateRun(run); err != nil {
		log.Printf("[orchestrator] WARNING: failed to update run row %s: %v", runID, err)
	}
}

// recordDispatch stores the terminal record of one workflow dispatch.
func (o *Orchestrator) recordDispatch(key string, taskType models.TaskType, res workflow.Result) {
	if o.store == nil || res.DispatchID == "" {
		return
	}

	status := models.DispatchCompleted
	switch {
	case res.TimedOut:
		status = models.DispatchTimeout
	case !res.Success && res.Output == nil:
		status = models.DispatchFailed
	}

	record := &state.DispatchRecord{
		ID:           res.DispatchID,
		RunID:        o.RunID(),
		StoryKey:     key,
		TaskType:     taskType,
		Status:       status,
		ExitCode:     res.ExitCode,
		Duration:     res.Duration,
		InputTokens:  res.Tokens.Input,
		OutputTokens: res.Tokens.Output,
		StartedAt:    time.Now().Add(-res.Duration),
	}
	if err := o.store.RecordDispatch(record); err != nil {
		log.Printf("[orchestrator] WARNING: failed to record dispatch %s: %v", res.DispatchID, err)
	}
}
