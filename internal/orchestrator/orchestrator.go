package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foreman/internal/config"
	"github.com/forgeworks/foreman/internal/events"
	"github.com/forgeworks/foreman/internal/state"
	"github.com/forgeworks/foreman/internal/workflow"
	"github.com/forgeworks/foreman/pkg/models"
)

// Options configure an Orchestrator.
type Options struct {
	Config *config.Config
	// Deps is handed to every workflow dispatch.
	Deps workflow.Deps
	// Bus receives orchestrator notifications. Optional.
	Bus *events.Bus
	// Store persists run snapshots and dispatch records. Optional;
	// persistence is best-effort either way.
	Store *state.DB
	// Partitioner groups stories into conflict groups. Defaults to
	// PathOverlapPartitioner over the configured stories directory.
	Partitioner Partitioner
}

// Orchestrator drives each story through the pipeline state machine and
// runs conflict groups under a bounded worker pool.
type Orchestrator struct {
	cfg   *config.Config
	deps  workflow.Deps
	bus   *events.Bus
	store *state.DB
	part  Partitioner
	gate  *PauseController

	mu     sync.Mutex
	runID  string
	status models.OrchestratorStatus
}

// New creates an Orchestrator in the IDLE state.
func New(opts Options) *Orchestrator {
	part := opts.Partitioner
	if part == nil {
		part = PathOverlapPartitioner{StoriesDir: opts.Config.Paths.StoriesDir}
	}
	return &Orchestrator{
		cfg:   opts.Config,
		deps:  opts.Deps,
		bus:   opts.Bus,
		store: opts.Store,
		part:  part,
		gate:  NewPauseController(),
		status: models.OrchestratorStatus{
			State:   models.RunIdle,
			Stories: make(map[string]*models.StoryState),
		},
	}
}

// RunID returns the identifier of the current (or last) run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// State returns the orchestrator-wide lifecycle state.
func (o *Orchestrator) State() models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State
}

// Status returns a deep copy of the current run snapshot.
func (o *Orchestrator) Status() models.OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() models.OrchestratorStatus {
	snap := o.status
	snap.Stories = make(map[string]*models.StoryState, len(o.status.Stories))
	for key, s := range o.status.Stories {
		copied := *s
		snap.Stories[key] = &copied
	}
	snap.Groups = make([][]string, len(o.status.Groups))
	for i, g := range o.status.Groups {
		snap.Groups[i] = append([]string(nil), g...)
	}
	return snap
}

// Run executes the pipeline for a set of story keys. A call while a run
// is already running, paused, or complete is a no-op that returns the
// current status. Returns the final status once all groups finish.
func (o *Orchestrator) Run(ctx context.Context, keys []string) (final models.OrchestratorStatus) {
	o.mu.Lock()
	switch o.status.State {
	case models.RunRunning, models.RunPaused, models.RunComplete:
		log.Printf("[orchestrator] run rejected: already %s", o.status.State)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}

	now := time.Now()
	o.runID = "run-" + uuid.New().String()[:8]
	o.status = models.OrchestratorStatus{
		State:     models.RunRunning,
		Stories:   make(map[string]*models.StoryState, len(keys)),
		StartedAt: &now,
	}
	for _, key := range keys {
		o.status.Stories[key] = &models.StoryState{Phase: models.PhasePending}
	}
	groups := o.part.Partition(keys)
	o.status.Groups = groups
	runID := o.runID
	o.mu.Unlock()

	log.Printf("[orchestrator] %s: starting run with %d stories in %d groups", runID, len(keys), len(groups))

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] %s: run failed: %v", runID, r)
			o.finish(models.RunFailed)
			final = o.Status()
		}
	}()

	o.createRun(keys, now)
	o.publish(events.RunStarted, map[string]any{"storyKeys": keys})
	o.persist()

	o.runGroups(ctx, groups)

	tally := o.tally()
	o.finish(models.RunComplete)
	o.publish(events.RunComplete, map[string]any{
		"totalStories": tally.Total,
		"completed":    tally.Completed,
		"escalated":    tally.Escalated,
		"failed":       tally.Failed,
	})
	log.Printf("[orchestrator] %s: run complete: %d shipped, %d escalated, %d failed",
		runID, tally.Completed, tally.Escalated, tally.Failed)

	return o.Status()
}

// Pause holds all stories at their next phase boundary. Only acts while
// running. The gate closes before the PAUSED state is published, so a
// story that observes the state paused always blocks on the gate.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.status.State != models.RunRunning {
		o.mu.Unlock()
		return
	}
	o.gate.Pause()
	o.status.State = models.RunPaused
	o.mu.Unlock()

	o.publish(events.RunPaused, map[string]any{})
	o.persist()
}

// Resume releases a paused run. The state flips back to RUNNING before
// the gate opens, mirroring the ordering in Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.status.State != models.RunPaused {
		o.mu.Unlock()
		return
	}
	o.status.State = models.RunRunning
	o.gate.Resume()
	o.mu.Unlock()

	o.publish(events.RunResumed, map[string]any{})
	o.persist()
}

// Stop aborts the run cooperatively: in-flight phases finish, then every
// story abandons processing at its next checkpoint.
func (o *Orchestrator) Stop() {
	o.gate.Stop()
}

// runGroups executes conflict groups under a self-draining worker pool:
// up to maxConcurrency groups in flight, a new group starts as soon as
// any worker frees up, stories within a group run strictly in order.
func (o *Orchestrator) runGroups(ctx context.Context, groups [][]string) {
	if len(groups) == 0 {
		return
	}

	workers := o.cfg.Dispatch.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(groups) {
		workers = len(groups)
	}

	groupCh := make(chan []string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range groupCh {
				for _, key := range group {
					o.processStory(ctx, key)
				}
			}
		}()
	}

	for _, group := range groups {
		groupCh <- group
	}
	close(groupCh)
	wg.Wait()
}

// checkpoint gates a phase transition: waits out any pauses and
// verifies the run is still in progress. An error means the story must
// stop without further side effects. Observing the state paused is
// never an error: a pause can land between the gate and the state
// read, and the story must hold at the boundary, not abandon itself.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	for {
		if err := o.gate.Wait(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch s := o.State(); s {
		case models.RunRunning:
			return nil
		case models.RunPaused:
		default:
			return fmt.Errorf("orchestrator state is %s", s)
		}
	}
}

// processStory drives one story through creation, development, and the
// review/fix loop. Any panic escalates the story; siblings are
// unaffected.
func (o *Orchestrator) processStory(ctx context.Context, key string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] %s: unhandled error: %v", key, r)
			o.escalate(key, fmt.Sprintf("unhandled error: %v", r))
		}
	}()

	if err := o.checkpoint(ctx); err != nil {
		log.Printf("[orchestrator] %s: stopping before start: %v", key, err)
		return
	}

	now := time.Now()
	o.mutateStory(key, func(s *models.StoryState) { s.StartedAt = &now })

	// Story creation. A pre-existing artifact (externally seeded work)
	// skips the phase entirely.
	storyPath := workflow.FindArtifact(o.deps.StoriesDir, key)
	if storyPath != "" {
		log.Printf("[orchestrator] %s: using existing story artifact %s", key, storyPath)
	} else {
		o.setPhase(key, models.PhaseStoryCreation)
		res := workflow.StoryCreation(ctx, o.deps, workflow.CreationParams{Key: key})
		o.recordDispatch(key, models.TaskStoryCreation, res.Result)
		if !res.Success {
			o.escalate(key, "story creation failed: "+res.Error)
			return
		}
		storyPath = res.StoryPath
		o.phaseComplete(key, models.PhaseStoryCreation, "success")
	}

	if err := o.checkpoint(ctx); err != nil {
		return
	}

	// Development. Failure here does not stop the pipeline: partial code
	// may exist, and review decides what it is worth.
	o.setPhase(key, models.PhaseInDev)
	files, batchFiles, devErr := o.develop(ctx, key, storyPath)
	devResult := "success"
	if devErr != "" {
		devResult = "failed"
		log.Printf("[orchestrator] %s: development failed (%s), proceeding to review", key, devErr)
	}
	o.phaseComplete(key, models.PhaseInDev, devResult)

	if err := o.checkpoint(ctx); err != nil {
		return
	}

	o.reviewLoop(ctx, key, storyPath, files, batchFiles)
}

// develop runs the implementation phase. Large stories are split into
// batches executed sequentially, each seeing the files modified by its
// predecessors; a failed batch is skipped with partial progress
// retained. Returns the deduplicated modified-file set, the per-batch
// file sets (nil when not batched), and a failure message.
func (o *Orchestrator) develop(ctx context.Context, key, storyPath string) ([]string, [][]string, string) {
	content, err := workflow.ReadArtifact(storyPath)
	if err != nil {
		log.Printf("[orchestrator] %s: cannot read story artifact: %v", key, err)
	}

	complexity := workflow.Analyze(content, o.cfg.Pipeline.LargeTaskThreshold)
	if !complexity.Large {
		res := workflow.Development(ctx, o.deps, workflow.DevParams{Key: key, StoryPath: storyPath})
		o.recordDispatch(key, models.TaskImplementation, res.Result)
		if !res.Success {
			return res.FilesModified, nil, nonEmpty(res.Error, "development dispatch failed")
		}
		return res.FilesModified, nil, ""
	}

	batches := workflow.PlanBatches(complexity.Tasks, o.cfg.Pipeline.TasksPerBatch)
	log.Printf("[orchestrator] %s: %d tasks, batching into %d dispatches", key, len(complexity.Tasks), len(batches))

	var files []string
	seen := make(map[string]bool)
	batchFiles := make([][]string, 0, len(batches))
	var lastErr string

	for _, batch := range batches {
		res := workflow.Development(ctx, o.deps, workflow.DevParams{
			Key:        key,
			StoryPath:  storyPath,
			BatchTasks: batch.Tasks,
			BatchIndex: batch.Index,
			BatchCount: len(batches),
			PriorFiles: files,
		})
		o.recordDispatch(key, models.TaskImplementation, res.Result)

		if !res.Success {
			lastErr = nonEmpty(res.Error, "batch dispatch failed")
			log.Printf("[orchestrator] %s: batch %d/%d failed (%s), skipping", key, batch.Index+1, len(batches), lastErr)
			continue
		}

		batchFiles = append(batchFiles, res.FilesModified)
		for _, f := range res.FilesModified {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}

	return files, batchFiles, lastErr
}

// reviewLoop runs review and fix cycles until ship, exhaustion, or a
// fatal condition.
func (o *Orchestrator) reviewLoop(ctx context.Context, key, storyPath string, files []string, batchFiles [][]string) {
	maxCycles := o.cfg.Pipeline.MaxReviewCycles
	var prevIssues []string
	prevIssueCount := -1

	for cycle := 1; ; cycle++ {
		if err := o.checkpoint(ctx); err != nil {
			return
		}
		o.setPhase(key, models.PhaseInReview)

		review := o.runReview(ctx, key, storyPath, files, batchFiles, prevIssues, cycle)

		// Phantom review: a non-ship verdict with no issues and an error
		// present has nothing actionable to fix. Retry once before
		// trusting it.
		if review.Verdict != models.VerdictShipIt && len(review.Issues) == 0 && review.Error != "" {
			log.Printf("[orchestrator] %s: phantom review (verdict %s, no issues), retrying once", key, review.Verdict)
			review = o.runReview(ctx, key, storyPath, files, batchFiles, prevIssues, cycle)
		}

		if review.Verdict == "" {
			o.escalate(key, "review failed: "+nonEmpty(review.Error, "no verdict returned"))
			return
		}

		o.mutateStory(key, func(s *models.StoryState) {
			s.ReviewCycles = cycle
			s.LastVerdict = review.Verdict
			s.Issues = review.Issues
		})
		o.persist()

		if review.Verdict == models.VerdictShipIt {
			o.completeStory(key, cycle)
			return
		}

		verdict := review.Verdict
		// A shrinking issue list means the fix agent is making progress;
		// escalate the model only for growing problems.
		if cycle > 1 && verdict == models.VerdictMajorRework && prevIssueCount >= 0 && len(review.Issues) < prevIssueCount {
			log.Printf("[orchestrator] %s: issues shrank %d -> %d, demoting major rework to minor fix", key, prevIssueCount, len(review.Issues))
			verdict = models.VerdictMinorFix
		}

		if cycle >= maxCycles {
			log.Printf("[orchestrator] %s: review cycles exhausted after %d", key, cycle)
			o.escalateExhausted(key)
			return
		}

		o.setPhase(key, models.PhaseNeedsFixes)

		model := ""
		if verdict == models.VerdictMajorRework {
			model = o.cfg.Pipeline.EscalationModel
		}
		fix := workflow.Fix(ctx, o.deps, workflow.FixParams{
			Key:       key,
			StoryPath: storyPath,
			Verdict:   verdict,
			Issues:    review.Issues,
			Model:     model,
		})
		o.recordDispatch(key, models.TaskFix, fix)

		if fix.TimedOut {
			// A stuck fix subprocess likely leaked resources; do not pay
			// for another cycle.
			o.escalate(key, "fix dispatch timed out")
			return
		}
		if !fix.Success {
			log.Printf("[orchestrator] %s: fix failed (%s), continuing to next review cycle", key, fix.Error)
		}

		prevIssues = review.Issues
		prevIssueCount = len(review.Issues)
	}
}

// runReview performs one review cycle. The first cycle of a batched
// story reviews each batch separately and aggregates the worst verdict;
// re-reviews are single dispatches scoped to the prior issue list.
func (o *Orchestrator) runReview(ctx context.Context, key, storyPath string, files []string, batchFiles [][]string, prevIssues []string, cycle int) workflow.ReviewResult {
	if cycle == 1 && len(batchFiles) > 1 {
		return o.reviewBatches(ctx, key, storyPath, batchFiles)
	}

	res := workflow.Review(ctx, o.deps, workflow.ReviewParams{
		Key:           key,
		StoryPath:     storyPath,
		FilesModified: files,
		PriorIssues:   prevIssues,
		Cycle:         cycle,
	})
	o.recordDispatch(key, models.TaskReview, res.Result)
	return res
}

// reviewBatches reviews each batch's files independently and merges the
// outcomes under the worst verdict.
func (o *Orchestrator) reviewBatches(ctx context.Context, key, storyPath string, batchFiles [][]string) workflow.ReviewResult {
	agg := workflow.ReviewResult{Verdict: models.VerdictShipIt}
	anySuccess := false

	for i, files := range batchFiles {
		res := workflow.Review(ctx, o.deps, workflow.ReviewParams{
			Key:           key,
			StoryPath:     storyPath,
			FilesModified: files,
			Cycle:         1,
		})
		o.recordDispatch(key, models.TaskReview, res.Result)

		if res.Verdict == "" {
			log.Printf("[orchestrator] %s: batch %d review returned no verdict (%s)", key, i+1, res.Error)
			agg.Error = res.Error
			continue
		}
		anySuccess = true
		agg.Verdict = agg.Verdict.Worse(res.Verdict)
		agg.Issues = append(agg.Issues, res.Issues...)
		agg.Tokens.Input += res.Tokens.Input
		agg.Tokens.Output += res.Tokens.Output
	}

	agg.Success = anySuccess
	if !anySuccess {
		agg.Verdict = ""
	}
	return agg
}

// Story state helpers. The state map is mutated only through these.

func (o *Orchestrator) mutateStory(key string, fn func(*models.StoryState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.status.Stories[key]; ok {
		fn(s)
	}
}

func (o *Orchestrator) setPhase(key string, phase models.StoryPhase) {
	o.mutateStory(key, func(s *models.StoryState) { s.Phase = phase })
	log.Printf("[orchestrator] %s: -> %s", key, phase)
	o.persist()
}

func (o *Orchestrator) phaseComplete(key string, phase models.StoryPhase, result string) {
	o.publish(events.StoryPhaseComplete, map[string]any{
		"storyKey": key,
		"phase":    string(phase),
		"result":   result,
	})
	o.persist()
}

func (o *Orchestrator) completeStory(key string, cycles int) {
	now := time.Now()
	o.mutateStory(key, func(s *models.StoryState) {
		s.Phase = models.PhaseComplete
		s.CompletedAt = &now
	})
	log.Printf("[orchestrator] %s: complete after %d review cycle(s)", key, cycles)
	o.publish(events.StoryComplete, map[string]any{
		"storyKey":     key,
		"reviewCycles": cycles,
	})
	o.persist()
}

// escalate marks a story terminally failed with an explicit error.
func (o *Orchestrator) escalate(key, reason string) {
	now := time.Now()
	var verdict models.Verdict
	var cycles int
	var issues []string
	o.mu.Lock()
	if s, ok := o.status.Stories[key]; ok {
		s.Phase = models.PhaseEscalated
		s.Error = reason
		s.CompletedAt = &now
		verdict, cycles, issues = s.LastVerdict, s.ReviewCycles, s.Issues
	}
	o.mu.Unlock()

	log.Printf("[orchestrator] %s: escalated: %s", key, reason)
	o.publish(events.StoryEscalated, map[string]any{
		"storyKey":     key,
		"lastVerdict":  string(verdict),
		"reviewCycles": cycles,
		"issues":       issues,
	})
	o.persist()
}

// escalateExhausted marks a story escalated by running out of review
// cycles; no explicit error is recorded, the issue list carries the
// diagnosis.
func (o *Orchestrator) escalateExhausted(key string) {
	now := time.Now()
	var verdict models.Verdict
	var cycles int
	var issues []string
	o.mu.Lock()
	if s, ok := o.status.Stories[key]; ok {
		s.Phase = models.PhaseEscalated
		s.CompletedAt = &now
		verdict, cycles, issues = s.LastVerdict, s.ReviewCycles, s.Issues
	}
	o.mu.Unlock()

	o.publish(events.StoryEscalated, map[string]any{
		"storyKey":     key,
		"lastVerdict":  string(verdict),
		"reviewCycles": cycles,
		"issues":       issues,
	})
	o.persist()
}

// tally counts terminal outcomes: shipped stories, escalations via
// exhausted cycles, and escalations with an explicit error.
func (o *Orchestrator) tally() models.Tally {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := models.Tally{Total: len(o.status.Stories)}
	for _, s := range o.status.Stories {
		switch s.Phase {
		case models.PhaseComplete:
			t.Completed++
		case models.PhaseEscalated:
			if s.Error != "" {
				t.Failed++
			} else {
				t.Escalated++
			}
		}
	}
	return t
}

// finish moves the run to a terminal state.
func (o *Orchestrator) finish(st models.RunState) {
	now := time.Now()
	o.mu.Lock()
	o.status.State = st
	o.status.CompletedAt = &now
	if o.status.StartedAt != nil {
		o.status.TotalDuration = now.Sub(*o.status.StartedAt)
	}
	runID := o.runID
	o.mu.Unlock()

	o.persist()
	o.finishRun(runID, st, now)
}

func (o *Orchestrator) publish(eventType events.Type, payload map[string]any) {
	if o.bus != nil {
		o.bus.Publish(eventType, payload)
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
