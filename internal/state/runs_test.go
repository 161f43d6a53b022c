package state

import (
	"testing"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

func TestRunRoundTrip(t *testing.T) {
	db := testDB(t)

	started := time.Now().Truncate(time.Second)
	run := &Run{
		ID:        "run-abc123",
		State:     models.RunRunning,
		StoryKeys: []string{"AUTH-1", "AUTH-2"},
		StartedAt: started,
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := db.GetRun("run-abc123")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for existing run")
	}
	if got.State != models.RunRunning {
		t.Errorf("State = %q, want RUNNING", got.State)
	}
	if len(got.StoryKeys) != 2 || got.StoryKeys[0] != "AUTH-1" {
		t.Errorf("StoryKeys = %v", got.StoryKeys)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running run")
	}

	done := time.Now().Truncate(time.Second)
	got.State = models.RunComplete
	got.CompletedAt = &done
	if err := db.UpdateRun(got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	updated, err := db.GetRun("run-abc123")
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if updated.State != models.RunComplete {
		t.Errorf("State = %q, want COMPLETE", updated.State)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt should be set after update")
	}
}

func TestGetRun_Missing(t *testing.T) {
	db := testDB(t)

	got, err := db.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("GetRun = %+v, want nil for missing run", got)
	}
}

func TestActiveRun(t *testing.T) {
	db := testDB(t)

	runs := []*Run{
		{ID: "run-1", State: models.RunComplete, StartedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "run-2", State: models.RunPaused, StartedAt: time.Now().Add(-1 * time.Hour)},
		{ID: "run-3", State: models.RunFailed, StartedAt: time.Now()},
	}
	for _, r := range runs {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
	}

	active, err := db.ActiveRun()
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if active == nil || active.ID != "run-2" {
		t.Errorf("ActiveRun = %+v, want run-2 (paused counts as active)", active)
	}

	latest, err := db.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest == nil || latest.ID != "run-3" {
		t.Errorf("LatestRun = %+v, want run-3", latest)
	}
}

func TestSnapshots_LatestWins(t *testing.T) {
	db := testDB(t)

	run := &Run{ID: "run-snap", State: models.RunRunning, StartedAt: time.Now()}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first := &models.OrchestratorStatus{
		State: models.RunRunning,
		Stories: map[string]*models.StoryState{
			"AUTH-1": {Phase: models.PhaseInDev},
		},
	}
	second := &models.OrchestratorStatus{
		State: models.RunRunning,
		Stories: map[string]*models.StoryState{
			"AUTH-1": {Phase: models.PhaseComplete, ReviewCycles: 1},
		},
	}
	for _, s := range []*models.OrchestratorStatus{first, second} {
		if err := db.SaveSnapshot("run-snap", s); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	snap, err := db.LatestSnapshot("run-snap")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("LatestSnapshot returned nil")
	}
	story := snap.Status.Stories["AUTH-1"]
	if story == nil || story.Phase != models.PhaseComplete {
		t.Errorf("latest snapshot story = %+v, want COMPLETE phase", story)
	}
	if story != nil && story.ReviewCycles != 1 {
		t.Errorf("ReviewCycles = %d, want 1", story.ReviewCycles)
	}

	count, err := db.SnapshotCount("run-snap")
	if err != nil {
		t.Fatalf("SnapshotCount: %v", err)
	}
	if count != 2 {
		t.Errorf("SnapshotCount = %d, want 2", count)
	}
}

func TestLatestSnapshot_Missing(t *testing.T) {
	db := testDB(t)

	snap, err := db.LatestSnapshot("no-such-run")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap != nil {
		t.Errorf("LatestSnapshot = %+v, want nil", snap)
	}
}

func TestDispatchRecords(t *testing.T) {
	db := testDB(t)

	records := []*DispatchRecord{
		{
			ID:           "d-1",
			RunID:        "run-x",
			StoryKey:     "AUTH-1",
			TaskType:     models.TaskImplementation,
			Status:       models.DispatchCompleted,
			Duration:     90 * time.Second,
			InputTokens:  1200,
			OutputTokens: 3400,
			StartedAt:    time.Now().Add(-5 * time.Minute),
		},
		{
			ID:           "d-2",
			RunID:        "run-x",
			StoryKey:     "AUTH-1",
			TaskType:     models.TaskReview,
			Status:       models.DispatchTimeout,
			ExitCode:     -1,
			Duration:     10 * time.Minute,
			InputTokens:  800,
			OutputTokens: 100,
			StartedAt:    time.Now(),
		},
	}
	for _, d := range records {
		if err := db.RecordDispatch(d); err != nil {
			t.Fatalf("RecordDispatch(%s): %v", d.ID, err)
		}
	}

	list, err := db.ListDispatches("run-x")
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListDispatches returned %d records, want 2", len(list))
	}
	if list[0].ID != "d-1" {
		t.Errorf("records out of order: first = %s, want d-1", list[0].ID)
	}
	if list[1].Status != models.DispatchTimeout {
		t.Errorf("d-2 status = %q, want timeout", list[1].Status)
	}
	if list[0].Duration != 90*time.Second {
		t.Errorf("d-1 duration = %v, want 90s", list[0].Duration)
	}

	in, out, err := db.TokenTotals("run-x")
	if err != nil {
		t.Fatalf("TokenTotals: %v", err)
	}
	if in != 2000 || out != 3500 {
		t.Errorf("TokenTotals = (%d, %d), want (2000, 3500)", in, out)
	}
}
