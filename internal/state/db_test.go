package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestOpen_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".foreman", "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)

	// A second migration pass must be a no-op.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestProjectDBPath(t *testing.T) {
	got := ProjectDBPath("/work/repo")
	want := filepath.Join("/work/repo", ".foreman", "state.db")
	if got != want {
		t.Errorf("ProjectDBPath = %q, want %q", got, want)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := testDB(t)

	old := &Run{
		ID:        "run-old",
		State:     models.RunComplete,
		StoryKeys: []string{"AUTH-1"},
		StartedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &Run{
		ID:        "run-new",
		State:     models.RunRunning,
		StoryKeys: []string{"AUTH-2"},
		StartedAt: time.Now(),
	}
	for _, r := range []*Run{old, recent} {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
	}

	deleted, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if r, _ := db.GetRun("run-old"); r != nil {
		t.Error("old run should be purged")
	}
	if r, _ := db.GetRun("run-new"); r == nil {
		t.Error("recent run should survive the purge")
	}
}
