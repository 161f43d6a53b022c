package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foreman/pkg/models"
)

// Run represents one pipeline run over a set of story keys.
type Run struct {
	ID          string          `json:"id"`
	State       models.RunState `json:"state"`
	StoryKeys   []string        `json:"story_keys"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// Snapshot is one persisted point-in-time view of a run's story states.
type Snapshot struct {
	RunID   string
	TakenAt time.Time
	Status  *models.OrchestratorStatus
}

// DispatchRecord is the persisted record of one agent dispatch.
type DispatchRecord struct {
	ID           string
	RunID        string
	StoryKey     string
	TaskType     models.TaskType
	Status       models.DispatchStatus
	ExitCode     int
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	StartedAt    time.Time
}

// Run CRUD operations

// CreateRun inserts a new run.
func (db *DB) CreateRun(r *Run) error {
	keys, _ := json.Marshal(r.StoryKeys)

	_, err := db.Exec(`
		INSERT INTO runs (id, state, story_keys, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, string(r.State), string(keys), formatTime(r.StartedAt), nil)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil when no run exists.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, state, story_keys, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates a run's state and completion time.
func (db *DB) UpdateRun(r *Run) error {
	var completedAt *string
	if r.CompletedAt != nil {
		s := formatTime(*r.CompletedAt)
		completedAt = &s
	}

	_, err := db.Exec(`
		UPDATE runs SET state = ?, completed_at = ? WHERE id = ?
	`, string(r.State), completedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns lists all runs, optionally filtered by state, newest first.
func (db *DB) ListRuns(state *models.RunState) ([]Run, error) {
	var rows *sql.Rows
	var err error

	if state != nil {
		rows, err = db.Query(`
			SELECT id, state, story_keys, started_at, completed_at
			FROM runs WHERE state = ? ORDER BY started_at DESC
		`, string(*state))
	} else {
		rows, err = db.Query(`
			SELECT id, state, story_keys, started_at, completed_at
			FROM runs ORDER BY started_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

// LatestRun returns the most recently started run, if any.
func (db *DB) LatestRun() (*Run, error) {
	runs, err := db.ListRuns(nil)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ActiveRun returns the most recent run still in RUNNING or PAUSED state.
func (db *DB) ActiveRun() (*Run, error) {
	runs, err := db.ListRuns(nil)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].State == models.RunRunning || runs[i].State == models.RunPaused {
			return &runs[i], nil
		}
	}
	return nil, nil
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var keys string
	var startedAt string
	var completedAt sql.NullString
	if err := scan(&r.ID, &r.State, &keys, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(keys), &r.StoryKeys)
	r.StartedAt, _ = parseTime(startedAt)
	r.CompletedAt = parseNullableTime(completedAt)
	return &r, nil
}

// Snapshot operations

// SaveSnapshot persists a point-in-time status for a run. Snapshots are
// append-only; the newest one is the authoritative view.
func (db *DB) SaveSnapshot(runID string, status *models.OrchestratorStatus) error {
	body, err := yaml.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO run_snapshots (run_id, taken_at, status)
		VALUES (?, ?, ?)
	`, runID, formatTime(time.Now()), string(body))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a run.
// Returns nil when the run has no snapshots.
func (db *DB) LatestSnapshot(runID string) (*Snapshot, error) {
	row := db.QueryRow(`
		SELECT taken_at, status FROM run_snapshots
		WHERE run_id = ? ORDER BY id DESC LIMIT 1
	`, runID)

	var takenAt, body string
	err := row.Scan(&takenAt, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	var status models.OrchestratorStatus
	if err := yaml.Unmarshal([]byte(body), &status); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	snap := &Snapshot{RunID: runID, Status: &status}
	snap.TakenAt, _ = parseTime(takenAt)
	return snap, nil
}

// SnapshotCount returns the number of snapshots recorded for a run.
func (db *DB) SnapshotCount(runID string) (int, error) {
	var n int
	row := db.QueryRow(`SELECT COUNT(*) FROM run_snapshots WHERE run_id = ?`, runID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("snapshot count: %w", err)
	}
	return n, nil
}

// Dispatch record operations

// RecordDispatch persists the terminal record of one agent dispatch.
func (db *DB) RecordDispatch(d *DispatchRecord) error {
	_, err := db.Exec(`
		INSERT INTO dispatches (id, run_id, story_key, task_type, status, exit_code,
			duration_ms, input_tokens, output_tokens, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.RunID, d.StoryKey, string(d.TaskType), string(d.Status), d.ExitCode,
		d.Duration.Milliseconds(), d.InputTokens, d.OutputTokens, formatTime(d.StartedAt))
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// ListDispatches lists all dispatch records for a run, oldest first.
func (db *DB) ListDispatches(runID string) ([]DispatchRecord, error) {
	rows, err := db.Query(`
		SELECT id, run_id, story_key, task_type, status, exit_code,
			duration_ms, input_tokens, output_tokens, started_at
		FROM dispatches WHERE run_id = ? ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var d DispatchRecord
		var durationMs int64
		var startedAt string
		if err := rows.Scan(&d.ID, &d.RunID, &d.StoryKey, &d.TaskType, &d.Status,
			&d.ExitCode, &durationMs, &d.InputTokens, &d.OutputTokens, &startedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		d.Duration = time.Duration(durationMs) * time.Millisecond
		d.StartedAt, _ = parseTime(startedAt)
		records = append(records, d)
	}
	return records, nil
}

// TokenTotals sums the token usage across all dispatches for a run.
func (db *DB) TokenTotals(runID string) (input, output int, err error) {
	row := db.QueryRow(`
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM dispatches WHERE run_id = ?
	`, runID)
	if err := row.Scan(&input, &output); err != nil {
		return 0, 0, fmt.Errorf("token totals: %w", err)
	}
	return input, output, nil
}
