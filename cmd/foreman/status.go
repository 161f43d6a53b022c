package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/forgeworks/foreman/internal/config"
	"github.com/forgeworks/foreman/internal/state"
	"github.com/forgeworks/foreman/pkg/models"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show pipeline run state",
	Long: `Display the persisted state of a pipeline run.

Without arguments, shows the active run if one exists, otherwise the
most recent run. Pass a run ID to inspect a specific run.

With --watch, re-renders whenever the run database changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Re-render on state changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Paths.StateDB
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs yet. Start one with 'foreman run <story-key>'.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate run store: %w", err)
	}

	var runID string
	if len(args) == 1 {
		runID = args[0]
	}

	if err := renderRun(db, runID); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}
	return watchRun(db, dbPath, runID)
}

// pickRun resolves which run to display: an explicit ID, else the
// active run, else the most recent.
func pickRun(db *state.DB, runID string) (*state.Run, error) {
	if runID != "" {
		run, err := db.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("no run %q", runID)
		}
		return run, nil
	}

	run, err := db.ActiveRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		run, err = db.LatestRun()
		if err != nil {
			return nil, err
		}
	}
	return run, nil
}

func renderRun(db *state.DB, runID string) error {
	run, err := pickRun(db, runID)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No runs yet. Start one with 'foreman run <story-key>'.")
		return nil
	}

	fmt.Printf("Run %s: ", run.ID)
	switch run.State {
	case models.RunRunning:
		color.Cyan("%s", run.State)
	case models.RunPaused:
		color.Yellow("%s", run.State)
	case models.RunComplete:
		color.Green("%s", run.State)
	case models.RunFailed:
		color.Red("%s", run.State)
	default:
		fmt.Println(run.State)
	}

	elapsed := time.Since(run.StartedAt)
	if run.CompletedAt != nil {
		elapsed = run.CompletedAt.Sub(run.StartedAt)
	}
	fmt.Printf("  Started: %s (%s)\n", run.StartedAt.Local().Format(time.RFC822), elapsed.Round(time.Second))

	snap, err := db.LatestSnapshot(run.ID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		renderStories(snap.Status)
	}

	in, out, err := db.TokenTotals(run.ID)
	if err == nil && (in > 0 || out > 0) {
		fmt.Printf("  Tokens: ~%d in / ~%d out\n", in, out)
	}
	return nil
}

func renderStories(status *models.OrchestratorStatus) {
	keys := make([]string, 0, len(status.Stories))
	for key := range status.Stories {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Println("  Stories:")
	for _, key := range keys {
		story := status.Stories[key]
		line := fmt.Sprintf("    %-12s %-18s cycles=%d", key, story.Phase, story.ReviewCycles)
		switch story.Phase {
		case models.PhaseComplete:
			color.Green("%s", line)
		case models.PhaseEscalated:
			color.Red("%s", line)
			if story.Error != "" {
				color.Red("      error: %s", story.Error)
			}
		case models.PhasePending:
			fmt.Println(line)
		default:
			color.Yellow("%s", line)
		}
	}
}

// watchRun re-renders on changes to the run database until interrupted.
// SQLite in WAL mode writes sidecar files next to the database, so the
// whole directory is watched.
func watchRun(db *state.DB, dbPath, runID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(dbPath), err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Coalesce bursts of writes into one re-render.
	var pending *time.Timer
	redraw := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case redraw <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(200 * time.Millisecond)
			}
		case <-redraw:
			pending = nil
			fmt.Print("\033[H\033[2J")
			if err := renderRun(db, runID); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		case <-sigCh:
			return nil
		}
	}
}
