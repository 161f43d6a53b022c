package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgeworks/foreman/internal/config"
	"github.com/forgeworks/foreman/internal/dispatch"
	"github.com/forgeworks/foreman/internal/events"
	"github.com/forgeworks/foreman/internal/orchestrator"
	"github.com/forgeworks/foreman/internal/state"
	"github.com/forgeworks/foreman/internal/workflow"
	"github.com/forgeworks/foreman/pkg/models"
)

var (
	runAgent       string
	runConcurrency int
	runSequential  bool
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run <story-key>...",
	Short: "Drive stories through the delivery pipeline",
	Long: `Run one or more stories through create -> implement -> review -> fix.

Each story key (e.g. AUTH-12) gets its own pipeline. Stories whose
artifacts declare overlapping file ownership are grouped and run
sequentially; independent groups run concurrently up to the configured
ceiling. A story artifact already present under the stories directory
skips the creation phase.

Progress is persisted after every phase transition; watch it from
another terminal with 'foreman status --watch'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", "claude", "Agent adapter to dispatch")
	runCmd.Flags().IntVar(&runConcurrency, "max-concurrency", 0, "Override the concurrency ceiling")
	runCmd.Flags().BoolVar(&runSequential, "sequential", false, "Run all stories in one sequential group")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Stream raw agent output")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runConcurrency > 0 {
		cfg.Dispatch.MaxConcurrency = runConcurrency
	}

	registry := dispatch.DefaultRegistry()
	adapter, ok := registry.Lookup(runAgent)
	if !ok {
		return fmt.Errorf("unknown agent adapter %q (available: %v)", runAgent, registry.Names())
	}
	if err := CheckAgentCLI(adapter.Command); err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.StoriesDir, 0755); err != nil {
		return fmt.Errorf("create stories directory: %w", err)
	}

	bus := events.NewBus(256)

	engine := dispatch.NewEngine(dispatch.EngineConfig{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		Timeouts:       cfg.Timeouts,
		GracePeriod:    cfg.Dispatch.ShutdownGrace,
		MaxKillWait:    cfg.Dispatch.ShutdownMaxWait,
		Registry:       registry,
		Bus:            bus,
	})

	// The run store is best-effort: a broken database degrades to an
	// unpersisted run rather than blocking work.
	var store *state.DB
	if db, err := state.Open(cfg.Paths.StateDB); err != nil {
		log.Printf("[foreman] WARNING: run store unavailable: %v", err)
	} else if err := db.Migrate(); err != nil {
		log.Printf("[foreman] WARNING: run store migration failed: %v", err)
		db.Close()
	} else {
		store = db
		defer store.Close()
	}

	var part orchestrator.Partitioner
	if runSequential {
		part = orchestrator.SingleGroupPartitioner{}
	}

	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Deps: workflow.Deps{
			Dispatcher: workflow.EngineDispatcher{Engine: engine},
			Agent:      runAgent,
			StoriesDir: cfg.Paths.StoriesDir,
			WorkingDir: cwd,
			Decisions:  workflow.FileDecisions{Dir: ".foreman"},
		},
		Bus:         bus,
		Store:       store,
		Partitioner: part,
	})

	// First interrupt stops cooperatively; agents get a graceful
	// shutdown with the configured grace period.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		color.Yellow("interrupt: stopping at the next phase boundary, shutting down agents")
		orch.Stop()
		engine.Shutdown()
	}()

	sub, unsubscribe := bus.Subscribe()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printEvents(sub)
	}()

	status := orch.Run(cmd.Context(), args)

	engine.Shutdown()
	signal.Stop(sigCh)
	unsubscribe()
	<-printerDone

	printSummary(status)
	if status.State == models.RunFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}

// printEvents renders bus notifications as they arrive.
func printEvents(sub <-chan events.Event) {
	for ev := range sub {
		switch ev.Type {
		case events.AgentSpawned:
			color.Cyan("  agent %v started (%v)", ev.Payload["dispatchId"], ev.Payload["taskType"])
		case events.AgentCompleted:
			color.Green("  agent %v finished", ev.Payload["dispatchId"])
		case events.AgentFailed:
			color.Red("  agent %v failed: %v", ev.Payload["dispatchId"], ev.Payload["error"])
		case events.AgentTimeout:
			color.Yellow("  agent %v timed out after %vms", ev.Payload["dispatchId"], ev.Payload["timeoutMs"])
		case events.AgentOutput:
			if runVerbose {
				fmt.Print(ev.Payload["data"])
			}
		case events.StoryPhaseComplete:
			fmt.Printf("%v: %v %v\n", ev.Payload["storyKey"], ev.Payload["phase"], ev.Payload["result"])
		case events.StoryComplete:
			color.Green("%v: shipped after %v review cycle(s)", ev.Payload["storyKey"], ev.Payload["reviewCycles"])
		case events.StoryEscalated:
			color.Red("%v: escalated (verdict %v after %v cycle(s))",
				ev.Payload["storyKey"], ev.Payload["lastVerdict"], ev.Payload["reviewCycles"])
		case events.RunPaused:
			color.Yellow("pipeline paused")
		case events.RunResumed:
			color.Yellow("pipeline resumed")
		}
	}
}

// printSummary renders the final per-story outcome table.
func printSummary(status models.OrchestratorStatus) {
	fmt.Println()
	fmt.Printf("Run %s in %s\n", status.State, status.TotalDuration.Round(time.Second))
	for key, story := range status.Stories {
		line := fmt.Sprintf("  %-12s %-10s cycles=%d", key, story.Phase, story.ReviewCycles)
		switch story.Phase {
		case models.PhaseComplete:
			color.Green("%s", line)
		case models.PhaseEscalated:
			color.Red("%s", line)
			if story.Error != "" {
				color.Red("    error: %s", story.Error)
			}
			for _, issue := range story.Issues {
				color.Red("    issue: %s", issue)
			}
		default:
			color.Yellow("%s", line)
		}
	}
}
