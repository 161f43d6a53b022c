package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeworks/foreman/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Foreman configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/foreman/config.yaml
Project-specific overrides can be placed in .foreman.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("dispatch.max_concurrency: %d\n", cfg.Dispatch.MaxConcurrency)
	fmt.Printf("dispatch.shutdown_grace: %s\n", cfg.Dispatch.ShutdownGrace)
	fmt.Printf("dispatch.shutdown_max_wait: %s\n", cfg.Dispatch.ShutdownMaxWait)
	fmt.Printf("pipeline.max_review_cycles: %d\n", cfg.Pipeline.MaxReviewCycles)
	fmt.Printf("pipeline.large_task_threshold: %d\n", cfg.Pipeline.LargeTaskThreshold)
	fmt.Printf("pipeline.tasks_per_batch: %d\n", cfg.Pipeline.TasksPerBatch)
	fmt.Printf("pipeline.escalation_model: %s\n", cfg.Pipeline.EscalationModel)
	fmt.Printf("timeouts.global: %s\n", cfg.Timeouts.Global)
	fmt.Printf("timeouts.story_creation: %s\n", cfg.Timeouts.StoryCreation)
	fmt.Printf("timeouts.implement: %s\n", cfg.Timeouts.Implement)
	fmt.Printf("timeouts.review: %s\n", cfg.Timeouts.Review)
	fmt.Printf("timeouts.fix: %s\n", cfg.Timeouts.Fix)
	fmt.Printf("paths.stories_dir: %s\n", cfg.Paths.StoriesDir)
	fmt.Printf("paths.state_db: %s\n", cfg.Paths.StateDB)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "dispatch.max_concurrency":
		return strconv.Itoa(cfg.Dispatch.MaxConcurrency), nil
	case "dispatch.shutdown_grace":
		return cfg.Dispatch.ShutdownGrace.String(), nil
	case "dispatch.shutdown_max_wait":
		return cfg.Dispatch.ShutdownMaxWait.String(), nil
	case "pipeline.max_review_cycles":
		return strconv.Itoa(cfg.Pipeline.MaxReviewCycles), nil
	case "pipeline.large_task_threshold":
		return strconv.Itoa(cfg.Pipeline.LargeTaskThreshold), nil
	case "pipeline.tasks_per_batch":
		return strconv.Itoa(cfg.Pipeline.TasksPerBatch), nil
	case "pipeline.escalation_model":
		return cfg.Pipeline.EscalationModel, nil
	case "timeouts.global":
		return cfg.Timeouts.Global.String(), nil
	case "timeouts.story_creation":
		return cfg.Timeouts.StoryCreation.String(), nil
	case "timeouts.implement":
		return cfg.Timeouts.Implement.String(), nil
	case "timeouts.review":
		return cfg.Timeouts.Review.String(), nil
	case "timeouts.fix":
		return cfg.Timeouts.Fix.String(), nil
	case "paths.stories_dir":
		return cfg.Paths.StoriesDir, nil
	case "paths.state_db":
		return cfg.Paths.StateDB, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "dispatch.max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for max_concurrency: %s", value)
		}
		cfg.Dispatch.MaxConcurrency = n
	case "dispatch.shutdown_grace":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for shutdown_grace: %w", err)
		}
		cfg.Dispatch.ShutdownGrace = d
	case "dispatch.shutdown_max_wait":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for shutdown_max_wait: %w", err)
		}
		cfg.Dispatch.ShutdownMaxWait = d
	case "pipeline.max_review_cycles":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for max_review_cycles: %s", value)
		}
		cfg.Pipeline.MaxReviewCycles = n
	case "pipeline.large_task_threshold":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for large_task_threshold: %s", value)
		}
		cfg.Pipeline.LargeTaskThreshold = n
	case "pipeline.tasks_per_batch":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for tasks_per_batch: %s", value)
		}
		cfg.Pipeline.TasksPerBatch = n
	case "pipeline.escalation_model":
		cfg.Pipeline.EscalationModel = value
	case "timeouts.global":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.global: %w", err)
		}
		cfg.Timeouts.Global = d
	case "timeouts.story_creation":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.story_creation: %w", err)
		}
		cfg.Timeouts.StoryCreation = d
	case "timeouts.implement":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.implement: %w", err)
		}
		cfg.Timeouts.Implement = d
	case "timeouts.review":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.review: %w", err)
		}
		cfg.Timeouts.Review = d
	case "timeouts.fix":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.fix: %w", err)
		}
		cfg.Timeouts.Fix = d
	case "paths.stories_dir":
		cfg.Paths.StoriesDir = value
	case "paths.state_db":
		cfg.Paths.StateDB = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
