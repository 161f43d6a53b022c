// Package config handles configuration loading and management for Foreman.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/forgeworks/foreman/pkg/models"
)

// Config holds all configuration for Foreman.
type Config struct {
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// DispatchConfig holds dispatch engine settings.
type DispatchConfig struct {
	// MaxConcurrency is the global ceiling on concurrently running agents.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// ShutdownGrace is how long to wait after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// ShutdownMaxWait bounds the post-kill drain poll during shutdown.
	ShutdownMaxWait time.Duration `mapstructure:"shutdown_max_wait"`
}

// PipelineConfig holds orchestrator pipeline settings.
type PipelineConfig struct {
	// MaxReviewCycles bounds the review/fix loop per story.
	MaxReviewCycles int `mapstructure:"max_review_cycles"`
	// LargeTaskThreshold is the task count at which a story is batched.
	LargeTaskThreshold int `mapstructure:"large_task_threshold"`
	// TasksPerBatch is the number of tasks per implementation batch.
	TasksPerBatch int `mapstructure:"tasks_per_batch"`
	// EscalationModel is the model used for major-rework fix dispatches.
	EscalationModel string `mapstructure:"escalation_model"`
}

// TimeoutsConfig holds dispatch timeout settings per task type.
type TimeoutsConfig struct {
	// Global is the fallback timeout for any task type not listed.
	Global        time.Duration `mapstructure:"global"`
	StoryCreation time.Duration `mapstructure:"story_creation"`
	Implement     time.Duration `mapstructure:"implement"`
	Review        time.Duration `mapstructure:"review"`
	Fix           time.Duration `mapstructure:"fix"`
}

// ForTaskType returns the configured timeout for a task type,
// falling back to the global default.
func (t TimeoutsConfig) ForTaskType(taskType models.TaskType) time.Duration {
	var d time.Duration
	switch taskType {
	case models.TaskStoryCreation:
		d = t.StoryCreation
	case models.TaskImplementation:
		d = t.Implement
	case models.TaskReview:
		d = t.Review
	case models.TaskFix:
		d = t.Fix
	}
	if d <= 0 {
		return t.Global
	}
	return d
}

// PathsConfig holds filesystem locations for pipeline artifacts.
type PathsConfig struct {
	// StoriesDir is where story artifact files are written and discovered.
	StoriesDir string `mapstructure:"stories_dir"`
	// StateDB is the path to the pipeline run database.
	StateDB string `mapstructure:"state_db"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_*)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("dispatch.max_concurrency", cfg.Dispatch.MaxConcurrency)
	v.Set("dispatch.shutdown_grace", cfg.Dispatch.ShutdownGrace.String())
	v.Set("dispatch.shutdown_max_wait", cfg.Dispatch.ShutdownMaxWait.String())
	v.Set("pipeline.max_review_cycles", cfg.Pipeline.MaxReviewCycles)
	v.Set("pipeline.large_task_threshold", cfg.Pipeline.LargeTaskThreshold)
	v.Set("pipeline.tasks_per_batch", cfg.Pipeline.TasksPerBatch)
	v.Set("pipeline.escalation_model", cfg.Pipeline.EscalationModel)
	v.Set("timeouts.global", cfg.Timeouts.Global.String())
	v.Set("timeouts.story_creation", cfg.Timeouts.StoryCreation.String())
	v.Set("timeouts.implement", cfg.Timeouts.Implement.String())
	v.Set("timeouts.review", cfg.Timeouts.Review.String())
	v.Set("timeouts.fix", cfg.Timeouts.Fix.String())
	v.Set("paths.stories_dir", cfg.Paths.StoriesDir)
	v.Set("paths.state_db", cfg.Paths.StateDB)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Dispatch defaults
	v.SetDefault("dispatch.max_concurrency", 3)
	v.SetDefault("dispatch.shutdown_grace", "5s")
	v.SetDefault("dispatch.shutdown_max_wait", "30s")

	// Pipeline defaults
	v.SetDefault("pipeline.max_review_cycles", 3)
	v.SetDefault("pipeline.large_task_threshold", 8)
	v.SetDefault("pipeline.tasks_per_batch", 5)
	v.SetDefault("pipeline.escalation_model", "opus")

	// Timeout defaults
	v.SetDefault("timeouts.global", "10m")
	v.SetDefault("timeouts.story_creation", "5m")
	v.SetDefault("timeouts.implement", "15m")
	v.SetDefault("timeouts.review", "10m")
	v.SetDefault("timeouts.fix", "15m")

	// Path defaults
	v.SetDefault("paths.stories_dir", filepath.Join(".foreman", "stories"))
	v.SetDefault("paths.state_db", filepath.Join(".foreman", "state.db"))
}

// getUserConfigDir returns the XDG config directory for Foreman.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foreman")
	}

	// Fall back to ~/.config/foreman
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foreman")
	}
	return filepath.Join(home, ".config", "foreman")
}

// findProjectConfig searches for .foreman.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".foreman.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			MaxConcurrency:  3,
			ShutdownGrace:   5 * time.Second,
			ShutdownMaxWait: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxReviewCycles:    3,
			LargeTaskThreshold: 8,
			TasksPerBatch:      5,
			EscalationModel:    "opus",
		},
		Timeouts: TimeoutsConfig{
			Global:        10 * time.Minute,
			StoryCreation: 5 * time.Minute,
			Implement:     15 * time.Minute,
			Review:        10 * time.Minute,
			Fix:           15 * time.Minute,
		},
		Paths: PathsConfig{
			StoriesDir: filepath.Join(".foreman", "stories"),
			StateDB:    filepath.Join(".foreman", "state.db"),
		},
	}
}
