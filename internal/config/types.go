// Package config provides configuration loading and management for jobmatrix.
//
// Configuration is loaded using Viper, supporting YAML config files and
// environment variable overrides. The defaults work out of the box: runs
// execute in the current directory with bash, and cache, artifacts and run
// reports live under ./.jobmatrix.
//
// Key types:
//   - [Config] is the root configuration container with all settings
//   - [Loader] handles Viper-based configuration loading
//   - [RunnerConfig] controls how job instances execute
//
// Configuration priority (highest to lowest):
//  1. Environment variables (JOBMATRIX_ prefix, e.g. JOBMATRIX_RUNNER_SHELL)
//  2. Config file specified by JOBMATRIX_CONFIG_PATH
//  3. User config directory (platform-standard):
//     - Linux: ~/.config/jobmatrix/config.yaml
//     - macOS: ~/Library/Application Support/jobmatrix/config.yaml
//     - Windows: %APPDATA%\jobmatrix\config.yaml
//  4. ./.jobmatrix.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"fmt"

	"jobmatrix/internal/shell"
)

// Config represents the root configuration structure.
type Config struct {
	// Runner controls step execution.
	Runner RunnerConfig `mapstructure:"runner"`

	// Cache configures the cache store used by actions/cache.
	Cache CacheConfig `mapstructure:"cache"`

	// Artifacts configures the store used by actions/upload-artifact.
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`

	// State configures where run reports are kept.
	State StateConfig `mapstructure:"state"`

	// Log configures the structured logger on stderr.
	Log LogConfig `mapstructure:"log"`

	// Output contains terminal output formatting configuration.
	Output OutputConfig `mapstructure:"output"`

	// Expressions controls expression evaluation.
	Expressions ExpressionsConfig `mapstructure:"expressions"`
}

// RunnerConfig controls how job instances execute.
type RunnerConfig struct {
	// Shell is the default shell for run steps that name none.
	// Default: "bash"
	Shell string `mapstructure:"shell"`

	// Workspace is the directory steps run in.
	// Default: "."
	Workspace string `mapstructure:"workspace"`

	// MaxParallel bounds the instances running at once across all jobs.
	// Zero means unbounded.
	MaxParallel int `mapstructure:"max_parallel"`

	// OS overrides runner.os. Empty derives it from the host.
	OS string `mapstructure:"os"`

	// TempDir is exposed as runner.temp and RUNNER_TEMP.
	// Empty uses the system temp directory.
	TempDir string `mapstructure:"temp_dir"`

	// Docker is the binary used for container jobs.
	// Default: "docker"
	Docker string `mapstructure:"docker"`
}

// CacheConfig configures the cache store.
type CacheConfig struct {
	// Dir holds cache archives and their metadata.
	// Default: ".jobmatrix/cache"
	Dir string `mapstructure:"dir"`

	// Enabled turns cache restore and save on. When false, cache steps
	// always miss and never save.
	// Default: true
	Enabled bool `mapstructure:"enabled"`
}

// ArtifactsConfig configures the artifact store.
type ArtifactsConfig struct {
	// Dir holds uploaded artifacts, one subdirectory per run.
	// Default: ".jobmatrix/artifacts"
	Dir string `mapstructure:"dir"`
}

// StateConfig configures run report storage.
type StateConfig struct {
	// Dir holds one YAML report per run.
	// Default: ".jobmatrix/runs"
	Dir string `mapstructure:"dir"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "warn"
	Level string `mapstructure:"level"`

	// Format is text or json.
	// Default: "text"
	Format string `mapstructure:"format"`
}

// OutputConfig contains terminal output formatting configuration.
type OutputConfig struct {
	// TruncateLines caps the live output lines shown per step. Additional
	// lines are hidden behind a truncation marker; the summary of a failed
	// instance still prints its complete log. 0 shows all.
	// Default: 0
	TruncateLines int `mapstructure:"truncate_lines"`

	// Color enables styled output.
	// Default: true
	Color bool `mapstructure:"color"`
}

// ExpressionsConfig controls expression evaluation.
type ExpressionsConfig struct {
	// Strict turns unresolved references into errors instead of empty
	// strings with a logged warning.
	Strict bool `mapstructure:"strict"`
}

// DefaultConfig returns a new [Config] with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			Shell:     "bash",
			Workspace: ".",
			Docker:    "docker",
		},
		Cache: CacheConfig{
			Dir:     ".jobmatrix/cache",
			Enabled: true,
		},
		Artifacts: ArtifactsConfig{Dir: ".jobmatrix/artifacts"},
		State:     StateConfig{Dir: ".jobmatrix/runs"},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Output: OutputConfig{
			TruncateLines: 0,
			Color:         true,
		},
	}
}

// Validate checks settings that would otherwise fail late, mid-run.
func (c *Config) Validate() error {
	if _, err := shell.ResolveDialect(c.Runner.Shell); err != nil {
		return fmt.Errorf("runner.shell: %w", err)
	}
	if c.Runner.MaxParallel < 0 {
		return fmt.Errorf("runner.max_parallel must not be negative, got %d", c.Runner.MaxParallel)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Output.TruncateLines < 0 {
		return fmt.Errorf("output.truncate_lines must not be negative, got %d", c.Output.TruncateLines)
	}
	return nil
}
