package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appName        = "jobmatrix"
	envPrefix      = "JOBMATRIX"
	configFileName = "config.yaml"
	localFileName  = ".jobmatrix.yaml"
)

// ConfigPathEnv names an explicit config file.
const ConfigPathEnv = envPrefix + "_CONFIG_PATH"

// Loader handles Viper-based configuration loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults registered and environment
// overrides enabled. Nested keys map to variables with dots replaced by
// underscores: runner.max_parallel is JOBMATRIX_RUNNER_MAX_PARALLEL.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return &Loader{v: v}
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal even when no config file mentions it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("runner.shell", d.Runner.Shell)
	v.SetDefault("runner.workspace", d.Runner.Workspace)
	v.SetDefault("runner.max_parallel", d.Runner.MaxParallel)
	v.SetDefault("runner.os", d.Runner.OS)
	v.SetDefault("runner.temp_dir", d.Runner.TempDir)
	v.SetDefault("runner.docker", d.Runner.Docker)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("output.truncate_lines", d.Output.TruncateLines)
	v.SetDefault("output.color", d.Output.Color)
	v.SetDefault("expressions.strict", d.Expressions.Strict)
}

// Load resolves the config file by the documented search order and returns
// the merged configuration. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return l.unmarshal()
	}
	return l.LoadFromFile(path)
}

// LoadFromFile reads the config file at path. The format follows the file
// extension.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad loads the configuration and panics on error.
func MustLoad() *Config {
	cfg, err := NewLoader().Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// findConfigFile returns the first config file in the search order, or ""
// when none exists. An explicit JOBMATRIX_CONFIG_PATH must exist.
func findConfigFile() (string, error) {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s: %w", ConfigPathEnv, err)
		}
		return path, nil
	}

	candidates := []string{localFileName}
	if path, err := DefaultConfigPath(); err == nil {
		candidates = append([]string{path}, candidates...)
	}
	for _, path := range candidates {
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking config file %s: %w", path, err)
		}
	}
	return "", nil
}

// ConfigDir returns the platform-standard jobmatrix config directory.
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// DefaultConfigPath returns the config file inside [ConfigDir].
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}
