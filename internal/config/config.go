// Package config loads fsd settings from .fsd/config.yaml and FSD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. FSD_RETRY_MAX_RETRIES.
const EnvPrefix = "FSD"

// DefaultStateDir is the reserved metadata directory at the repository root.
const DefaultStateDir = ".fsd"

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete fsd configuration.
type Config struct {
	StateDir      string           `yaml:"state_dir" mapstructure:"state_dir"`
	ParallelTasks int              `yaml:"parallel_tasks" mapstructure:"parallel_tasks"`
	Agent         AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Timeouts      TimeoutsConfig   `yaml:"timeouts" mapstructure:"timeouts"`
	Retry         RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Checkpoint    CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Git           GitConfig        `yaml:"git" mapstructure:"git"`
	State         StateConfig      `yaml:"state" mapstructure:"state"`
	Logging       LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// AgentConfig selects the agent command.
type AgentConfig struct {
	Command    string `yaml:"command" mapstructure:"command"`
	WorkingDir string `yaml:"working_dir,omitempty" mapstructure:"working_dir"`
}

// TimeoutsConfig bounds each agent invocation by phase.
type TimeoutsConfig struct {
	Planning   time.Duration `yaml:"planning" mapstructure:"planning"`
	Execution  time.Duration `yaml:"execution" mapstructure:"execution"`
	Validation time.Duration `yaml:"validation" mapstructure:"validation"`
	Recovery   time.Duration `yaml:"recovery" mapstructure:"recovery"`
}

// RetryConfig controls the validation/recovery loop.
type RetryConfig struct {
	MaxRetries               int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryOnValidationFailure bool          `yaml:"retry_on_validation_failure" mapstructure:"retry_on_validation_failure"`
	RetryOnExecutionError    bool          `yaml:"retry_on_execution_error" mapstructure:"retry_on_execution_error"`
	AllowPartialSuccess      bool          `yaml:"allow_partial_success" mapstructure:"allow_partial_success"`
	Backoff                  bool          `yaml:"backoff" mapstructure:"backoff"`
	BaseDelay                time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay                 time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// CheckpointConfig controls checkpoint tagging and retention.
type CheckpointConfig struct {
	TagNamespace  string        `yaml:"tag_namespace" mapstructure:"tag_namespace"`
	CreateTags    bool          `yaml:"create_tags" mapstructure:"create_tags"`
	KeepLatest    int           `yaml:"keep_latest" mapstructure:"keep_latest"`
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold"`
}

// GitConfig is the identity used for checkpoint commits. Empty fields fall
// back to the repository's own configuration.
type GitConfig struct {
	UserName  string `yaml:"user_name" mapstructure:"user_name"`
	UserEmail string `yaml:"user_email" mapstructure:"user_email"`
}

// StateConfig selects the state persistence backend.
type StateConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		StateDir:      DefaultStateDir,
		ParallelTasks: 1,
		Agent: AgentConfig{
			Command: "claude --dangerously-skip-permissions",
		},
		Timeouts: TimeoutsConfig{
			Planning:   5 * time.Minute,
			Execution:  30 * time.Minute,
			Validation: 10 * time.Minute,
			Recovery:   20 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:               3,
			RetryOnValidationFailure: true,
			BaseDelay:                5 * time.Second,
			MaxDelay:                 60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			TagNamespace:  "fsd",
			CreateTags:    true,
			KeepLatest:    10,
			SlowThreshold: time.Second,
		},
		Git: GitConfig{
			UserName:  "FSD Agent",
			UserEmail: "fsd@localhost",
		},
		State: StateConfig{
			Backend: BackendFile,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// SetDefaults registers every default with v so environment overrides
// resolve for all keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("parallel_tasks", d.ParallelTasks)
	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.working_dir", d.Agent.WorkingDir)
	v.SetDefault("timeouts.planning", d.Timeouts.Planning)
	v.SetDefault("timeouts.execution", d.Timeouts.Execution)
	v.SetDefault("timeouts.validation", d.Timeouts.Validation)
	v.SetDefault("timeouts.recovery", d.Timeouts.Recovery)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.retry_on_validation_failure", d.Retry.RetryOnValidationFailure)
	v.SetDefault("retry.retry_on_execution_error", d.Retry.RetryOnExecutionError)
	v.SetDefault("retry.allow_partial_success", d.Retry.AllowPartialSuccess)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("checkpoint.tag_namespace", d.Checkpoint.TagNamespace)
	v.SetDefault("checkpoint.create_tags", d.Checkpoint.CreateTags)
	v.SetDefault("checkpoint.keep_latest", d.Checkpoint.KeepLatest)
	v.SetDefault("checkpoint.slow_threshold", d.Checkpoint.SlowThreshold)
	v.SetDefault("git.user_name", d.Git.UserName)
	v.SetDefault("git.user_email", d.Git.UserEmail)
	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Configure prepares v to read configFile, or .fsd/config.yaml when empty,
// with FSD_* environment overrides. Nested keys map to underscores:
// retry.max_retries is FSD_RETRY_MAX_RETRIES.
func Configure(v *viper.Viper, configFile string) {
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(DefaultStateDir)
		v.SetConfigType("yaml")
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Read loads the config file into v. A missing file in the default search
// path is not an error; a missing explicit file is.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fsderrors.ErrConfigInvalid(v.ConfigFileUsed(), err.Error())
	}
	return nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fsderrors.ErrConfigInvalid("(decode)", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configFile (or the default location) plus environment
// overrides.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	Configure(v, configFile)
	if err := Read(v); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Validate checks the configuration for values fsd cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fsderrors.ErrConfigInvalid("state_dir", "must not be empty")
	}
	if c.ParallelTasks < 1 {
		return fsderrors.ErrConfigInvalid("parallel_tasks", fmt.Sprintf("must be at least 1, got %d", c.ParallelTasks))
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		return fsderrors.ErrConfigInvalid("agent.command", "must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.planning":   c.Timeouts.Planning,
		"timeouts.execution":  c.Timeouts.Execution,
		"timeouts.validation": c.Timeouts.Validation,
		"timeouts.recovery":   c.Timeouts.Recovery,
	} {
		if d <= 0 {
			return fsderrors.ErrConfigInvalid(name, fmt.Sprintf("must be positive, got %s", d))
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fsderrors.ErrConfigInvalid("retry.max_retries", fmt.Sprintf("must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fsderrors.ErrConfigInvalid("retry.max_delay", "must be at least retry.base_delay")
	}
	if c.Checkpoint.KeepLatest < 0 {
		return fsderrors.ErrConfigInvalid("checkpoint.keep_latest", "must not be negative")
	}
	if c.Checkpoint.CreateTags && strings.TrimSpace(c.Checkpoint.TagNamespace) == "" {
		return fsderrors.ErrConfigInvalid("checkpoint.tag_namespace", "must not be empty when tags are enabled")
	}
	switch c.State.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fsderrors.ErrConfigInvalid("state.backend", fmt.Sprintf("unknown backend %q (use file or sqlite)", c.State.Backend))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fsderrors.ErrConfigInvalid("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fsderrors.ErrConfigInvalid("logging.format", fmt.Sprintf("unknown format %q (use auto, text or json)", c.Logging.Format))
	}
	return nil
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0644)
}

// Path returns the default config file location.
func (c *Config) Path() string {
	return filepath.Join(c.StateDir, FileName)
}

// WorkDir returns the agent's working directory, defaulting to the current
// directory.
func (c *Config) WorkDir() string {
	if c.Agent.WorkingDir != "" {
		return c.Agent.WorkingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
