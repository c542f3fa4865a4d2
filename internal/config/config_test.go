package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ".fsd", cfg.StateDir)
	assert.Equal(t, 1, cfg.ParallelTasks)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Planning)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Execution)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Validation)
	assert.Equal(t, 20*time.Minute, cfg.Timeouts.Recovery)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.RetryOnValidationFailure)
	assert.False(t, cfg.Retry.RetryOnExecutionError)
	assert.Equal(t, "fsd", cfg.Checkpoint.TagNamespace)
	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.Equal(t, ".fsd/config.yaml", cfg.Path())
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
state_dir: /tmp/fsd-state
parallel_tasks: 4
agent:
  command: my-agent --yes
timeouts:
  execution: 45m
retry:
  max_retries: 1
  allow_partial_success: true
state:
  backend: sqlite
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fsd-state", cfg.StateDir)
	assert.Equal(t, 4, cfg.ParallelTasks)
	assert.Equal(t, "my-agent --yes", cfg.Agent.Command)
	assert.Equal(t, 45*time.Minute, cfg.Timeouts.Execution)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Planning, "unset keys keep defaults")
	assert.Equal(t, 1, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.AllowPartialSuccess)
	assert.Equal(t, BackendSQLite, cfg.State.Backend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "retry:\n  max_retries: 1\n")
	t.Setenv("FSD_RETRY_MAX_RETRIES", "7")
	t.Setenv("FSD_TIMEOUTS_RECOVERY", "2m")
	t.Setenv("FSD_CHECKPOINT_CREATE_TAGS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Recovery)
	assert.False(t, cfg.Checkpoint.CreateTags)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeConfigInvalid))
}

func TestLoad_DefaultLocationMissingIsFine(t *testing.T) {
	v := viper.New()
	Configure(v, "")
	v.AddConfigPath(t.TempDir())

	require.NoError(t, Read(v))
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, Default().Agent.Command, cfg.Agent.Command)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty state dir", func(c *Config) { c.StateDir = " " }, "state_dir"},
		{"zero parallelism", func(c *Config) { c.ParallelTasks = 0 }, "parallel_tasks"},
		{"empty agent", func(c *Config) { c.Agent.Command = "" }, "agent.command"},
		{"zero timeout", func(c *Config) { c.Timeouts.Validation = 0 }, "timeouts.validation"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"delay inverted", func(c *Config) { c.Retry.MaxDelay = time.Second; c.Retry.BaseDelay = time.Minute }, "retry.max_delay"},
		{"negative keep", func(c *Config) { c.Checkpoint.KeepLatest = -2 }, "checkpoint.keep_latest"},
		{"tags without namespace", func(c *Config) { c.Checkpoint.TagNamespace = "" }, "checkpoint.tag_namespace"},
		{"unknown backend", func(c *Config) { c.State.Backend = "postgres" }, "state.backend"},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_TagNamespaceOptionalWithoutTags(t *testing.T) {
	cfg := Default()
	cfg.Checkpoint.CreateTags = false
	cfg.Checkpoint.TagNamespace = ""
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoad(t *testing.T) {
	cfg := Default()
	cfg.ParallelTasks = 3
	cfg.Retry.BaseDelay = 2 * time.Second
	cfg.Git.UserName = "Release Bot"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestWorkDir(t *testing.T) {
	cfg := Default()
	cfg.Agent.WorkingDir = "/srv/repo"
	assert.Equal(t, "/srv/repo", cfg.WorkDir())

	cfg.Agent.WorkingDir = ""
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.WorkDir())
}
