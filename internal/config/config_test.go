package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Database, cfg.Database)
	assert.Equal(t, want.Memory, cfg.Memory)
	assert.Equal(t, want.Execution, cfg.Execution)
	assert.Equal(t, 10, cfg.Memory.WorkingCapacity)
	assert.Equal(t, 48*time.Hour, cfg.Memory.EpisodicTTL)
	assert.Equal(t, "ASSISTED", cfg.Autonomy.DefaultLevel)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  type: postgres
  url: postgres://agent@localhost:5432/family
memory:
  episodic_ttl: 12h
execution:
  max_tool_calls: 6
  tool_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("FAMILY_AGENT_EXECUTION_MAX_TOOL_CALLS", "3")
	t.Setenv("FAMILY_AGENT_AUTONOMY_DEFAULT_LEVEL", "MANUAL")
	t.Setenv("GOOGLE_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 12*time.Hour, cfg.Memory.EpisodicTTL)
	assert.Equal(t, 5*time.Second, cfg.Execution.ToolTimeout)
	assert.Equal(t, 3, cfg.Execution.MaxToolCalls, "env overrides file")
	assert.Equal(t, "MANUAL", cfg.Autonomy.DefaultLevel)
	assert.Equal(t, "from-env", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Memory.SemanticTopK, "unspecified keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad db type", func(c *Config) { c.Database.Type = "mysql" }, "database.type"},
		{"missing url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"bad level", func(c *Config) { c.Autonomy.DefaultLevel = "YOLO" }, "autonomy.default_level"},
		{"zero budget", func(c *Config) { c.Execution.MaxToolCalls = 0 }, "max_tool_calls"},
		{"zero working capacity", func(c *Config) { c.Memory.WorkingCapacity = 0 }, "working_capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
