package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ".", cfg.ProjectWorkflowsDir)
	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, home, cfg.HomeWorkflowsDir)
	}
	assert.NotContains(t, cfg.HomeWorkflowsDir, "~", "default home discovery root must be expanded, never a literal ~")
	assert.False(t, cfg.Debug)
	assert.Equal(t, 100, cfg.MaxConcurrentWorkflows)
	assert.Equal(t, 100*1024*1024, cfg.MaxStateBytes)
	assert.Equal(t, 60, cfg.RetentionMinutes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AROMCP_PROJECT_WORKFLOWS_DIR", "/tmp/workflows")
	t.Setenv("AROMCP_DEBUG", "true")
	t.Setenv("AROMCP_MAX_CONCURRENT_WORKFLOWS", "5")
	t.Setenv("AROMCP_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "/tmp/workflows", cfg.ProjectWorkflowsDir)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5, cfg.MaxConcurrentWorkflows)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidEnvValueFallsBack(t *testing.T) {
	t.Setenv("AROMCP_MAX_CONCURRENT_WORKFLOWS", "not-a-number")
	t.Setenv("AROMCP_DEBUG", "not-a-bool")

	cfg := Load()
	assert.Equal(t, 100, cfg.MaxConcurrentWorkflows)
	assert.False(t, cfg.Debug)
}
