// Package config loads the engine's process-wide settings from the
// environment (spec §6 Environment variables), following the teacher's
// flat getEnv-with-fallback idiom.
package config

import (
	"os"
	"strconv"
)

// Config holds the engine's tunables. Per-workflow values (timeouts,
// max_parallel, max_retries) live in the WorkflowDef instead; these are
// process-wide defaults and resource ceilings.
type Config struct {
	// ProjectWorkflowsDir / HomeWorkflowsDir override the two discovery
	// roots loader.Discover checks, in order (spec §6 Discovery).
	ProjectWorkflowsDir string
	HomeWorkflowsDir    string

	// Debug is the default debug flag for new instances. Server-internal
	// steps are still batched; in debug mode each batch's steps are attached
	// to the returned descriptor as InternalTrace and recorded in
	// Engine.Traces (spec §4.8 debug mode).
	Debug bool

	// MaxConcurrentWorkflows bounds how many WorkflowInstances the engine
	// will run at once; Engine.Start rejects beyond this (spec §5 resource
	// policy).
	MaxConcurrentWorkflows int

	// MaxStateBytes overrides state.DefaultMaxStateBytes.
	MaxStateBytes int

	// RetentionMinutes bounds how long a terminal instance's record is kept
	// before Engine.GC reclaims it (spec §4.8).
	RetentionMinutes int

	LogLevel string
}

// Load reads Config from the environment, applying the documented
// defaults for anything unset.
//
// ProjectWorkflowsDir/HomeWorkflowsDir default to the project root (".")
// and the user's expanded home directory: loader.Discover itself appends
// the ".aromcp/workflows" suffix to both roots, so defaulting these to
// already-suffixed paths would double it up (and a literal "~" is never
// expanded by the OS), leaving the default discovery path in spec §6
// unable to find a real file.
func Load() *Config {
	return &Config{
		ProjectWorkflowsDir:     getEnv("AROMCP_PROJECT_WORKFLOWS_DIR", "."),
		HomeWorkflowsDir:        getEnv("AROMCP_HOME_WORKFLOWS_DIR", defaultHomeDir()),
		Debug:                   getEnvBool("AROMCP_DEBUG", false),
		MaxConcurrentWorkflows:  getEnvInt("AROMCP_MAX_CONCURRENT_WORKFLOWS", 100),
		MaxStateBytes:           getEnvInt("AROMCP_MAX_STATE_BYTES", 100*1024*1024),
		RetentionMinutes:        getEnvInt("AROMCP_RETENTION_MINUTES", 60),
		LogLevel:                getEnv("AROMCP_LOG_LEVEL", "info"),
	}
}

// defaultHomeDir resolves the current user's home directory; if it cannot
// be determined, the home discovery root is left empty so Discover simply
// finds nothing there rather than joining onto a bogus path.
func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
