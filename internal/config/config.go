// Package config provides YAML configuration loading, defaulting, and
// validation for every collector stage. Each stage binary reads exactly one
// YAML file; a handful of environment variables override the corresponding
// YAML values so the surrounding runtime can relocate a run directory
// without rewriting configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment override variables. An override, when set and non-empty,
// takes precedence over the YAML value.
const (
	EnvAuditLog    = "LUX_AUDIT_LOG"
	EnvEBPFLog     = "LUX_EBPF_LOG"
	EnvSessionsDir = "LUX_SESSIONS_DIR"
	EnvJobsDir     = "LUX_JOBS_DIR"
	EnvOutputJSONL = "LUX_OUTPUT_JSONL"
	EnvInputJSONL  = "LUX_INPUT_JSONL"
	EnvRootComm    = "LUX_ROOT_COMM"
	EnvDatabaseURL = "LUX_DATABASE_URL"
)

// Common holds the ambient keys every stage accepts.
type Common struct {
	// SchemaVersion is stamped on every emitted row. Required.
	SchemaVersion string `yaml:"schema_version"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// listener (e.g. "127.0.0.1:9300"). Empty disables the listener.
	HealthAddr string `yaml:"health_addr"`

	// PollIntervalMS is the input tail poll interval in milliseconds.
	// Defaults to 500.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// CursorDB is the path of the SQLite cursor database used to persist
	// input positions across restarts. Empty keeps cursors in memory only.
	CursorDB string `yaml:"cursor_db"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func (c *Common) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 500
	}
}

func (c *Common) validate() error {
	if c.SchemaVersion == "" {
		return errors.New("schema_version is required")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// InputPath names a stage's single JSONL input file.
type InputPath struct {
	JSONL string `yaml:"jsonl"`
}

// OutputPath names a stage's output file.
type OutputPath struct {
	JSONL string `yaml:"jsonl"`
}

// load reads path and unmarshals it into out.
func load(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// env returns the value of an override variable, or "" when unset.
func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// override replaces *dst with the env value when the variable is set.
func override(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

// overrideList replaces *dst with the comma-separated env value when set.
func overrideList(dst *[]string, key string) {
	v := env(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
