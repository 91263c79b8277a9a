// Package rtconfig loads the tunables a vtsched process carries around its
// library core: logging/tracing/metrics toggles and scheduler tolerances
// that don't belong in the library's Go API (per SPEC's ambient-config
// split) but still need a single place to live for a long-running demo or
// service process.
package rtconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Logging mirrors internal/logging.Config in file-friendly form.
type Logging struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Tracing mirrors internal/observability.TracingConfig in file-friendly form.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Scheduler holds the tunables that shape a Run: how much clock slack to
// tolerate between a dispatch's due time and its observed virtual time, and
// whether to enforce strict (non-equal) ordering of past events.
type Scheduler struct {
	Tolerance      time.Duration `yaml:"tolerance"`
	StrictOrdering bool          `yaml:"strict_ordering"`
}

// Config is the full set of tunables a vtsched process reads at startup.
// Every field has a workable zero value, so a Config need not be fully
// populated.
type Config struct {
	Logging     Logging   `yaml:"logging"`
	Tracing     Tracing   `yaml:"tracing"`
	Scheduler   Scheduler `yaml:"scheduler"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// Default returns a Config with the same defaults internal/logging and
// internal/observability fall back to when unconfigured.
func Default() Config {
	return Config{
		Logging:   Logging{Level: "info", Format: "text", AddSource: true},
		Tracing:   Tracing{Exporter: "stdout", ServiceName: "vtsched", SampleRatio: 1.0},
		Scheduler: Scheduler{Tolerance: 5 * time.Millisecond},
	}
}

// LoadFile reads a YAML scenario/config file, overlaying it onto Default().
// A missing file is not an error; callers that want the file to be required
// should stat it themselves first.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("rtconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("rtconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays VTSCHED_* environment variables onto cfg, following the
// same prefix convention the teacher's config layer uses for its env-driven
// overrides. Env vars take precedence over file values.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("VTSCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VTSCHED_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VTSCHED_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("VTSCHED_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("VTSCHED_TRACING_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := os.Getenv("VTSCHED_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("VTSCHED_TRACING_SAMPLE_RATIO"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.Tracing.SampleRatio = parsed
		}
	}
	if v := os.Getenv("VTSCHED_TOLERANCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Tolerance = d
		}
	}
	if v := os.Getenv("VTSCHED_STRICT_ORDERING"); v != "" {
		cfg.Scheduler.StrictOrdering = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("VTSCHED_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg
}

// FromEnv loads Default() overlaid with environment variables only (no
// file), for processes that configure purely through the environment.
func FromEnv() Config {
	return ApplyEnv(Default())
}
