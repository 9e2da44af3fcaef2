// Package config defines the profiler configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BackendSelection picks which statistics backend a session uses.
type BackendSelection int

const (
	// BackendAuto probes backends in priority order and uses the first available.
	BackendAuto BackendSelection = iota
	// BackendStatistical pins the wall-clock statistical sampler.
	BackendStatistical
	// BackendMonitor pins the native scheduler event monitor.
	BackendMonitor
	// BackendHeartbeat pins the coarse heartbeat backend.
	BackendHeartbeat
)

// String returns the canonical name for the selection.
func (b BackendSelection) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendStatistical:
		return "statistical"
	case BackendMonitor:
		return "monitor"
	case BackendHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ParseBackendSelection parses a backend selection name.
func ParseBackendSelection(s string) (BackendSelection, error) {
	switch s {
	case "", "auto":
		return BackendAuto, nil
	case "statistical":
		return BackendStatistical, nil
	case "monitor", "native-monitor":
		return BackendMonitor, nil
	case "heartbeat":
		return BackendHeartbeat, nil
	default:
		return BackendAuto, fmt.Errorf("unknown backend selection %q", s)
	}
}

// Config holds all tunables consumed by the profiler core.
type Config struct {
	// Backend selects the statistics backend.
	Backend BackendSelection
	// BlockingThreshold is the minimum average duration for a non-coroutine
	// function to be reported as a blocking call.
	BlockingThreshold time.Duration
	// LagSampleCount is the number of scheduler lag probes per session.
	LagSampleCount int
	// LagProbeDelay is the expected duration of each lag probe suspension.
	LagProbeDelay time.Duration
	// LagProbeSpacing separates consecutive lag probes so the probes themselves
	// do not dominate scheduler activity.
	LagProbeSpacing time.Duration
	// SampleInterval is the statistical backend's wall-clock sampling period.
	SampleInterval time.Duration
	// TrackTasks enables the task instrumentation layer.
	TrackTasks bool
	// OverheadBudget bounds the instrumentation time a session is expected to
	// spend outside application work. Advisory; reported, not enforced.
	OverheadBudget time.Duration
	// TopFunctionLimit caps the report's top-functions list.
	TopFunctionLimit int
}

// Default returns the default profiler configuration.
func Default() Config {
	return Config{
		Backend:           BackendAuto,
		BlockingThreshold: 100 * time.Millisecond,
		LagSampleCount:    10,
		LagProbeDelay:     10 * time.Millisecond,
		LagProbeSpacing:   5 * time.Millisecond,
		SampleInterval:    5 * time.Millisecond,
		TrackTasks:        true,
		OverheadBudget:    time.Millisecond,
		TopFunctionLimit:  25,
	}
}

// FromEnv returns the default configuration with SCHEDSCOPE_* environment
// overrides applied. Unset variables keep their defaults; malformed values
// are reported as errors rather than silently ignored.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("SCHEDSCOPE_BACKEND"); v != "" {
		sel, err := ParseBackendSelection(v)
		if err != nil {
			return cfg, fmt.Errorf("SCHEDSCOPE_BACKEND: %w", err)
		}
		cfg.Backend = sel
	}
	if v := os.Getenv("SCHEDSCOPE_BLOCKING_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("SCHEDSCOPE_BLOCKING_THRESHOLD: %w", err)
		}
		cfg.BlockingThreshold = d
	}
	if v := os.Getenv("SCHEDSCOPE_LAG_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SCHEDSCOPE_LAG_SAMPLES: %w", err)
		}
		cfg.LagSampleCount = n
	}
	if v := os.Getenv("SCHEDSCOPE_TRACK_TASKS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("SCHEDSCOPE_TRACK_TASKS: %w", err)
		}
		cfg.TrackTasks = b
	}

	return cfg, nil
}

// Validate checks the configuration for values the profiler cannot operate with.
func (c Config) Validate() error {
	if c.BlockingThreshold <= 0 {
		return fmt.Errorf("blocking threshold must be positive, got %s", c.BlockingThreshold)
	}
	if c.LagSampleCount < 0 {
		return fmt.Errorf("lag sample count must be non-negative, got %d", c.LagSampleCount)
	}
	if c.LagSampleCount > 0 && c.LagProbeDelay <= 0 {
		return fmt.Errorf("lag probe delay must be positive, got %s", c.LagProbeDelay)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}
	if c.TopFunctionLimit <= 0 {
		return fmt.Errorf("top function limit must be positive, got %d", c.TopFunctionLimit)
	}
	return nil
}
