// Package report defines the profiling report schema handed to external
// consumers. The shape is stable across backends: fields a backend cannot
// supply are empty or zero, never absent.
package report

import (
	"time"
)

// FunctionStat is one backend-reported function or coroutine entry.
// Immutable once collected.
type FunctionStat struct {
	Name        string        `json:"name"`
	File        string        `json:"file,omitempty"`
	Line        int           `json:"line,omitempty"`
	CallCount   int64         `json:"call_count"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
	Coroutine   bool          `json:"coroutine"`
}

// Severity tiers for blocking calls, derived from how far the average
// duration sits above the configured threshold.
const (
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// BlockingCallRecord flags a function whose average duration indicates it
// stalled the scheduler. Derived from FunctionStats, never raw.
type BlockingCallRecord struct {
	Function    string        `json:"function"`
	File        string        `json:"file,omitempty"`
	Line        int           `json:"line,omitempty"`
	AverageTime time.Duration `json:"average_time"`
	CallCount   int64         `json:"call_count"`
	Severity    string        `json:"severity"`
}

// LagSample is one scheduler-responsiveness measurement.
type LagSample struct {
	Expected time.Duration `json:"expected"`
	Actual   time.Duration `json:"actual"`
	Lag      time.Duration `json:"lag"`
	At       time.Time     `json:"at"`
}

// LagStats aggregates lag samples over a session.
type LagStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
	P95   time.Duration `json:"p95"`
}

// TaskNode is one task in the reconstructed hierarchy. Children are attached
// by the aggregator in creation order; the records themselves only carry
// parent pointers.
type TaskNode struct {
	ID          uint64        `json:"id"`
	Name        string        `json:"name"`
	FuncName    string        `json:"func_name,omitempty"`
	ParentID    *uint64       `json:"parent_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Cancelled   bool          `json:"cancelled"`
	Incomplete  bool          `json:"incomplete"`
	Error       string        `json:"error,omitempty"`
	Children    []*TaskNode   `json:"children,omitempty"`
}

// ProcessHealth is coarse process-level context captured by the heartbeat
// backend over the session window.
type ProcessHealth struct {
	CPUBusyFraction float64 `json:"cpu_busy_fraction"`
	RSSBytes        uint64  `json:"rss_bytes"`
	RSSDeltaBytes   int64   `json:"rss_delta_bytes"`
}

// Report is the terminal aggregate for one profiling session. Produced once,
// immutable afterwards.
type Report struct {
	SessionID    string               `json:"session_id"`
	Backend      string               `json:"backend"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     time.Duration        `json:"duration"`
	Overhead     time.Duration        `json:"overhead"`
	Tasks        []*TaskNode          `json:"tasks"`
	TaskCount    int                  `json:"task_count"`
	Blocking     []BlockingCallRecord `json:"blocking"`
	Lag          LagStats             `json:"lag"`
	TopFunctions []FunctionStat       `json:"top_functions"`
	Health       *ProcessHealth       `json:"health,omitempty"`
}
