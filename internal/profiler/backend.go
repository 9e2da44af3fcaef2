// Package profiler implements request-scoped profiling sessions over a
// cooperative scheduler: backend selection, task-hierarchy instrumentation,
// blocking-call detection, lag sampling, and report aggregation.
package profiler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/schedscope/schedscope/pkg/report"
)

var (
	// ErrBackendUnavailable indicates a backend's probe failed or a pinned
	// backend could not start.
	ErrBackendUnavailable = errors.New("profiler: backend unavailable")
	// ErrInstrumentationConflict indicates another session holds the
	// process-wide instrumentation already.
	ErrInstrumentationConflict = errors.New("profiler: instrumentation already active")
)

// Guard is the process-wide session token. The statistical backends
// accumulate into process-global state, so at most one guard exists at a
// time; backends require it at Begin so none can run unguarded.
type Guard struct {
	sessionID string
	released  atomic.Bool
}

// activeGuard holds the single live guard, nil when no session is active.
var activeGuard atomic.Pointer[Guard]

// AcquireGuard claims the process-wide session slot. It fails with
// ErrInstrumentationConflict while another session holds it; the running
// session is unaffected by the failed attempt.
func AcquireGuard(sessionID string) (*Guard, error) {
	g := &Guard{sessionID: sessionID}
	if !activeGuard.CompareAndSwap(nil, g) {
		holder := activeGuard.Load()
		held := "unknown"
		if holder != nil {
			held = holder.sessionID
		}
		return nil, fmt.Errorf("%w: session %s is active", ErrInstrumentationConflict, held)
	}
	return g, nil
}

// SessionID returns the owning session id.
func (g *Guard) SessionID() string { return g.sessionID }

// Release frees the session slot. Releasing twice is a no-op.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	activeGuard.CompareAndSwap(g, nil)
}

// Backend is a pluggable statistics collection strategy. Exactly one backend
// is active per session.
type Backend interface {
	// Name identifies the backend in reports and logs.
	Name() string
	// Probe is a cheap, side-effect-free availability check.
	Probe() bool
	// Begin starts collection. It requires the session guard and must return
	// quickly; a slow Begin would itself stall the scheduler.
	Begin(g *Guard) error
	// End halts collection. Calling End without a successful Begin is a no-op.
	End() error
	// Collect returns accumulated function statistics. Safe to call after
	// End; an empty session yields an empty slice, not an error.
	Collect() ([]report.FunctionStat, error)
}

// noopBackend reports nothing. Sessions degrade to it when every real
// backend fails to start, so a session always produces a report.
type noopBackend struct{}

func (noopBackend) Name() string { return "none" }

func (noopBackend) Probe() bool { return true }

func (noopBackend) End() error { return nil }

func (noopBackend) Begin(g *Guard) error {
	if g == nil {
		return fmt.Errorf("profiler: begin requires a session guard")
	}
	return nil
}

func (noopBackend) Collect() ([]report.FunctionStat, error) { return nil, nil }
