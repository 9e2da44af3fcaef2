package profiler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/schedscope/schedscope/internal/safe"
	"github.com/schedscope/schedscope/pkg/report"
)

const heartbeatBackendName = "heartbeat"

// HeartbeatBackend is the universal fallback. It reports no function
// statistics; the lag sampler and task instrumentation carry the signal. It
// additionally captures coarse process health (CPU busy fraction, RSS) over
// the session window so even the lowest-fidelity report says something about
// scheduler load.
type HeartbeatBackend struct {
	logger zerolog.Logger

	mu       sync.Mutex
	beganAt  time.Time
	beginCPU float64
	beginRSS uint64
	hasProc  bool
	proc     *process.Process
	health   *report.ProcessHealth
}

// NewHeartbeatBackend creates the fallback backend.
func NewHeartbeatBackend(logger zerolog.Logger) *HeartbeatBackend {
	return &HeartbeatBackend{
		logger: logger.With().Str("component", "backend_heartbeat").Logger(),
	}
}

// Name implements Backend.
func (b *HeartbeatBackend) Name() string { return heartbeatBackendName }

// Probe implements Backend. The heartbeat backend is always available.
func (b *HeartbeatBackend) Probe() bool { return true }

// Begin records the session start bound and a process snapshot. Process
// introspection failures degrade the health section, never the session.
func (b *HeartbeatBackend) Begin(g *Guard) error {
	if g == nil {
		return fmt.Errorf("profiler: begin requires a session guard")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.beganAt = time.Now()
	b.health = nil
	b.hasProc = false

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		b.logger.Debug().Err(err).Msg("process introspection unavailable")
		return nil
	}
	times, err := proc.Times()
	if err != nil {
		b.logger.Debug().Err(err).Msg("cpu times unavailable")
		return nil
	}
	b.proc = proc
	b.beginCPU = times.Total()
	b.hasProc = true
	if mem, err := proc.MemoryInfo(); err == nil {
		b.beginRSS = mem.RSS
	}
	return nil
}

// End records the session end bound and computes the health delta.
func (b *HeartbeatBackend) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.beganAt.IsZero() || !b.hasProc {
		return nil
	}

	wall := time.Since(b.beganAt).Seconds()
	health := &report.ProcessHealth{}
	if times, err := b.proc.Times(); err == nil && wall > 0 {
		health.CPUBusyFraction = (times.Total() - b.beginCPU) / wall
	}
	if mem, err := b.proc.MemoryInfo(); err == nil {
		health.RSSBytes = mem.RSS
		health.RSSDeltaBytes = safe.DeltaInt64(mem.RSS, b.beginRSS)
	}
	b.health = health
	return nil
}

// Collect implements Backend. The heartbeat backend has no function-level
// signal; it always returns an empty sequence.
func (b *HeartbeatBackend) Collect() ([]report.FunctionStat, error) {
	return nil, nil
}

// Health returns the process health captured over the session window, nil
// when introspection was unavailable.
func (b *HeartbeatBackend) Health() *report.ProcessHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

var _ Backend = (*HeartbeatBackend)(nil)
