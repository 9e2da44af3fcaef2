package profiler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/internal/config"
	schederrors "github.com/schedscope/schedscope/internal/errors"
	"github.com/schedscope/schedscope/pkg/report"
	"github.com/schedscope/schedscope/pkg/sched"
	"github.com/schedscope/schedscope/pkg/version"
)

// SessionStatus tracks a session's lifecycle.
type SessionStatus int

const (
	// StatusActive means instrumentation is installed and collecting.
	StatusActive SessionStatus = iota
	// StatusStopped means the session ended and produced its report.
	StatusStopped
	// StatusFailed means the session ended but restoration failed; the
	// report was still produced.
	StatusFailed
)

// String returns the status name.
func (s SessionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// healthReporter is implemented by backends that capture process health.
type healthReporter interface {
	Health() *report.ProcessHealth
}

// Session is one observation window over a scheduler loop. At most one
// session is active per process; OpenSession enforces this through the
// process-wide guard.
type Session struct {
	id     string
	cfg    config.Config
	logger zerolog.Logger
	loop   *sched.Loop

	guard   *Guard
	backend Backend
	instr   *Instrumenter
	handle  *InstallHandle
	lag     *LagSampler

	startedAt     time.Time
	beginOverhead time.Duration

	mu     sync.Mutex
	status SessionStatus
	report *report.Report
}

// OpenSession activates a backend, installs task instrumentation, and starts
// lag sampling. Every resource acquired before a failure is released on the
// error path, including the process-wide guard.
func OpenSession(loop *sched.Loop, cfg config.Config, logger zerolog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profiler config: %w", err)
	}

	id := uuid.NewString()
	log := logger.With().Str("component", "profiler").Str("session", id).Logger()

	beginStart := time.Now()
	guard, err := AcquireGuard(id)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			guard.Release()
		}
	}()

	candidates := []Backend{
		NewStatisticalBackend(log, cfg.SampleInterval),
		NewMonitorBackend(log, loop),
		NewHeartbeatBackend(log),
	}
	backend, err := selectBackend(cfg.Backend, candidates, guard, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      id,
		cfg:     cfg,
		logger:  log,
		loop:    loop,
		guard:   guard,
		backend: backend,
		status:  StatusActive,
	}

	if cfg.TrackTasks {
		s.instr = NewInstrumenter(loop, log)
		handle, err := s.instr.Install()
		if err != nil {
			_ = backend.End()
			return nil, err
		}
		s.handle = handle
	}

	if cfg.LagSampleCount > 0 {
		s.lag = NewLagSampler(loop, cfg.LagProbeDelay, cfg.LagProbeSpacing, cfg.LagSampleCount, log)
		if err := s.lag.Start(); err != nil {
			schederrors.DeferRestore(log, s.handle, "failed to restore spawn entry point")
			_ = backend.End()
			return nil, fmt.Errorf("start lag sampler: %w", err)
		}
	}

	s.beginOverhead = time.Since(beginStart)
	s.startedAt = time.Now()
	ok = true

	log.Debug().
		Str("backend", backend.Name()).
		Str("version", version.Version).
		Dur("begin_overhead", s.beginOverhead).
		Msg("profiling session opened")
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Backend returns the active backend's name.
func (s *Session) Backend() string { return s.backend.Name() }

// Status returns the session status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stop uninstalls all instrumentation, collects statistics, and builds the
// report. It is idempotent: the second and later calls return the report
// built by the first, and restoration happens at most once.
//
// Uninstallation runs unconditionally and before collection; leaving the
// scheduler instrumented would corrupt every future session in the process,
// so a restoration failure is surfaced as an error alongside the report.
func (s *Session) Stop() (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report != nil {
		return s.report, nil
	}

	duration := time.Since(s.startedAt)
	endStart := time.Now()

	if s.lag != nil {
		s.lag.Stop()
	}

	restoreErr := s.handle.Restore()
	if restoreErr != nil {
		s.logger.Error().Err(restoreErr).Msg("failed to restore spawn entry point")
	}

	if err := s.backend.End(); err != nil {
		s.logger.Warn().Err(err).Str("backend", s.backend.Name()).Msg("backend end failed")
	}

	stats, err := s.backend.Collect()
	if err != nil {
		// A failed collection degrades fidelity, not the whole report.
		s.logger.Error().Err(err).Str("backend", s.backend.Name()).Msg("collection failed, substituting empty statistics")
		stats = nil
	}

	var health *report.ProcessHealth
	if hr, ok := s.backend.(healthReporter); ok {
		health = hr.Health()
	}

	var records []*TaskRecord
	if s.instr != nil {
		records = s.instr.Records()
	}
	var lagSamples []report.LagSample
	if s.lag != nil {
		lagSamples = s.lag.Samples()
	}

	rep := buildReport(aggregateInput{
		sessionID:   s.id,
		backendName: s.backend.Name(),
		startedAt:   s.startedAt,
		duration:    duration,
		overhead:    s.beginOverhead + time.Since(endStart),
		stats:       stats,
		records:     records,
		lagSamples:  lagSamples,
		threshold:   s.cfg.BlockingThreshold,
		topLimit:    s.cfg.TopFunctionLimit,
		health:      health,
	})

	if s.cfg.OverheadBudget > 0 && rep.Overhead > s.cfg.OverheadBudget {
		s.logger.Warn().
			Dur("overhead", rep.Overhead).
			Dur("budget", s.cfg.OverheadBudget).
			Msg("instrumentation overhead exceeded its budget")
	}

	s.guard.Release()
	s.report = rep
	s.status = StatusStopped
	if restoreErr != nil {
		s.status = StatusFailed
		return rep, fmt.Errorf("restore task instrumentation: %w", restoreErr)
	}

	s.logger.Debug().
		Dur("duration", duration).
		Dur("overhead", rep.Overhead).
		Int("tasks", rep.TaskCount).
		Msg("profiling session stopped")
	return rep, nil
}
