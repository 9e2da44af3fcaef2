// Package scope is the public entry point for request-scoped scheduler
// profiling. An Observer pairs with one scheduler loop; each unit of work
// opens an observation at its start and ends it at its end, receiving one
// report. Observations never propagate profiling failures into the
// surrounding request path: a failed session degrades to an empty report.
package scope

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/internal/config"
	"github.com/schedscope/schedscope/internal/logging"
	"github.com/schedscope/schedscope/internal/profiler"
	"github.com/schedscope/schedscope/pkg/report"
	"github.com/schedscope/schedscope/pkg/sched"
)

// Backend names a statistics backend selection.
type Backend string

const (
	// BackendAuto probes backends in priority order.
	BackendAuto Backend = "auto"
	// BackendStatistical pins the wall-clock statistical sampler.
	BackendStatistical Backend = "statistical"
	// BackendMonitor pins the native scheduler event monitor.
	BackendMonitor Backend = "monitor"
	// BackendHeartbeat pins the coarse heartbeat backend.
	BackendHeartbeat Backend = "heartbeat"
)

// Option configures an Observer.
type Option func(*Observer)

// WithBackend pins a backend instead of auto-selection.
func WithBackend(b Backend) Option {
	return func(o *Observer) {
		if sel, err := config.ParseBackendSelection(string(b)); err == nil {
			o.cfg.Backend = sel
		} else {
			o.logger.Warn().Str("backend", string(b)).Msg("unknown backend selection, keeping auto")
		}
	}
}

// WithBlockingThreshold sets the minimum average duration for a call to be
// flagged as blocking.
func WithBlockingThreshold(d time.Duration) Option {
	return func(o *Observer) { o.cfg.BlockingThreshold = d }
}

// WithLagSamples sets the number of scheduler lag probes per observation.
// Zero disables lag sampling.
func WithLagSamples(n int) Option {
	return func(o *Observer) { o.cfg.LagSampleCount = n }
}

// WithTaskTracking toggles task-hierarchy instrumentation.
func WithTaskTracking(enabled bool) Option {
	return func(o *Observer) { o.cfg.TrackTasks = enabled }
}

// WithLogger sets the logger for all profiling components.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// Observer opens observations over one scheduler loop.
type Observer struct {
	loop   *sched.Loop
	cfg    config.Config
	logger zerolog.Logger
}

// New creates an Observer. Defaults come from the environment
// (SCHEDSCOPE_* variables) and may be overridden by options. Logging is off
// unless SCHEDSCOPE_LOG_LEVEL is set or WithLogger is given.
func New(loop *sched.Loop, opts ...Option) *Observer {
	cfg, err := config.FromEnv()
	o := &Observer{
		loop:   loop,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	if level := os.Getenv("SCHEDSCOPE_LOG_LEVEL"); level != "" {
		o.logger = logging.NewWithComponent(logging.Config{Level: level}, "schedscope")
	}
	for _, opt := range opts {
		opt(o)
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("ignoring malformed environment configuration")
	}
	return o
}

// Observation is one open observation window.
type Observation struct {
	session  *profiler.Session
	logger   zerolog.Logger
	err      error
	started  time.Time
	degraded *report.Report
}

// BeginObservation opens an observation window. It never fails the caller:
// when a session cannot be opened (for example because another observation
// is active), the returned observation is inert and End yields an empty
// report. Use Err to inspect why.
func (o *Observer) BeginObservation() *Observation {
	obs := &Observation{logger: o.logger, started: time.Now()}
	session, err := profiler.OpenSession(o.loop, o.cfg, o.logger)
	if err != nil {
		o.logger.Warn().Err(err).Msg("observation degraded, no session opened")
		obs.err = err
		return obs
	}
	obs.session = session
	return obs
}

// Err returns why the observation is degraded, nil for a live one.
func (obs *Observation) Err() error { return obs.err }

// End closes the observation and returns its report. Ending an already-ended
// or degraded observation returns the same (possibly empty) report; it never
// returns nil.
func (obs *Observation) End() *report.Report {
	if obs.session == nil {
		if obs.degraded == nil {
			obs.degraded = &report.Report{
				Backend:   "none",
				StartedAt: obs.started,
				Duration:  time.Since(obs.started),
			}
		}
		return obs.degraded
	}
	rep, err := obs.session.Stop()
	if err != nil {
		// Restoration failures are a process-wide correctness risk; this is
		// the outermost boundary, so shout here.
		obs.logger.Error().Err(err).Msg("observation ended with instrumentation failure")
	}
	return rep
}
