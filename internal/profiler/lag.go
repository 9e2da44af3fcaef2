package profiler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/pkg/report"
	"github.com/schedscope/schedscope/pkg/sched"
)

// LagSampler measures scheduler responsiveness by scheduling trivial
// suspensions of known duration and comparing against the actual elapsed
// time. The probes run as ordinary scheduled work on the loop they measure,
// never on a separate thread: the point is to share the scheduler's fate.
type LagSampler struct {
	loop     *sched.Loop
	logger   zerolog.Logger
	expected time.Duration
	spacing  time.Duration
	count    int

	mu      sync.Mutex
	samples []report.LagSample
	task    *sched.Task
}

// NewLagSampler creates a sampler issuing count probes of the expected delay,
// spaced by an additional suspension so the probes do not dominate scheduler
// activity.
func NewLagSampler(loop *sched.Loop, expected, spacing time.Duration, count int, logger zerolog.Logger) *LagSampler {
	return &LagSampler{
		loop:     loop,
		logger:   logger.With().Str("component", "lag_sampler").Logger(),
		expected: expected,
		spacing:  spacing,
		count:    count,
	}
}

// Start schedules the probe task. It bypasses the spawn interceptor so the
// probes never appear in the observed task hierarchy.
func (s *LagSampler) Start() error {
	t, err := s.loop.SpawnInternal("schedscope.lag-probe", s.probe)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
	return nil
}

// Stop cancels any probes still pending. Samples already taken are kept.
func (s *LagSampler) Stop() {
	s.mu.Lock()
	t := s.task
	s.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// probe runs on the scheduler loop.
func (s *LagSampler) probe(ctx context.Context) {
	for i := 0; i < s.count; i++ {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		sched.Sleep(ctx, s.expected)
		actual := time.Since(start)

		lag := actual - s.expected
		if lag < 0 {
			lag = 0
		}
		s.mu.Lock()
		s.samples = append(s.samples, report.LagSample{
			Expected: s.expected,
			Actual:   actual,
			Lag:      lag,
			At:       time.Now(),
		})
		s.mu.Unlock()

		if i < s.count-1 {
			sched.Sleep(ctx, s.spacing)
		}
	}
}

// Samples returns the measurements taken so far.
func (s *LagSampler) Samples() []report.LagSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]report.LagSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// ComputeLagStats aggregates lag samples into min/avg/max/p95.
func ComputeLagStats(samples []report.LagSample) report.LagStats {
	if len(samples) == 0 {
		return report.LagStats{}
	}

	lags := make([]time.Duration, len(samples))
	var sum time.Duration
	for i, s := range samples {
		lags[i] = s.Lag
		sum += s.Lag
	}
	sort.Slice(lags, func(i, j int) bool { return lags[i] < lags[j] })

	p95Idx := (len(lags)*95 + 99) / 100
	if p95Idx > 0 {
		p95Idx--
	}

	return report.LagStats{
		Count: len(samples),
		Min:   lags[0],
		Avg:   sum / time.Duration(len(lags)),
		Max:   lags[len(lags)-1],
		P95:   lags[p95Idx],
	}
}
