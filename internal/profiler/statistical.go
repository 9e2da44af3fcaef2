package profiler

import (
	"bytes"
	"fmt"
	"runtime/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/pkg/report"
)

const statisticalBackendName = "statistical"

// taskRootFrame is the root frame of every task goroutine. Stacks without it
// belong to the host process, not to scheduled work, and are ignored. The
// task body runs inside closures of this function, so the root boundary also
// matches its .funcN frames.
const taskRootFrame = "github.com/schedscope/schedscope/pkg/sched.(*Task).run"

// schedFramePrefix identifies scheduler-internal frames (Sleep, Yield,
// suspend). Together with runtime frames they are suspension machinery, not
// task work.
const schedFramePrefix = "github.com/schedscope/schedscope/pkg/sched."

// isTaskRootFrame matches the task root or one of the closures it wraps the
// body in; depending on inlining either may appear in a profile.
func isTaskRootFrame(name string) bool {
	if name == taskRootFrame {
		return true
	}
	return strings.HasPrefix(name, taskRootFrame+".func")
}

// machineryFrame reports whether a frame belongs to the scheduler's
// suspension path or the Go runtime rather than to task work.
func machineryFrame(name string) bool {
	return strings.HasPrefix(name, "runtime.") || strings.HasPrefix(name, schedFramePrefix)
}

// funcAccum accumulates wall-clock presence for one function.
type funcAccum struct {
	name      string
	file      string
	line      int
	total     time.Duration
	calls     int64
	coroutine bool
}

// wallClockSampler periodically captures the process goroutine profile and
// credits each function on a task stack with one sampling interval, whether
// the goroutine was running or suspended. That is what makes the timing
// wall-clock: a call waiting across a suspension point keeps accumulating.
//
// The accumulator is process-global, one per process, like the goroutine
// profile it reads. Sequential sessions each clear it at Begin; the session
// guard keeps sessions from overlapping.
type wallClockSampler struct {
	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	stopped     chan struct{}
	stats       map[string]*funcAccum
	lastPresent map[string]bool
}

var globalSampler = &wallClockSampler{}

// start clears accumulated statistics and begins sampling.
func (s *wallClockSampler) start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: sampler already running", ErrInstrumentationConflict)
	}
	s.stats = make(map[string]*funcAccum)
	s.lastPresent = make(map[string]bool)
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true

	go s.loop(interval, s.stop, s.stopped)
	return nil
}

// halt stops sampling and waits for the sampling goroutine to exit.
func (s *wallClockSampler) halt() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	close(stop)
	<-stopped
}

func (s *wallClockSampler) loop(interval time.Duration, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleOnce(&buf, interval)
		}
	}
}

// sampleOnce captures and folds one goroutine profile into the accumulator.
// Capture or parse failures drop the tick rather than aborting the session.
func (s *wallClockSampler) sampleOnce(buf *bytes.Buffer, interval time.Duration) {
	p := pprof.Lookup("goroutine")
	if p == nil {
		return
	}
	buf.Reset()
	if err := p.WriteTo(buf, 0); err != nil {
		return
	}
	prof, err := profile.Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return
	}
	s.fold(prof, interval)
}

// tickFrame is one function observed during a single tick.
type tickFrame struct {
	file      string
	line      int
	weight    int64
	coroutine bool
}

// fold credits every function observed on a task stack with the sampling
// interval. The frame invoked directly below the root boundary is the task's
// entry function and is marked as a coroutine; scheduler-internal and runtime
// frames are never credited, so a suspended task accumulates time on its
// entry function, not on the suspension machinery below it.
func (s *wallClockSampler) fold(prof *profile.Profile, interval time.Duration) {
	seen := make(map[string]*tickFrame)

	for _, sample := range prof.Sample {
		frames := flattenFrames(sample)
		rootIdx := -1
		for i, f := range frames {
			if isTaskRootFrame(f.name) {
				rootIdx = i
				break
			}
		}
		if rootIdx <= 0 {
			continue
		}

		var weight int64 = 1
		if len(sample.Value) > 0 && sample.Value[0] > 0 {
			weight = sample.Value[0]
		}

		// Frames leaf-first; everything below the root boundary belongs to
		// the task, with the entry function directly under the boundary.
		for i := 0; i < rootIdx; i++ {
			f := frames[i]
			if machineryFrame(f.name) {
				continue
			}
			tf, ok := seen[f.name]
			if !ok {
				tf = &tickFrame{file: f.file, line: f.line}
				seen[f.name] = tf
			}
			tf.weight += weight
			if i == rootIdx-1 {
				tf.coroutine = true
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return
	}
	present := make(map[string]bool, len(seen))
	for name, tf := range seen {
		acc, ok := s.stats[name]
		if !ok {
			acc = &funcAccum{name: name, file: tf.file, line: tf.line}
			s.stats[name] = acc
		}
		acc.total += time.Duration(tf.weight) * interval
		if tf.coroutine {
			acc.coroutine = true
		}
		// A function absent last tick and present now started at least one
		// new call. Sampling cannot see calls shorter than the interval.
		if !s.lastPresent[name] {
			acc.calls++
		}
		present[name] = true
	}
	s.lastPresent = present
}

// snapshot returns the accumulated statistics sorted by total time.
func (s *wallClockSampler) snapshot() []report.FunctionStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]report.FunctionStat, 0, len(s.stats))
	for _, acc := range s.stats {
		avg := time.Duration(0)
		if acc.calls > 0 {
			avg = acc.total / time.Duration(acc.calls)
		}
		out = append(out, report.FunctionStat{
			Name:        acc.name,
			File:        acc.file,
			Line:        acc.line,
			CallCount:   acc.calls,
			TotalTime:   acc.total,
			AverageTime: avg,
			Coroutine:   acc.coroutine,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalTime > out[j].TotalTime })
	return out
}

// stackFrame is one resolved profile frame.
type stackFrame struct {
	name string
	file string
	line int
}

// flattenFrames expands a sample's locations (including inlined frames) into
// a leaf-first frame list.
func flattenFrames(sample *profile.Sample) []stackFrame {
	frames := make([]stackFrame, 0, len(sample.Location))
	for _, loc := range sample.Location {
		for _, line := range loc.Line {
			if line.Function == nil {
				continue
			}
			frames = append(frames, stackFrame{
				name: line.Function.Name,
				file: line.Function.Filename,
				line: int(line.Line),
			})
		}
	}
	return frames
}

// StatisticalBackend samples wall-clock time across suspension points. It is
// the highest-fidelity backend and the first probed.
type StatisticalBackend struct {
	logger   zerolog.Logger
	interval time.Duration
	begun    bool
}

// NewStatisticalBackend creates the wall-clock statistical backend.
func NewStatisticalBackend(logger zerolog.Logger, interval time.Duration) *StatisticalBackend {
	return &StatisticalBackend{
		logger:   logger.With().Str("component", "backend_statistical").Logger(),
		interval: interval,
	}
}

// Name implements Backend.
func (b *StatisticalBackend) Name() string { return statisticalBackendName }

// Probe implements Backend. The sampler reads the process goroutine profile,
// which is always present.
func (b *StatisticalBackend) Probe() bool { return true }

// Begin clears the global accumulator and starts sampling.
func (b *StatisticalBackend) Begin(g *Guard) error {
	if g == nil {
		return fmt.Errorf("profiler: begin requires a session guard")
	}
	if err := globalSampler.start(b.interval); err != nil {
		return err
	}
	b.begun = true
	b.logger.Debug().Dur("interval", b.interval).Msg("wall-clock sampling started")
	return nil
}

// End halts sampling. Without a prior Begin it is a no-op.
func (b *StatisticalBackend) End() error {
	if !b.begun {
		return nil
	}
	b.begun = false
	globalSampler.halt()
	return nil
}

// Collect returns the sampled function statistics. An immediately ended
// session returns an empty slice.
func (b *StatisticalBackend) Collect() ([]report.FunctionStat, error) {
	return globalSampler.snapshot(), nil
}
