package profiler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/schedscope/schedscope/pkg/report"
	"github.com/schedscope/schedscope/pkg/sched"
)

const monitorBackendName = "monitor"

// monitorMinAPIVersion is the event surface revision the monitor needs: the
// yield/resume pair arrived in version 2, and without it running time cannot
// be separated from suspended time.
const monitorMinAPIVersion = 2

// monitorResolution is the backend's average-time resolution floor. Averages
// are truncated to this granularity; anything below it is reported as zero
// rather than as an invented figure.
const monitorResolution = 100 * time.Microsecond

// monitorAccum aggregates running time for one task entry function.
type monitorAccum struct {
	name      string
	file      string
	line      int
	total     time.Duration
	calls     int64
	coroutine bool
}

// taskSlice tracks an in-flight task's current run slice.
type taskSlice struct {
	key     uint64
	since   time.Time
	running bool
	yielded bool
}

// MonitorBackend aggregates low-level scheduler events (call/return/yield/
// resume) into per-function running time. It excludes suspended intervals,
// which is what makes it cheap: no stack capture, just interval arithmetic on
// events the scheduler already emits.
//
// A task that finished without ever yielding occupied the scheduler like any
// synchronous call, so its entry is reported as non-coroutine and stays
// eligible for blocking analysis.
type MonitorBackend struct {
	logger zerolog.Logger
	src    sched.EventSource

	mu       sync.Mutex
	funcs    map[uint64]*monitorAccum
	inflight map[sched.TaskID]*taskSlice
	attached bool
}

// NewMonitorBackend creates the native event monitor over the given source.
func NewMonitorBackend(logger zerolog.Logger, src sched.EventSource) *MonitorBackend {
	return &MonitorBackend{
		logger: logger.With().Str("component", "backend_monitor").Logger(),
		src:    src,
	}
}

// Name implements Backend.
func (b *MonitorBackend) Name() string { return monitorBackendName }

// Probe implements Backend. It returns false, never an error, when the
// scheduler does not expose a usable event surface.
func (b *MonitorBackend) Probe() bool {
	if b.src == nil {
		return false
	}
	caps := b.src.Capabilities()
	return caps.EventHooks && caps.APIVersion >= monitorMinAPIVersion
}

// Begin attaches to the scheduler event surface and resets accumulation.
func (b *MonitorBackend) Begin(g *Guard) error {
	if g == nil {
		return fmt.Errorf("profiler: begin requires a session guard")
	}
	if !b.Probe() {
		return fmt.Errorf("%w: scheduler exposes no event surface", ErrBackendUnavailable)
	}

	b.mu.Lock()
	b.funcs = make(map[uint64]*monitorAccum)
	b.inflight = make(map[sched.TaskID]*taskSlice)
	b.mu.Unlock()

	if err := b.src.AttachEventSink(b); err != nil {
		return fmt.Errorf("attach event sink: %w", err)
	}
	b.attached = true
	return nil
}

// End detaches from the event surface and closes out in-flight slices.
func (b *MonitorBackend) End() error {
	if !b.attached {
		return nil
	}
	b.attached = false
	b.src.DetachEventSink()

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sl := range b.inflight {
		if sl.running {
			if acc := b.funcs[sl.key]; acc != nil {
				acc.total += now.Sub(sl.since)
			}
		}
	}
	b.inflight = make(map[sched.TaskID]*taskSlice)
	return nil
}

// HandleEvent implements sched.EventSink. It runs synchronously on scheduler
// code paths and does only map updates and interval arithmetic.
func (b *MonitorBackend) HandleEvent(ev sched.Event) {
	key := xxh3.HashString(ev.FuncName)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.funcs == nil {
		return
	}

	switch ev.Kind {
	case sched.EventCall:
		acc, ok := b.funcs[key]
		if !ok {
			acc = &monitorAccum{name: ev.FuncName, file: ev.File, line: ev.Line}
			b.funcs[key] = acc
		}
		acc.calls++
		b.inflight[ev.Task] = &taskSlice{key: key, since: ev.When, running: true}

	case sched.EventYield:
		sl := b.inflight[ev.Task]
		if sl == nil || !sl.running {
			return
		}
		sl.running = false
		sl.yielded = true
		if acc := b.funcs[sl.key]; acc != nil {
			acc.total += ev.When.Sub(sl.since)
			acc.coroutine = true
		}

	case sched.EventResume:
		sl := b.inflight[ev.Task]
		if sl == nil {
			return
		}
		sl.running = true
		sl.since = ev.When

	case sched.EventReturn:
		sl := b.inflight[ev.Task]
		if sl == nil {
			return
		}
		if sl.running {
			if acc := b.funcs[sl.key]; acc != nil {
				acc.total += ev.When.Sub(sl.since)
			}
		}
		delete(b.inflight, ev.Task)
	}
}

// Collect returns per-function statistics with averages truncated to the
// documented resolution floor. Counts come only from observed call events.
func (b *MonitorBackend) Collect() ([]report.FunctionStat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]report.FunctionStat, 0, len(b.funcs))
	for _, acc := range b.funcs {
		avg := time.Duration(0)
		if acc.calls > 0 {
			avg = acc.total / time.Duration(acc.calls)
			avg -= avg % monitorResolution
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
	return out, nil
}

var _ sched.EventSink = (*MonitorBackend)(nil)
var _ Backend = (*MonitorBackend)(nil)
