package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedscope/schedscope/pkg/sched"
)

// fakeEventSource scripts scheduler capabilities and captures the sink.
type fakeEventSource struct {
	caps sched.Capabilities
	sink sched.EventSink
}

func (f *fakeEventSource) Capabilities() sched.Capabilities { return f.caps }

func (f *fakeEventSource) AttachEventSink(s sched.EventSink) error {
	if f.sink != nil {
		return sched.ErrSinkAttached
	}
	f.sink = s
	return nil
}

func (f *fakeEventSource) DetachEventSink() { f.sink = nil }

func fullCaps() sched.Capabilities {
	return sched.Capabilities{EventHooks: true, APIVersion: 2}
}

func TestMonitorBackend_Probe(t *testing.T) {
	tests := []struct {
		name string
		src  sched.EventSource
		want bool
	}{
		{name: "no source", src: nil, want: false},
		{name: "hooks disabled", src: &fakeEventSource{caps: sched.Capabilities{EventHooks: false, APIVersion: 2}}, want: false},
		{name: "api too old", src: &fakeEventSource{caps: sched.Capabilities{EventHooks: true, APIVersion: 1}}, want: false},
		{name: "available", src: &fakeEventSource{caps: fullCaps()}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMonitorBackend(zerolog.Nop(), tt.src)
			assert.Equal(t, tt.want, b.Probe())
		})
	}
}

func TestMonitorBackend_BeginRequiresSurface(t *testing.T) {
	b := NewMonitorBackend(zerolog.Nop(), nil)
	g, err := AcquireGuard("monitor-begin")
	require.NoError(t, err)
	defer g.Release()

	assert.ErrorIs(t, b.Begin(g), ErrBackendUnavailable)

	ok := NewMonitorBackend(zerolog.Nop(), &fakeEventSource{caps: fullCaps()})
	assert.Error(t, ok.Begin(nil), "begin without a guard must fail")
}

func TestMonitorBackend_AccumulatesRunningTime(t *testing.T) {
	src := &fakeEventSource{caps: fullCaps()}
	b := NewMonitorBackend(zerolog.Nop(), src)

	g, err := AcquireGuard("monitor-accumulate")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))
	require.NotNil(t, src.sink, "begin must attach the sink")

	base := time.Now()
	ev := func(kind sched.EventKind, task sched.TaskID, fn string, at time.Duration) {
		src.sink.HandleEvent(sched.Event{Kind: kind, Task: task, FuncName: fn, When: base.Add(at)})
	}

	// Task 1 runs 3ms, suspends 10ms, runs 2ms more: 5ms running total.
	ev(sched.EventCall, 1, "pkg.worker", 0)
	ev(sched.EventYield, 1, "pkg.worker", 3*time.Millisecond)
	ev(sched.EventResume, 1, "pkg.worker", 13*time.Millisecond)
	ev(sched.EventReturn, 1, "pkg.worker", 15*time.Millisecond)

	// Task 2 shares the entry function and runs 1ms without yielding.
	ev(sched.EventCall, 2, "pkg.worker", 20*time.Millisecond)
	ev(sched.EventReturn, 2, "pkg.worker", 21*time.Millisecond)

	require.NoError(t, b.End())
	assert.Nil(t, src.sink, "end must detach the sink")

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 1)

	st := stats[0]
	assert.Equal(t, "pkg.worker", st.Name)
	assert.Equal(t, int64(2), st.CallCount, "counts are exact, not sampled")
	assert.Equal(t, 6*time.Millisecond, st.TotalTime, "suspended time must be excluded")
	assert.True(t, st.Coroutine, "the entry yielded at least once")
	assert.Equal(t, 3*time.Millisecond, st.AverageTime)
}

func TestMonitorBackend_NeverYieldingTaskIsNotCoroutine(t *testing.T) {
	src := &fakeEventSource{caps: fullCaps()}
	b := NewMonitorBackend(zerolog.Nop(), src)

	g, err := AcquireGuard("monitor-sync")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))

	base := time.Now()
	src.sink.HandleEvent(sched.Event{Kind: sched.EventCall, Task: 1, FuncName: "pkg.syncWork", When: base})
	src.sink.HandleEvent(sched.Event{Kind: sched.EventReturn, Task: 1, FuncName: "pkg.syncWork", When: base.Add(200 * time.Millisecond)})
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.False(t, stats[0].Coroutine, "a task that never yielded blocked like a synchronous call")

	// It therefore stays eligible for blocking analysis.
	blocking := DetectBlockingCalls(stats, 100*time.Millisecond)
	require.Len(t, blocking, 1)
	assert.Equal(t, "pkg.syncWork", blocking[0].Function)
}

func TestMonitorBackend_CarriesSourceLocation(t *testing.T) {
	src := &fakeEventSource{caps: fullCaps()}
	b := NewMonitorBackend(zerolog.Nop(), src)

	g, err := AcquireGuard("monitor-source")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))

	base := time.Now()
	src.sink.HandleEvent(sched.Event{Kind: sched.EventCall, Task: 1, FuncName: "pkg.worker", File: "pkg/worker.go", Line: 42, When: base})
	src.sink.HandleEvent(sched.Event{Kind: sched.EventReturn, Task: 1, FuncName: "pkg.worker", When: base.Add(time.Millisecond)})
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "pkg/worker.go", stats[0].File)
	assert.Equal(t, 42, stats[0].Line)
}

func TestMonitorBackend_ResolutionFloor(t *testing.T) {
	src := &fakeEventSource{caps: fullCaps()}
	b := NewMonitorBackend(zerolog.Nop(), src)

	g, err := AcquireGuard("monitor-resolution")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))

	base := time.Now()
	src.sink.HandleEvent(sched.Event{Kind: sched.EventCall, Task: 1, FuncName: "pkg.tiny", When: base})
	src.sink.HandleEvent(sched.Event{Kind: sched.EventReturn, Task: 1, FuncName: "pkg.tiny", When: base.Add(70 * time.Microsecond)})

	src.sink.HandleEvent(sched.Event{Kind: sched.EventCall, Task: 2, FuncName: "pkg.small", When: base})
	src.sink.HandleEvent(sched.Event{Kind: sched.EventReturn, Task: 2, FuncName: "pkg.small", When: base.Add(350 * time.Microsecond)})
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byName := make(map[string]time.Duration)
	for _, st := range stats {
		byName[st.Name] = st.AverageTime
	}
	assert.Equal(t, time.Duration(0), byName["pkg.tiny"], "averages below the floor truncate to zero")
	assert.Equal(t, 300*time.Microsecond, byName["pkg.small"], "averages truncate to the resolution floor")
}

func TestMonitorBackend_EndClosesInflightSlices(t *testing.T) {
	src := &fakeEventSource{caps: fullCaps()}
	b := NewMonitorBackend(zerolog.Nop(), src)

	g, err := AcquireGuard("monitor-inflight")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))

	src.sink.HandleEvent(sched.Event{Kind: sched.EventCall, Task: 1, FuncName: "pkg.open", When: time.Now().Add(-40 * time.Millisecond)})
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.GreaterOrEqual(t, stats[0].TotalTime, 40*time.Millisecond, "the open slice must be billed up to end time")
}

func TestMonitorBackend_EndWithoutBeginIsNoop(t *testing.T) {
	b := NewMonitorBackend(zerolog.Nop(), &fakeEventSource{caps: fullCaps()})
	assert.NoError(t, b.End())
}

func TestMonitorBackend_LiveLoopSession(t *testing.T) {
	l := newTestLoop(t)
	b := NewMonitorBackend(zerolog.Nop(), l)
	require.True(t, b.Probe())

	g, err := AcquireGuard("monitor-live")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, b.Begin(g))

	tk, err := l.Spawn("real", func(ctx context.Context) {
		sched.Yield(ctx)
	})
	require.NoError(t, err)
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].CallCount)
	assert.True(t, stats[0].Coroutine)
	assert.Contains(t, stats[0].File, "monitor_test.go")
	assert.Greater(t, stats[0].Line, 0)
}
