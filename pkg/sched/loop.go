// Package sched implements a single-threaded cooperative task scheduler.
//
// All tasks spawned on a Loop execute under one run token: exactly one task
// runs at a time, and control changes hands only at suspension points (Sleep,
// Yield, task completion). The spawn entry point is swappable so diagnostic
// layers can observe task creation without changing scheduling behavior.
package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrLoopClosed is returned when spawning on a closed loop.
	ErrLoopClosed = errors.New("sched: loop is closed")
	// ErrSpawnPatched is returned when a spawn interceptor is already installed.
	ErrSpawnPatched = errors.New("sched: spawn entry point already intercepted")
	// ErrSinkAttached is returned when an event sink is already attached.
	ErrSinkAttached = errors.New("sched: event sink already attached")
)

// SpawnFunc is the task-creation entry point. Diagnostic layers may intercept
// it via InstallSpawnInterceptor.
type SpawnFunc func(name string, fn TaskFunc) (*Task, error)

// Stats is a point-in-time snapshot of loop activity.
type Stats struct {
	Spawned   uint64
	Completed uint64
	Cancelled uint64
	Panicked  uint64
	Runnable  int
	Live      int
}

// Options configures a Loop.
type Options struct {
	// Name identifies the loop in logs and metrics.
	Name string
	// Logger receives scheduler diagnostics. Defaults to a disabled logger.
	Logger zerolog.Logger
	// DisableEventHooks turns off the low-level event surface, as older
	// scheduler builds did not have it.
	DisableEventHooks bool
}

// Loop is a cooperative scheduler: one goroutine owns the run token and hands
// it to one task at a time.
type Loop struct {
	name   string
	logger zerolog.Logger

	spawnMu sync.Mutex
	spawn   SpawnFunc
	patched bool

	mu      sync.Mutex
	runq    []*Task
	live    map[TaskID]*Task
	idle    chan struct{}
	closing bool

	wake      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	current atomic.Pointer[Task]
	sink    atomic.Pointer[sinkHolder]
	caps    Capabilities

	nextID    atomic.Uint64
	spawned   atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	panicked  atomic.Uint64

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewLoop creates and starts a scheduler loop.
func NewLoop(opts Options) *Loop {
	name := opts.Name
	if name == "" {
		name = "sched"
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		name:       name,
		logger:     opts.Logger.With().Str("component", "sched").Str("loop", name).Logger(),
		live:       make(map[TaskID]*Task),
		wake:       make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		stopped:    make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
		caps: Capabilities{
			EventHooks: !opts.DisableEventHooks,
			APIVersion: currentAPIVersion,
		},
	}
	l.spawn = l.spawnTask

	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Current returns the task currently holding the run token, nil when the loop
// is between tasks.
func (l *Loop) Current() *Task { return l.current.Load() }

// Spawn creates a task through the current entry point (intercepted or not).
func (l *Loop) Spawn(name string, fn TaskFunc) (*Task, error) {
	l.spawnMu.Lock()
	spawn := l.spawn
	l.spawnMu.Unlock()
	return spawn(name, fn)
}

// SpawnInternal creates a task through the original entry point, bypassing any
// installed interceptor. Diagnostic probes use this so they do not observe
// themselves.
func (l *Loop) SpawnInternal(name string, fn TaskFunc) (*Task, error) {
	return l.spawnTask(name, fn)
}

// InstallSpawnInterceptor replaces the task-creation entry point. wrap is
// called with the original entry point under the spawn lock, so the returned
// interceptor can call through without ever observing a half-installed state.
// The original is returned; the caller owns it and must pass it back to
// RestoreSpawn. A second install without a restore is an error.
func (l *Loop) InstallSpawnInterceptor(wrap func(orig SpawnFunc) SpawnFunc) (SpawnFunc, error) {
	l.spawnMu.Lock()
	defer l.spawnMu.Unlock()
	if l.patched {
		return nil, ErrSpawnPatched
	}
	prev := l.spawn
	l.spawn = wrap(prev)
	l.patched = true
	return prev, nil
}

// RestoreSpawn reinstates the original task-creation entry point.
func (l *Loop) RestoreSpawn(orig SpawnFunc) {
	l.spawnMu.Lock()
	defer l.spawnMu.Unlock()
	l.spawn = orig
	l.patched = false
}

// SpawnIntercepted reports whether a spawn interceptor is installed.
func (l *Loop) SpawnIntercepted() bool {
	l.spawnMu.Lock()
	defer l.spawnMu.Unlock()
	return l.patched
}

// spawnTask is the original task-creation entry point.
func (l *Loop) spawnTask(name string, fn TaskFunc) (*Task, error) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil, ErrLoopClosed
	}
	l.mu.Unlock()

	id := TaskID(l.nextID.Add(1))
	funcName, file, line := funcIdentity(fn)
	ctx, cancel := context.WithCancel(l.baseCtx)

	t := &Task{
		id:       id,
		name:     name,
		funcName: funcName,
		file:     file,
		line:     line,
		loop:     l,
		cancel:   cancel,
		resume:   make(chan struct{}),
		pause:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.ctx = context.WithValue(ctx, taskKey, t)
	t.state.Store(int32(stateCreated))

	l.trackLive(t)
	l.spawned.Add(1)
	l.emit(Event{Kind: EventSpawn, Task: id, TaskName: name, FuncName: funcName, File: file, Line: line, When: time.Now()})

	go t.run(fn)
	l.push(t)
	return t, nil
}

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	runnable := len(l.runq)
	liveCount := len(l.live)
	l.mu.Unlock()
	return Stats{
		Spawned:   l.spawned.Load(),
		Completed: l.completed.Load(),
		Cancelled: l.cancelled.Load(),
		Panicked:  l.panicked.Load(),
		Runnable:  runnable,
		Live:      liveCount,
	}
}

// WaitIdle blocks until no live tasks remain or the context is done.
func (l *Loop) WaitIdle(ctx context.Context) error {
	l.mu.Lock()
	if len(l.live) == 0 {
		l.mu.Unlock()
		return nil
	}
	if l.idle == nil {
		l.idle = make(chan struct{})
	}
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all live tasks, waits for them to unwind, and stops the loop.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	tasks := make([]*Task, 0, len(l.live))
	for _, t := range l.live {
		tasks = append(tasks, t)
	}
	l.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	if err := l.WaitIdle(ctx); err != nil {
		return err
	}

	l.cancelBase()
	l.closeOnce.Do(func() { close(l.closeCh) })

	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns the token and hands it to one runnable task at a time.
func (l *Loop) run() {
	defer close(l.stopped)
	for {
		t := l.next()
		if t == nil {
			return
		}
		t.state.Store(int32(stateRunning))
		l.current.Store(t)
		t.resume <- struct{}{}
		<-t.pause
		l.current.Store(nil)
	}
}

// next dequeues the next runnable task, blocking until one is available or the
// loop is closed with an empty queue.
func (l *Loop) next() *Task {
	for {
		l.mu.Lock()
		if len(l.runq) > 0 {
			t := l.runq[0]
			l.runq = l.runq[1:]
			l.mu.Unlock()
			return t
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.closeCh:
			l.mu.Lock()
			empty := len(l.runq) == 0
			l.mu.Unlock()
			if empty {
				return nil
			}
		}
	}
}

// push moves a freshly created task onto the run queue.
func (l *Loop) push(t *Task) {
	if !t.state.CompareAndSwap(int32(stateCreated), int32(stateRunnable)) {
		return
	}
	l.append(t)
}

// wakeTask moves a suspended task back onto the run queue. Stale wake-ups
// (from timers armed before a cancel, or earlier suspensions) are dropped by
// the generation check.
func (l *Loop) wakeTask(t *Task, gen uint64) {
	if t.wakeGen.Load() != gen {
		return
	}
	if !t.state.CompareAndSwap(int32(stateWaiting), int32(stateRunnable)) {
		// A created task cancelled before its first slice still needs a turn
		// to unwind.
		if !t.state.CompareAndSwap(int32(stateCreated), int32(stateRunnable)) {
			return
		}
	}
	l.append(t)
}

func (l *Loop) append(t *Task) {
	l.mu.Lock()
	l.runq = append(l.runq, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) trackLive(t *Task) {
	l.mu.Lock()
	l.live[t.id] = t
	l.mu.Unlock()
}

func (l *Loop) taskFinished(t *Task, err error, cancelled bool) {
	l.completed.Add(1)
	if cancelled {
		l.cancelled.Add(1)
	}
	if err != nil {
		l.panicked.Add(1)
	}

	l.mu.Lock()
	delete(l.live, t.id)
	if len(l.live) == 0 && l.idle != nil {
		close(l.idle)
		l.idle = nil
	}
	l.mu.Unlock()
}
