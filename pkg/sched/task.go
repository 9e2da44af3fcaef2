package sched

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// TaskID identifies a task. IDs are process-unique for the lifetime of a loop.
type TaskID uint64

// TaskFunc is the unit of cooperatively scheduled work.
type TaskFunc func(ctx context.Context)

// taskState tracks where a task sits in the scheduling lifecycle.
type taskState int32

const (
	stateCreated taskState = iota
	stateRunnable
	stateRunning
	stateWaiting
	stateDone
)

// taskCancelled unwinds a task at a suspension point after Cancel.
type taskCancelled struct{}

// Task is one scheduled unit of work. All execution happens under the loop's
// run token, so task code never runs concurrently with other task code.
type Task struct {
	id       TaskID
	name     string
	funcName string
	file     string
	line     int

	loop   *Loop
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool
	wakeGen   atomic.Uint64

	// resume hands the run token to the task; pause hands it back to the loop.
	resume chan struct{}
	pause  chan struct{}

	done chan struct{}

	mu        sync.Mutex
	err       error
	finished  time.Time
	callbacks []func(*Task)
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Name returns the human-readable task name.
func (t *Task) Name() string { return t.name }

// FuncName returns the qualified name of the task's entry function.
func (t *Task) FuncName() string { return t.funcName }

// Source returns the file and line of the task's entry function.
func (t *Task) Source() (string, int) { return t.file, t.line }

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Err returns the task's terminal error, nil for clean or cancelled exits.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// FinishedAt returns when the task completed, zero if still running.
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Cancel requests cancellation. A running task unwinds at its next suspension
// point; a suspended task is woken to unwind. Cancelling a finished task is a
// no-op.
func (t *Task) Cancel() {
	if taskState(t.state.Load()) == stateDone {
		return
	}
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
		t.loop.wakeTask(t, t.wakeGen.Load())
	}
}

// OnComplete registers a callback invoked when the task finishes. If the task
// has already finished the callback runs immediately.
func (t *Task) OnComplete(cb func(*Task)) {
	t.mu.Lock()
	if taskState(t.state.Load()) == stateDone {
		t.mu.Unlock()
		cb(t)
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// run executes the task body under the loop's token discipline. It is the
// root frame of every task goroutine; the statistical sampler relies on this
// frame to recognize task stacks.
func (t *Task) run(fn TaskFunc) {
	<-t.resume
	t.loop.emit(Event{Kind: EventCall, Task: t.id, TaskName: t.name, FuncName: t.funcName, File: t.file, Line: t.line, When: time.Now()})

	var err error
	cancelled := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(taskCancelled); ok {
					cancelled = true
					return
				}
				err = fmt.Errorf("task %q panicked: %v", t.name, r)
				t.loop.logger.Error().
					Str("task", t.name).
					Interface("panic", r).
					Msg("task panicked")
			}
		}()
		if t.cancelled.Load() {
			cancelled = true
			return
		}
		fn(t.ctx)
	}()
	if t.cancelled.Load() {
		cancelled = true
	}

	t.finish(err, cancelled)
}

// finish records the terminal state, fires completion callbacks, and returns
// the run token to the loop. It runs exactly once per task.
func (t *Task) finish(err error, cancelled bool) {
	if cancelled {
		t.cancelled.Store(true)
	}

	// The done state flips under mu, before the callback snapshot: a
	// concurrent OnComplete either appends in time to be snapshotted or
	// observes the done state and runs immediately. No registration is lost.
	t.mu.Lock()
	t.err = err
	t.finished = time.Now()
	t.state.Store(int32(stateDone))
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.loop.emit(Event{Kind: EventReturn, Task: t.id, TaskName: t.name, FuncName: t.funcName, File: t.file, Line: t.line, When: time.Now(), Cancelled: cancelled})

	for _, cb := range callbacks {
		t.invokeCallback(cb)
	}
	close(t.done)
	t.loop.taskFinished(t, err, cancelled)

	t.pause <- struct{}{}
}

func (t *Task) invokeCallback(cb func(*Task)) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logger.Error().
				Str("task", t.name).
				Interface("panic", r).
				Msg("completion callback panicked")
		}
	}()
	cb(t)
}

// suspend yields the run token and parks the task until woken. arm schedules
// the wake-up and must not resume the task before the token is released; the
// generation counter filters stale wake-ups from earlier suspensions.
func (t *Task) suspend(arm func(gen uint64)) {
	if t.cancelled.Load() {
		panic(taskCancelled{})
	}

	gen := t.wakeGen.Add(1)
	t.state.Store(int32(stateWaiting))
	t.loop.emit(Event{Kind: EventYield, Task: t.id, TaskName: t.name, FuncName: t.funcName, File: t.file, Line: t.line, When: time.Now()})
	arm(gen)

	t.pause <- struct{}{}
	<-t.resume

	t.loop.emit(Event{Kind: EventResume, Task: t.id, TaskName: t.name, FuncName: t.funcName, File: t.file, Line: t.line, When: time.Now()})
	if t.cancelled.Load() {
		panic(taskCancelled{})
	}
}

// taskKey carries the current task through context.
type taskKeyType struct{}

var taskKey taskKeyType

// FromContext returns the task executing the given context, nil outside
// scheduler-managed code.
func FromContext(ctx context.Context) *Task {
	if v := ctx.Value(taskKey); v != nil {
		return v.(*Task)
	}
	return nil
}

// Sleep suspends the current task for at least d. Outside a task it degrades
// to time.Sleep.
func Sleep(ctx context.Context, d time.Duration) {
	t := FromContext(ctx)
	if t == nil {
		time.Sleep(d)
		return
	}
	t.suspend(func(gen uint64) {
		time.AfterFunc(d, func() {
			t.loop.wakeTask(t, gen)
		})
	})
}

// Yield suspends the current task and reschedules it behind other runnable
// tasks. Outside a task it is a no-op.
func Yield(ctx context.Context) {
	t := FromContext(ctx)
	if t == nil {
		return
	}
	t.suspend(func(gen uint64) {
		t.loop.wakeTask(t, gen)
	})
}

// funcIdentity resolves the qualified name and source location of a task
// function for instrumentation.
func funcIdentity(fn TaskFunc) (name, file string, line int) {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown", "", 0
	}
	file, line = f.FileLine(f.Entry())
	return f.Name(), file, line
}
