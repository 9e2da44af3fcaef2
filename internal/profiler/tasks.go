package profiler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/pkg/sched"
)

// TaskRecord captures one observed task. Completion fields are written once
// by the completion callback and never mutated afterwards.
type TaskRecord struct {
	ID          uint64
	Name        string
	FuncName    string
	File        string
	Line        int
	ParentID    *uint64
	CreatedAt   time.Time
	CompletedAt time.Time
	Cancelled   bool
	ErrMsg      string
}

// Instrumenter intercepts the scheduler's task-creation entry point to build
// a causal task hierarchy, independent of which statistics backend is active.
type Instrumenter struct {
	loop   *sched.Loop
	logger zerolog.Logger

	mu        sync.Mutex
	records   []*TaskRecord
	installed bool
}

// NewInstrumenter creates a task instrumentation layer for the given loop.
func NewInstrumenter(loop *sched.Loop, logger zerolog.Logger) *Instrumenter {
	return &Instrumenter{
		loop:   loop,
		logger: logger.With().Str("component", "task_instrumentation").Logger(),
	}
}

// InstallHandle owns the original spawn entry point. It is the only value
// capable of restoring it; restoration happens at most once.
type InstallHandle struct {
	loop *sched.Loop
	in   *Instrumenter
	orig sched.SpawnFunc
	once sync.Once
}

// Restore reinstates the original task-creation entry point. Safe to call
// multiple times; only the first call restores.
func (h *InstallHandle) Restore() error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		if h.orig == nil {
			err = fmt.Errorf("profiler: install handle holds no original entry point")
			return
		}
		h.loop.RestoreSpawn(h.orig)
		h.in.markUninstalled()
	})
	return err
}

// Install replaces the scheduler's spawn entry point with the recording
// wrapper. A second install while one is active is an
// ErrInstrumentationConflict: silently nesting would corrupt hierarchy
// ownership.
func (in *Instrumenter) Install() (*InstallHandle, error) {
	in.mu.Lock()
	if in.installed {
		in.mu.Unlock()
		return nil, fmt.Errorf("%w: task instrumentation already installed", ErrInstrumentationConflict)
	}
	in.installed = true
	in.records = nil
	in.mu.Unlock()

	orig, err := in.loop.InstallSpawnInterceptor(func(orig sched.SpawnFunc) sched.SpawnFunc {
		return func(name string, fn sched.TaskFunc) (*sched.Task, error) {
			return in.recordSpawn(orig, name, fn)
		}
	})
	if err != nil {
		in.markUninstalled()
		return nil, fmt.Errorf("%w: %v", ErrInstrumentationConflict, err)
	}

	return &InstallHandle{loop: in.loop, in: in, orig: orig}, nil
}

func (in *Instrumenter) markUninstalled() {
	in.mu.Lock()
	in.installed = false
	in.mu.Unlock()
}

// recordSpawn calls through to the original creation logic unchanged, then
// records the new task with the currently executing task as parent and hooks
// its completion.
func (in *Instrumenter) recordSpawn(orig sched.SpawnFunc, name string, fn sched.TaskFunc) (*sched.Task, error) {
	parent := in.loop.Current()

	t, err := orig(name, fn)
	if err != nil {
		return nil, err
	}

	rec := &TaskRecord{
		ID:        uint64(t.ID()),
		Name:      t.Name(),
		FuncName:  t.FuncName(),
		CreatedAt: time.Now(),
	}
	rec.File, rec.Line = t.Source()
	if rec.Name == "" {
		rec.Name = rec.FuncName
	}
	if parent != nil {
		pid := uint64(parent.ID())
		rec.ParentID = &pid
	}

	in.mu.Lock()
	in.records = append(in.records, rec)
	in.mu.Unlock()

	t.OnComplete(func(t *sched.Task) {
		in.mu.Lock()
		defer in.mu.Unlock()
		if !rec.CompletedAt.IsZero() {
			return
		}
		rec.CompletedAt = t.FinishedAt()
		rec.Cancelled = t.Cancelled()
		if terr := t.Err(); terr != nil {
			rec.ErrMsg = terr.Error()
		}
	})

	return t, nil
}

// Records returns a snapshot of the observed tasks in creation order.
// Completion callbacks firing later do not affect a returned snapshot.
func (in *Instrumenter) Records() []*TaskRecord {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*TaskRecord, len(in.records))
	for i, rec := range in.records {
		cp := *rec
		out[i] = &cp
	}
	return out
}
