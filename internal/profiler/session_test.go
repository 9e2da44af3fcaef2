package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedscope/schedscope/internal/config"
	"github.com/schedscope/schedscope/pkg/sched"
)

func sessionConfig() config.Config {
	cfg := config.Default()
	cfg.SampleInterval = 2 * time.Millisecond
	cfg.LagSampleCount = 3
	cfg.LagProbeDelay = 2 * time.Millisecond
	cfg.LagProbeSpacing = time.Millisecond
	return cfg
}

func TestSession_FullLifecycle(t *testing.T) {
	l := newTestLoop(t)

	s, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StatusActive, s.Status())
	assert.True(t, l.SpawnIntercepted(), "task tracking must intercept the spawn entry point")

	_, err = l.Spawn("parent", func(ctx context.Context) {
		_, _ = l.Spawn("child", func(ctx context.Context) {
			sched.Yield(ctx)
		})
		spinBusy(20 * time.Millisecond)
	})
	require.NoError(t, err)
	waitIdle(t, l)

	rep, err := s.Stop()
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, StatusStopped, s.Status())
	assert.False(t, l.SpawnIntercepted(), "stop must restore the spawn entry point")

	assert.Equal(t, s.ID(), rep.SessionID)
	assert.Equal(t, s.Backend(), rep.Backend)
	assert.Equal(t, 2, rep.TaskCount)
	require.Len(t, rep.Tasks, 1)
	require.Len(t, rep.Tasks[0].Children, 1)
	assert.Equal(t, 3, rep.Lag.Count)
	assert.Greater(t, rep.Duration, time.Duration(0))
}

func TestSession_StopIsIdempotent(t *testing.T) {
	l := newTestLoop(t)

	s, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)

	first, err := s.Stop()
	require.NoError(t, err)
	second, err := s.Stop()
	require.NoError(t, err)
	assert.Same(t, first, second, "repeated stops return the same report")
}

func TestSession_SecondSessionConflicts(t *testing.T) {
	l := newTestLoop(t)

	s, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)

	_, err = OpenSession(l, sessionConfig(), zerolog.Nop())
	require.ErrorIs(t, err, ErrInstrumentationConflict)

	// The failed attempt leaves the first session fully functional.
	assert.Equal(t, StatusActive, s.Status())
	rep, err := s.Stop()
	require.NoError(t, err)
	require.NotNil(t, rep)

	// After a clean stop the slot is free again.
	s2, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = s2.Stop()
	require.NoError(t, err)
}

func TestSession_EmptyWindow(t *testing.T) {
	l := newTestLoop(t)

	cfg := sessionConfig()
	cfg.LagSampleCount = 0
	s, err := OpenSession(l, cfg, zerolog.Nop())
	require.NoError(t, err)

	rep, err := s.Stop()
	require.NoError(t, err)

	assert.Zero(t, rep.TaskCount)
	assert.Empty(t, rep.Tasks)
	assert.Empty(t, rep.Blocking)
	assert.Zero(t, rep.Lag.Count)
	assert.Greater(t, rep.Overhead, time.Duration(0))
	assert.Less(t, rep.Overhead, 100*time.Millisecond)
}

func TestSession_PinnedHeartbeat(t *testing.T) {
	l := newTestLoop(t)

	cfg := sessionConfig()
	cfg.Backend = config.BackendHeartbeat
	s, err := OpenSession(l, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", s.Backend())

	time.Sleep(20 * time.Millisecond)
	rep, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", rep.Backend)
	assert.Empty(t, rep.TopFunctions, "the heartbeat backend reports no function statistics")
	if rep.Health != nil {
		assert.Greater(t, rep.Health.RSSBytes, uint64(0))
	}
}

func TestSession_PinnedMonitor(t *testing.T) {
	l := newTestLoop(t)

	cfg := sessionConfig()
	cfg.Backend = config.BackendMonitor
	s, err := OpenSession(l, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "monitor", s.Backend())

	tk, err := l.Spawn("yielder", func(ctx context.Context) {
		sched.Yield(ctx)
	})
	require.NoError(t, err)
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}

	rep, err := s.Stop()
	require.NoError(t, err)
	require.NotEmpty(t, rep.TopFunctions)
	assert.True(t, rep.TopFunctions[0].Coroutine)
}

func TestSession_PinnedMonitorFailsWithoutHooks(t *testing.T) {
	l := sched.NewLoop(sched.Options{Name: "legacy", DisableEventHooks: true})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})

	cfg := sessionConfig()
	cfg.Backend = config.BackendMonitor
	_, err := OpenSession(l, cfg, zerolog.Nop())
	require.Error(t, err)

	// The failed open releases the guard.
	s, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Stop()
	require.NoError(t, err)
}

func TestSession_TrackingDisabled(t *testing.T) {
	l := newTestLoop(t)

	cfg := sessionConfig()
	cfg.TrackTasks = false
	cfg.LagSampleCount = 0
	s, err := OpenSession(l, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, l.SpawnIntercepted())

	_, err = l.Spawn("untracked", func(ctx context.Context) {})
	require.NoError(t, err)
	waitIdle(t, l)

	rep, err := s.Stop()
	require.NoError(t, err)
	assert.Zero(t, rep.TaskCount)
}

func TestSession_InvalidConfig(t *testing.T) {
	l := newTestLoop(t)
	cfg := sessionConfig()
	cfg.BlockingThreshold = 0
	_, err := OpenSession(l, cfg, zerolog.Nop())
	require.Error(t, err)

	// Validation failures must not leak the guard.
	s, err := OpenSession(l, sessionConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Stop()
	require.NoError(t, err)
}

func TestSessionStatus_String(t *testing.T) {
	assert.Equal(t, "active", StatusActive.String())
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", SessionStatus(9).String())
}
