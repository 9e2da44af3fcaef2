package profiler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatBackend_AlwaysAvailable(t *testing.T) {
	b := NewHeartbeatBackend(zerolog.Nop())
	assert.Equal(t, "heartbeat", b.Name())
	assert.True(t, b.Probe())
	assert.Error(t, b.Begin(nil), "begin without a guard must fail")
}

func TestHeartbeatBackend_CapturesProcessHealth(t *testing.T) {
	b := NewHeartbeatBackend(zerolog.Nop())

	g, err := AcquireGuard("heartbeat-health")
	require.NoError(t, err)
	defer g.Release()

	require.NoError(t, b.Begin(g))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.End())

	stats, err := b.Collect()
	require.NoError(t, err)
	assert.Empty(t, stats, "the heartbeat backend has no function-level signal")

	health := b.Health()
	if health == nil {
		t.Skip("process introspection unavailable on this platform")
	}
	assert.Greater(t, health.RSSBytes, uint64(0))
	assert.GreaterOrEqual(t, health.CPUBusyFraction, 0.0)
}

func TestHeartbeatBackend_EndWithoutBegin(t *testing.T) {
	b := NewHeartbeatBackend(zerolog.Nop())
	require.NoError(t, b.End())
	assert.Nil(t, b.Health())
}
