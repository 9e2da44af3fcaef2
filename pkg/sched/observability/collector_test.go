package observability

import (
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedscope/schedscope/pkg/sched"
)

// staticProvider serves a fixed snapshot.
type staticProvider struct {
	name  string
	stats sched.Stats
}

func (p *staticProvider) Name() string       { return p.name }
func (p *staticProvider) Stats() sched.Stats { return p.stats }

func TestCollector_Collect(t *testing.T) {
	provider := &staticProvider{
		name: "web",
		stats: sched.Stats{
			Spawned:   7,
			Completed: 5,
			Cancelled: 1,
			Panicked:  1,
			Runnable:  1,
			Live:      2,
		},
	}
	c := NewCollector("schedscope", provider)

	expected := `
# HELP schedscope_sched_live_tasks Tasks spawned but not yet finished.
# TYPE schedscope_sched_live_tasks gauge
schedscope_sched_live_tasks{loop="web"} 2
# HELP schedscope_sched_runnable_tasks Tasks currently queued to run.
# TYPE schedscope_sched_runnable_tasks gauge
schedscope_sched_runnable_tasks{loop="web"} 1
# HELP schedscope_sched_tasks_cancelled_total Total tasks cancelled.
# TYPE schedscope_sched_tasks_cancelled_total counter
schedscope_sched_tasks_cancelled_total{loop="web"} 1
# HELP schedscope_sched_tasks_completed_total Total tasks completed.
# TYPE schedscope_sched_tasks_completed_total counter
schedscope_sched_tasks_completed_total{loop="web"} 5
# HELP schedscope_sched_tasks_panicked_total Total tasks that panicked.
# TYPE schedscope_sched_tasks_panicked_total counter
schedscope_sched_tasks_panicked_total{loop="web"} 1
# HELP schedscope_sched_tasks_spawned_total Total tasks spawned.
# TYPE schedscope_sched_tasks_spawned_total counter
schedscope_sched_tasks_spawned_total{loop="web"} 7
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestCollector_ScrapesFreshSnapshot(t *testing.T) {
	provider := &staticProvider{name: "web"}
	c := NewCollector("", provider)

	assert.Equal(t, 6, testutil.CollectAndCount(c))

	reg := prom.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	provider.stats.Spawned = 3
	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() != "schedscope_sched_tasks_spawned_total" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found, "spawned counter missing from scrape")
}

func TestRegister_ToleratesDuplicate(t *testing.T) {
	reg := prom.NewRegistry()
	provider := &staticProvider{name: "web"}
	c := NewCollector("schedscope", provider)

	require.NoError(t, Register(reg, c))
	assert.NoError(t, Register(reg, c), "re-registering the same collector must be tolerated")
}
