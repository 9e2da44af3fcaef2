// Package observability exports scheduler loop statistics to Prometheus.
package observability

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/schedscope/schedscope/pkg/sched"
)

// StatsProvider supplies point-in-time scheduler statistics. *sched.Loop
// satisfies it.
type StatsProvider interface {
	Name() string
	Stats() sched.Stats
}

var _ StatsProvider = (*sched.Loop)(nil)

// Collector exposes a loop's counters as Prometheus metrics, reading a fresh
// snapshot on every scrape.
type Collector struct {
	provider StatsProvider

	spawned   *prom.Desc
	completed *prom.Desc
	cancelled *prom.Desc
	panicked  *prom.Desc
	runnable  *prom.Desc
	live      *prom.Desc
}

// NewCollector creates a collector for the given loop.
func NewCollector(namespace string, provider StatsProvider) *Collector {
	if namespace == "" {
		namespace = "schedscope"
	}
	labels := []string{"loop"}
	return &Collector{
		provider:  provider,
		spawned:   prom.NewDesc(prom.BuildFQName(namespace, "sched", "tasks_spawned_total"), "Total tasks spawned.", labels, nil),
		completed: prom.NewDesc(prom.BuildFQName(namespace, "sched", "tasks_completed_total"), "Total tasks completed.", labels, nil),
		cancelled: prom.NewDesc(prom.BuildFQName(namespace, "sched", "tasks_cancelled_total"), "Total tasks cancelled.", labels, nil),
		panicked:  prom.NewDesc(prom.BuildFQName(namespace, "sched", "tasks_panicked_total"), "Total tasks that panicked.", labels, nil),
		runnable:  prom.NewDesc(prom.BuildFQName(namespace, "sched", "runnable_tasks"), "Tasks currently queued to run.", labels, nil),
		live:      prom.NewDesc(prom.BuildFQName(namespace, "sched", "live_tasks"), "Tasks spawned but not yet finished.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prom.Desc) {
	ch <- c.spawned
	ch <- c.completed
	ch <- c.cancelled
	ch <- c.panicked
	ch <- c.runnable
	ch <- c.live
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prom.Metric) {
	stats := c.provider.Stats()
	loop := c.provider.Name()
	ch <- prom.MustNewConstMetric(c.spawned, prom.CounterValue, float64(stats.Spawned), loop)
	ch <- prom.MustNewConstMetric(c.completed, prom.CounterValue, float64(stats.Completed), loop)
	ch <- prom.MustNewConstMetric(c.cancelled, prom.CounterValue, float64(stats.Cancelled), loop)
	ch <- prom.MustNewConstMetric(c.panicked, prom.CounterValue, float64(stats.Panicked), loop)
	ch <- prom.MustNewConstMetric(c.runnable, prom.GaugeValue, float64(stats.Runnable), loop)
	ch <- prom.MustNewConstMetric(c.live, prom.GaugeValue, float64(stats.Live), loop)
}

// Register registers the collector, tolerating an identical collector having
// been registered already.
func Register(reg prom.Registerer, c *Collector) error {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	err := reg.Register(c)
	if err == nil {
		return nil
	}
	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return fmt.Errorf("register scheduler collector: %w", err)
}

var _ prom.Collector = (*Collector)(nil)
