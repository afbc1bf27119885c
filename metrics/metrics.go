// Package metrics exports the pyo3 reference accounting counters to
// Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gopyo3/pyo3"
)

const (
	namespace = "pyo3"
	pathKey   = "path"

	pathImmediate = "immediate"
	pathDeferred  = "deferred"
)

// Collector is a prometheus.Collector over pyo3.ReadStats. The package
// counters are read on every scrape.
type Collector struct {
	mu   sync.Mutex
	last pyo3.Stats
	read func() pyo3.Stats

	registry     *prometheus.Registry
	acquisitions prometheus.Counter
	increfs      prometheus.Counter
	decrefs      *prometheus.CounterVec
	drained      prometheus.Counter
	leaked       prometheus.Counter
	pending      prometheus.Gauge
}

// NewCollector returns a Collector reading the process-wide counters.
func NewCollector() *Collector {
	return newCollector(pyo3.ReadStats)
}

func newCollector(read func() pyo3.Stats) *Collector {
	c := &Collector{
		read:     read,
		registry: prometheus.NewRegistry(),
		acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Outermost acquisitions of the global lock.",
		}),
		increfs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "increfs_total",
			Help:      "Reference count increments issued by clones.",
		}),
		decrefs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrefs_total",
			Help:      "Reference releases, by whether the lock was held.",
		}, []string{pathKey}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_decrefs_total",
			Help:      "Deferred decrements applied by pool drains.",
		}),
		leaked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaked_references_total",
			Help:      "Owned references collected without being released.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_decrefs",
			Help:      "Deferred decrements waiting for the lock.",
		}),
	}
	c.registry.MustRegister(c.acquisitions, c.increfs, c.decrefs, c.drained, c.leaked, c.pending)
	return c
}

// Describe is part of the implementation of prometheus.Collector.
func (c *Collector) Describe(descCh chan<- *prometheus.Desc) {
	c.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (c *Collector) Collect(metricCh chan<- prometheus.Metric) {
	c.update()
	c.registry.Collect(metricCh)
}

func (c *Collector) update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.read()
	add := func(ctr prometheus.Counter, cur, last int64) {
		if d := cur - last; d > 0 {
			ctr.Add(float64(d))
		}
	}
	add(c.acquisitions, s.Acquisitions, c.last.Acquisitions)
	add(c.increfs, s.IncRefs, c.last.IncRefs)
	add(c.decrefs.WithLabelValues(pathImmediate), s.ImmediateDecRefs, c.last.ImmediateDecRefs)
	add(c.decrefs.WithLabelValues(pathDeferred), s.DeferredDecRefs, c.last.DeferredDecRefs)
	add(c.drained, s.Drained, c.last.Drained)
	add(c.leaked, s.Leaked, c.last.Leaked)
	c.pending.Set(float64(s.Pending))
	c.last = s
}
