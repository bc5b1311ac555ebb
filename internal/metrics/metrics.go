// Package metrics exposes pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shepherd/internal/pipeline"
	"shepherd/internal/scheduler"
)

// Collector is a pipeline.Observer that maintains counters and gauges on
// its own registry.
type Collector struct {
	pipeline.NopObserver

	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	active      prometheus.Gauge
	failed      prometheus.Gauge
	retired     prometheus.Counter

	failedKeys map[string]struct{}
}

// New constructs a Collector labelled with the project name.
func New(project string) *Collector {
	labels := prometheus.Labels{"project": project}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shepherd_transitions_total",
			Help:        "Transitions applied, by transition name and destination state.",
			ConstLabels: labels,
		}, []string{"transition", "to"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shepherd_external_ops_total",
			Help:        "Completed background operations, by operation and outcome.",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "shepherd_external_op_duration_seconds",
			Help:        "Duration of background operations.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shepherd_retries_total",
			Help:        "Scheduled retries, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shepherd_active_items",
			Help:        "Items currently tracked by the pipeline.",
			ConstLabels: labels,
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shepherd_failed_items",
			Help:        "Active items parked after a failure.",
			ConstLabels: labels,
		}),
		retired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shepherd_retired_items_total",
			Help:        "Items that reached finished and were retired.",
			ConstLabels: labels,
		}),
		failedKeys: make(map[string]struct{}),
	}
	c.registry.MustRegister(
		c.transitions, c.operations, c.durations, c.retries,
		c.active, c.failed, c.retired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ItemAdded(pipeline.ItemView) {
	c.active.Inc()
}

func (c *Collector) ItemTransitioned(_ pipeline.ItemView, entry pipeline.HistoryEntry) {
	c.transitions.WithLabelValues(string(entry.Transition), string(entry.To)).Inc()
}

func (c *Collector) ItemFailed(view pipeline.ItemView, _ pipeline.Failure) {
	if _, seen := c.failedKeys[view.Key]; seen {
		return
	}
	c.failedKeys[view.Key] = struct{}{}
	c.failed.Inc()
}

func (c *Collector) ItemRetired(view pipeline.ItemView) {
	c.active.Dec()
	if _, ok := c.failedKeys[view.Key]; ok {
		delete(c.failedKeys, view.Key)
		c.failed.Dec()
	}
	if view.State == pipeline.StateFinished {
		c.retired.Inc()
	}
}

func (c *Collector) OperationCompleted(_ pipeline.ItemView, op string, result scheduler.Result) {
	c.operations.WithLabelValues(op, outcome(result)).Inc()
	if result.Duration > 0 {
		c.durations.WithLabelValues(op).Observe(result.Duration.Seconds())
	}
}

func (c *Collector) OperationRetried(_ pipeline.ItemView, op string, _ int) {
	c.retries.WithLabelValues(op).Inc()
}

func outcome(result scheduler.Result) string {
	switch {
	case result.OK():
		return "success"
	case result.Cancelled():
		return "cancelled"
	default:
		return "failure"
	}
}
