package metrics

import (
	"net/http"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus instruments on a private registry. It
// implements dagengine.MetricsRecorder.
type Collector struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec

	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	timeSaved   prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a collector with all engine metrics registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagengine_node_executions_total",
				Help: "Total number of node results by node type and status",
			},
			[]string{"type", "status"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagengine_node_duration_seconds",
				Help:    "Node execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagengine_cache_lookups_total",
				Help: "Total number of result cache lookups by outcome",
			},
			[]string{"result"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagengine_runs_total",
				Help: "Total number of graph runs by status",
			},
			[]string{"status"},
		),

		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dagengine_run_duration_seconds",
				Help:    "Graph run wall-clock time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		timeSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dagengine_parallel_time_saved_seconds_total",
				Help: "Cumulative node time saved by running batches in parallel",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		c.nodeExecutions,
		c.nodeDuration,
		c.cacheLookups,
		c.runsTotal,
		c.runDuration,
		c.timeSaved,
	)

	return c
}

// ObserveNode records one node result.
func (c *Collector) ObserveNode(node *dagengine.NodeDefinition, result *dagengine.NodeResult) {
	kind := string(node.Kind)
	c.nodeExecutions.WithLabelValues(kind, string(result.Status)).Inc()
	if !result.Ran() {
		return
	}
	c.nodeDuration.WithLabelValues(kind).Observe(result.ExecutionTime.Seconds())
	if result.CacheHit {
		c.cacheLookups.WithLabelValues("hit").Inc()
	}
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(report *dagengine.ExecutionReport) {
	c.runsTotal.WithLabelValues(string(report.Status)).Inc()
	c.runDuration.Observe(report.ExecutionTime.Seconds())
	c.timeSaved.Add(report.PerformanceMetrics.TimeSavedByParallelism.Seconds())
	if n := report.PerformanceMetrics.CacheMisses; n > 0 {
		c.cacheLookups.WithLabelValues("miss").Add(float64(n))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
