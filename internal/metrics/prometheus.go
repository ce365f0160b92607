package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the isolate runtime.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	spawnsTotal           *prometheus.CounterVec
	fetchesTotal          *prometheus.CounterVec
	timeBudgetExhausted   prometheus.Counter
	evictionsTotal        *prometheus.CounterVec
	fetchDuration         prometheus.Histogram
	heapUsedBytes         prometheus.Histogram

	uptime         prometheus.GaugeFunc
	activeInstances prometheus.Gauge
	loadMetric      prometheus.Gauge
	runtimeInfo     *prometheus.GaugeVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem. runtimeID
// labels the runtime_info gauge so replicas are distinguishable in a
// multi-process scrape target (spec.md §3's RuntimeId).
func InitPrometheus(namespace, runtimeID string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		spawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawns_total",
				Help:      "Total Registry.Spawn calls by outcome",
			},
			[]string{"status"},
		),

		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total Registry.Fetch calls by outcome",
			},
			[]string{"status"},
		),

		timeBudgetExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "time_budget_exhausted_total",
				Help:      "Total instances torn down for exceeding their time budget",
			},
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Total Registry evictions by reason",
			},
			[]string{"reason"}, // idle, capacity
		),

		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_milliseconds",
				Help:      "Duration of Registry.Fetch calls in milliseconds",
				Buckets:   buckets,
			},
		),

		heapUsedBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_heap_used_bytes",
				Help:      "Sampled isolate heap usage per request",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10), // 1MiB .. 512MiB
			},
		),

		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Current number of live Registry entries",
			},
		),

		loadMetric: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "load",
				Help:      "Composite usage metric in [0, 60000] (spec §6)",
			},
		),

		runtimeInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runtime_info",
				Help:      "Constant 1, labeled by runtime_id; disambiguates replicas",
			},
			[]string{"runtime_id"},
		),
	}
	pm.runtimeInfo.WithLabelValues(runtimeID).Set(1)

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.spawnsTotal,
		pm.fetchesTotal,
		pm.timeBudgetExhausted,
		pm.evictionsTotal,
		pm.fetchDuration,
		pm.heapUsedBytes,
		pm.uptime,
		pm.activeInstances,
		pm.loadMetric,
		pm.runtimeInfo,
	)

	promMetrics = pm
}

// RecordPrometheusSpawn records a spawn outcome.
func RecordPrometheusSpawn(ok bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.spawnsTotal.WithLabelValues(statusLabel(ok)).Inc()
}

// RecordPrometheusFetch records a fetch outcome and duration.
func RecordPrometheusFetch(durationMs int64, ok bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.fetchesTotal.WithLabelValues(statusLabel(ok)).Inc()
	promMetrics.fetchDuration.Observe(float64(durationMs))
}

// RecordPrometheusTimeBudgetExhausted records a Monitor-triggered termination.
func RecordPrometheusTimeBudgetExhausted() {
	if promMetrics == nil {
		return
	}
	promMetrics.timeBudgetExhausted.Inc()
}

// RecordPrometheusEviction records a Registry eviction by reason.
func RecordPrometheusEviction(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.evictionsTotal.WithLabelValues(reason).Inc()
}

// RecordHeapUsedBytes records one sampled heap-usage observation.
func RecordHeapUsedBytes(bytes uint64) {
	if promMetrics == nil {
		return
	}
	promMetrics.heapUsedBytes.Observe(float64(bytes))
}

// SetActiveInstances sets the current live-instance gauge.
func SetActiveInstances(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInstances.Set(float64(count))
}

// SetLoadMetric sets the composite load gauge (spec.md §6).
func SetLoadMetric(load uint16) {
	if promMetrics == nil {
		return
	}
	promMetrics.loadMetric.Set(float64(load))
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
