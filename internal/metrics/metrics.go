// Package metrics collects and exposes isolate runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (counters + a minute-bucketed time
//     series) for a lightweight JSON /metrics.json endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// Keeping both lets an operator curl a JSON snapshot without a Prometheus
// sidecar while still supporting a real scrape-based monitoring stack.
//
// # Concurrency — hot path
//
// RecordSpawn and RecordFetch are called from the Registry on every
// operation and must be as fast as possible: global counters use atomic
// increments, and per-call duration is dispatched onto a buffered channel
// (tsChan) for the time-series worker to fold in asynchronously. No lock
// is held on the hot path.
//
// # Invariants
//
//   - SpawnsTotal == SpawnsOK + SpawnsFailed.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 4096 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores fetch metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Fetches      int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes runtime metrics.
type Metrics struct {
	SpawnsTotal      atomic.Int64
	SpawnsOK         atomic.Int64
	SpawnsFailed     atomic.Int64
	FetchesTotal     atomic.Int64
	FetchesOK        atomic.Int64
	FetchesFailed    atomic.Int64
	TimeBudgetExhausted atomic.Int64
	IdleEvictions    atomic.Int64
	CapacityEvictions atomic.Int64

	TotalFetchLatencyMs atomic.Int64
	MinFetchLatencyMs   atomic.Int64
	MaxFetchLatencyMs   atomic.Int64

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on
// the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

var global = &Metrics{startTime: time.Now()}

var runtimeID atomic.Pointer[string]

// SetRuntimeID records the process-wide RuntimeId (spec.md §3) so it can be
// surfaced in a metrics snapshot alongside the Prometheus runtime_info
// gauge. Called once at daemon startup.
func SetRuntimeID(id string) {
	runtimeID.Store(&id)
}

// RuntimeID returns the RuntimeId set by SetRuntimeID, or "" if unset.
func RuntimeID() string {
	if p := runtimeID.Load(); p != nil {
		return *p
	}
	return ""
}

func init() {
	global.MinFetchLatencyMs.Store(int64(^uint64(0) >> 1)) // max int64
	global.tsChan = make(chan timeSeriesEvent, 4096)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordSpawn records the outcome of one Registry.Spawn call.
func (m *Metrics) RecordSpawn(ok bool) {
	m.SpawnsTotal.Add(1)
	if ok {
		m.SpawnsOK.Add(1)
	} else {
		m.SpawnsFailed.Add(1)
	}
	RecordPrometheusSpawn(ok)
}

// RecordFetch records the outcome and latency of one Registry.Fetch call.
func (m *Metrics) RecordFetch(durationMs int64, ok bool) {
	m.FetchesTotal.Add(1)
	if ok {
		m.FetchesOK.Add(1)
	} else {
		m.FetchesFailed.Add(1)
	}
	m.TotalFetchLatencyMs.Add(durationMs)
	updateMin(&m.MinFetchLatencyMs, durationMs)
	updateMax(&m.MaxFetchLatencyMs, durationMs)

	m.recordTimeSeries(durationMs, !ok)
	RecordPrometheusFetch(durationMs, ok)
}

// RecordTimeBudgetExhausted records a Monitor-triggered termination.
func (m *Metrics) RecordTimeBudgetExhausted() {
	m.TimeBudgetExhausted.Add(1)
	RecordPrometheusTimeBudgetExhausted()
}

// RecordIdleEviction records a TTL-driven Registry eviction.
func (m *Metrics) RecordIdleEviction() {
	m.IdleEvictions.Add(1)
	RecordPrometheusEviction("idle")
}

// RecordCapacityEviction records an LRU capacity-driven Registry eviction.
func (m *Metrics) RecordCapacityEviction() {
	m.CapacityEvictions.Add(1)
	RecordPrometheusEviction("capacity")
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Fetches++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	totalFetches := m.FetchesTotal.Load()
	avgLatency := float64(0)
	if totalFetches > 0 {
		avgLatency = float64(m.TotalFetchLatencyMs.Load()) / float64(totalFetches)
	}

	minLatency := m.MinFetchLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"runtime_id":     RuntimeID(),
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"spawns": map[string]interface{}{
			"total":  m.SpawnsTotal.Load(),
			"ok":     m.SpawnsOK.Load(),
			"failed": m.SpawnsFailed.Load(),
		},
		"fetches": map[string]interface{}{
			"total":  totalFetches,
			"ok":     m.FetchesOK.Load(),
			"failed": m.FetchesFailed.Load(),
		},
		"fetch_latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxFetchLatencyMs.Load(),
		},
		"time_budget_exhausted_total": m.TimeBudgetExhausted.Load(),
		"idle_evictions_total":        m.IdleEvictions.Load(),
		"capacity_evictions_total":    m.CapacityEvictions.Load(),
		"ts_dropped_events":           m.tsDroppedEvents.Load(),
	}
}

// JSONHandler returns an HTTP handler exposing metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

// TimeSeries returns minute-level fetch time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"fetches":      bucket.Fetches,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
