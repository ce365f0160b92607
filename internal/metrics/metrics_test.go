package metrics

import "testing"

func newTestMetrics() *Metrics {
	m := &Metrics{startTime: StartTime()}
	m.MinFetchLatencyMs.Store(int64(^uint64(0) >> 1))
	m.tsChan = make(chan timeSeriesEvent, 4096)
	m.initTimeSeries()
	return m
}

func TestRecordSpawnTracksTotals(t *testing.T) {
	m := newTestMetrics()
	m.RecordSpawn(true)
	m.RecordSpawn(false)
	m.RecordSpawn(true)

	if got := m.SpawnsTotal.Load(); got != 3 {
		t.Fatalf("SpawnsTotal = %d, want 3", got)
	}
	if got := m.SpawnsOK.Load(); got != 2 {
		t.Fatalf("SpawnsOK = %d, want 2", got)
	}
	if got := m.SpawnsFailed.Load(); got != 1 {
		t.Fatalf("SpawnsFailed = %d, want 1", got)
	}
}

func TestRecordFetchTracksLatencyBounds(t *testing.T) {
	m := newTestMetrics()
	m.RecordFetch(50, true)
	m.RecordFetch(10, true)
	m.RecordFetch(100, false)

	if got := m.FetchesTotal.Load(); got != 3 {
		t.Fatalf("FetchesTotal = %d, want 3", got)
	}
	if got := m.FetchesFailed.Load(); got != 1 {
		t.Fatalf("FetchesFailed = %d, want 1", got)
	}
	if got := m.MinFetchLatencyMs.Load(); got != 10 {
		t.Fatalf("MinFetchLatencyMs = %d, want 10", got)
	}
	if got := m.MaxFetchLatencyMs.Load(); got != 100 {
		t.Fatalf("MaxFetchLatencyMs = %d, want 100", got)
	}
}

func TestSnapshotComputesAverageLatency(t *testing.T) {
	m := newTestMetrics()
	m.RecordFetch(10, true)
	m.RecordFetch(30, true)

	snap := m.Snapshot()
	latency := snap["fetch_latency_ms"].(map[string]interface{})
	if avg := latency["avg"].(float64); avg != 20 {
		t.Fatalf("avg latency = %v, want 20", avg)
	}
}

func TestSnapshotWithNoFetchesHasZeroAverage(t *testing.T) {
	m := newTestMetrics()
	snap := m.Snapshot()
	latency := snap["fetch_latency_ms"].(map[string]interface{})
	if avg := latency["avg"].(float64); avg != 0 {
		t.Fatalf("avg latency with no fetches = %v, want 0", avg)
	}
	if min := latency["min"].(int64); min != 0 {
		t.Fatalf("min latency with no fetches = %v, want 0", min)
	}
}

func TestUpdateMinAndMaxAreMonotonic(t *testing.T) {
	m := newTestMetrics()
	m.RecordFetch(50, true)
	m.RecordFetch(5, true)
	m.RecordFetch(500, true)
	m.RecordFetch(20, true)

	if got := m.MinFetchLatencyMs.Load(); got != 5 {
		t.Fatalf("MinFetchLatencyMs = %d, want 5", got)
	}
	if got := m.MaxFetchLatencyMs.Load(); got != 500 {
		t.Fatalf("MaxFetchLatencyMs = %d, want 500", got)
	}
}
