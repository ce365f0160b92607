// Package registry implements the Runtime Registry (spec.md §4.4): the
// bounded, TTL-and-capacity-evicted map from WorkerHandle to live instance
// that Spawn, Fetch, Terminate, List, and Load all operate against.
//
// Grounded on original_source/rusty-workers-runtime/src/runtime.rs's
// Runtime type (spawn/fetch/terminate/list/load/update_stats/lru_gc) and,
// for the concurrency shape, internal/pool/pool.go's per-key locking and
// atomic hot-path counters.
package registry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/novaisolate/internal/auditlog"
	"github.com/oriys/novaisolate/internal/isolatepool"
	"github.com/oriys/novaisolate/internal/isolateruntime"
	"github.com/oriys/novaisolate/internal/logging"
	"github.com/oriys/novaisolate/internal/metrics"
	"github.com/oriys/novaisolate/internal/monitor"
	"github.com/oriys/novaisolate/internal/worker"
	"go.opentelemetry.io/otel/trace"
	v8 "rogchap.com/v8go"
)

// WorkerState is a Registry entry: the handle needed to reach the running
// instance, plus the last memory sample the statistics loop recorded for
// it. memoryBytes is read by Load without promoting the entry, so it's an
// atomic rather than a plain field guarded by Registry.mu.
type WorkerState struct {
	handle      *isolateruntime.InstanceHandle
	memoryBytes atomic.Uint64
}

// Registry is the runtime-wide set of live instances. Safe for concurrent
// use. The zero value is not usable; construct with New.
type Registry struct {
	mu  sync.RWMutex
	idx *lruIndex

	cfg  worker.Config
	pool *isolatepool.Pool

	statsTx chan statUpdate
	closed  atomic.Bool

	metrics *metrics.Metrics
	audit   *auditlog.Writer
}

type statUpdate struct {
	handle worker.Handle
	stats  worker.Statistics
}

// New constructs a Registry bounded by cfg and backed by pool for isolate
// execution. audit is handed to each instance's Monitor, which records
// time-budget exhaustion through it; it may be nil, in which case those
// events simply go unrecorded. Idle and capacity evictions are not audited
// here. It starts the process-wide statistics-drain loop
// immediately; callers must call Close when shutting the daemon down.
func New(cfg worker.Config, pool *isolatepool.Pool, audit *auditlog.Writer) *Registry {
	r := &Registry{
		idx:     newLRUIndex(cfg.MaxNumOfInstances, cfg.MaxInactiveTime),
		cfg:     cfg,
		pool:    pool,
		statsTx: make(chan statUpdate, 256),
		metrics: metrics.Global(),
		audit:   audit,
	}
	go r.statisticsLoop()
	return r
}

// Spawn compiles bundle on a pooled isolate under cfg, registers it under a
// fresh handle, and starts its Monitor task. Eviction runs first if the
// Registry is at or past its TTL/capacity limits (spec.md §4.2 step 1,
// §4.4 eviction ordering): TTL-expired entries are dropped opportunistically
// before any capacity-driven LRU eviction is considered.
func (r *Registry) Spawn(ctx context.Context, bundle []byte, cfg worker.Configuration) (worker.Handle, error) {
	handle := worker.NewHandle()

	type outcome struct {
		ih  *isolateruntime.InstanceHandle
		itc isolateruntime.InstanceTimeControl
		err error
	}
	resultCh := make(chan outcome, 1)

	go r.pool.Run(func(iso *v8.Isolate) {
		inst, ih, itc, err := isolateruntime.New(iso, handle, bundle, cfg, r.publishStats)
		if err != nil {
			resultCh <- outcome{err: err}
			return
		}
		inst.Run(func() { resultCh <- outcome{ih: ih, itc: itc} })
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			r.metrics.RecordSpawn(false)
			return "", res.err
		}
		r.insert(handle, res.ih)
		go monitor.Run(handle, res.ih, res.itc, r, r.audit)
		r.metrics.RecordSpawn(true)
		return handle, nil
	case <-ctx.Done():
		// The pool goroutine above still runs to completion on its own. If
		// it produces a live instance after we've already given up on it,
		// nobody else will ever hold its InstanceHandle, so close it here
		// once it arrives rather than leak a pool thread forever.
		r.metrics.RecordSpawn(false)
		go func() {
			if res := <-resultCh; res.err == nil {
				res.ih.Close()
			}
		}()
		return "", ctx.Err()
	}
}

func (r *Registry) insert(handle worker.Handle, ih *isolateruntime.InstanceHandle) {
	r.mu.Lock()
	now := time.Now()
	for _, ex := range r.idx.expireLocked(now) {
		r.evictLocked(ex, "idle")
	}
	if r.idx.len() >= r.cfg.MaxNumOfInstances {
		if ex := r.idx.evictOneLocked(); ex != nil {
			r.evictLocked(ex, "capacity")
		}
	}
	state := &WorkerState{handle: ih}
	r.idx.insertLocked(handle, state, now)
	count := r.idx.len()
	r.mu.Unlock()

	metrics.SetActiveInstances(count)
}

// evictLocked closes a removed entry's handle and records the eviction
// reason. Caller holds r.mu.
func (r *Registry) evictLocked(e *entry, reason string) {
	e.state.handle.Close()
	logging.GlobalWorkerLogStore().Forget(e.handle.String())
	switch reason {
	case "idle":
		r.metrics.RecordIdleEviction()
	case "capacity":
		r.metrics.RecordCapacityEviction()
	}
}

// Fetch promotes handle to most-recently-used under the writer lock, then
// releases the lock before awaiting the instance's reply: a slow request
// never blocks Spawn/Terminate/List/Load for every other worker (spec.md
// §4.4, §9 Open Question resolved in favor of the teacher's own
// lock-scoped-to-bookkeeping pattern in internal/pool).
func (r *Registry) Fetch(ctx context.Context, handle worker.Handle, req worker.RequestObject) (worker.ResponseObject, error) {
	start := time.Now()

	var traceID, spanID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
		spanID = sc.SpanID().String()
	}

	r.mu.Lock()
	state, ok := r.idx.promoteLocked(handle, start)
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordFetch(0, false)
		return worker.ResponseObject{}, worker.ErrNoSuchWorker
	}

	resp, err := state.handle.Fetch(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	r.metrics.RecordFetch(elapsed, err == nil)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		logging.OpWithTrace(traceID, spanID).Warn("fetch failed", "handle", handle.String(), "error", errMsg)
	}
	logging.Default().Log(&logging.FetchLog{
		Handle:     handle.String(),
		Method:     req.Method,
		URI:        req.URI,
		TraceID:    traceID,
		DurationMs: elapsed,
		Success:    err == nil,
		Error:      errMsg,
		BodyBytes:  len(req.Body),
	})
	return resp, err
}

// Terminate removes handle from the live set and closes its instance,
// reporting whether it was present.
func (r *Registry) Terminate(handle worker.Handle) bool {
	r.mu.Lock()
	state, ok := r.idx.removeLocked(handle)
	count := r.idx.len()
	r.mu.Unlock()

	if !ok {
		return false
	}
	state.handle.Close()
	logging.GlobalWorkerLogStore().Forget(handle.String())
	metrics.SetActiveInstances(count)
	return true
}

// EvictForTimeBudget is called by a Monitor task after it has already
// terminated and closed the instance; it only needs the bookkeeping half
// of Terminate. Implements monitor.Evictor.
func (r *Registry) EvictForTimeBudget(handle worker.Handle) {
	r.mu.Lock()
	_, ok := r.idx.removeLocked(handle)
	count := r.idx.len()
	r.mu.Unlock()

	if ok {
		logging.GlobalWorkerLogStore().Forget(handle.String())
		metrics.SetActiveInstances(count)
	}
}

// List returns a snapshot of every currently-live handle, without
// promoting any of them (spec.md §4.4).
func (r *Registry) List() []worker.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx.handlesLocked()
}

// Load reports the composite usage metric described in spec.md §6: the sum
// of a memory-usage and an instance-count usage, each saturating in
// [0, 30000], for a total range of [0, 60000].
func (r *Registry) Load() uint16 {
	r.mu.RLock()
	states := r.idx.statesLocked()
	numInstances := len(states)
	r.mu.RUnlock()

	var totalMemory uint64
	for _, s := range states {
		totalMemory += s.memoryBytes.Load()
	}

	memUsage := usage16(float64(totalMemory), float64(r.cfg.HighMemoryThresholdBytes), 30000)
	instUsage := usage16(float64(numInstances), float64(r.cfg.MaxNumOfInstances), 30000)
	load := memUsage + instUsage

	metrics.SetLoadMetric(load)
	return load
}

// usage16 and clamp01 implement compute_usage_saturating from
// original_source/rusty-workers-runtime/src/runtime.rs exactly: a ratio
// that overflows past 1.0, or that isn't finite at all (including the
// division-by-zero case), saturates to the maximum rather than erroring.
func usage16(used, total float64, mul uint16) uint16 {
	return uint16(clamp01(used/total) * float64(mul))
}

func clamp01(usage float64) float64 {
	if !isFinite(usage) || usage > 1.0 {
		return 1.0
	}
	return usage
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// UpdateStats publishes a point-in-time statistics sample for handle. The
// send is non-blocking: a full channel drops the sample rather than apply
// backpressure to the instance thread that produced it (spec.md §4.5,
// "update_stats ... allow send to fail since this isn't critical").
func (r *Registry) UpdateStats(handle worker.Handle, stats worker.Statistics) {
	select {
	case r.statsTx <- statUpdate{handle: handle, stats: stats}:
	default:
	}
}

func (r *Registry) publishStats(handle worker.Handle, stats worker.Statistics) {
	r.UpdateStats(handle, stats)
}

// statisticsLoop drains UpdateStats samples and folds them into the
// matching WorkerState, found by peek so a statistics update never resets
// a worker's idle clock. Checks r.closed on every iteration so the loop
// degrades to a no-op drain rather than touching a Registry mid-teardown —
// the same "liveness flag instead of a true weak reference" substitute the
// corpus's own internal/pool.Pool.snapshotCallback uses for its owner
// shutting down underneath it.
func (r *Registry) statisticsLoop() {
	for upd := range r.statsTx {
		if r.closed.Load() {
			continue
		}
		r.mu.RLock()
		state, ok := r.idx.peekLocked(upd.handle)
		r.mu.RUnlock()
		if ok {
			state.memoryBytes.Store(upd.stats.UsedMemoryBytes)
			metrics.RecordHeapUsedBytes(upd.stats.UsedMemoryBytes)
		}
	}
}

// LRUGC runs an out-of-band sweep for TTL-expired entries, independent of
// Spawn's opportunistic expiry. Intended to be called periodically (e.g.
// from a daemon-level ticker) so idle workers are reclaimed even while no
// new Spawn calls are arriving to trigger it inline.
func (r *Registry) LRUGC() int {
	r.mu.Lock()
	expired := r.idx.expireLocked(time.Now())
	for _, ex := range expired {
		r.evictLocked(ex, "idle")
	}
	count := r.idx.len()
	r.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetActiveInstances(count)
	}
	return len(expired)
}

// Close stops the statistics loop and closes every remaining instance.
// Safe to call once; a second call is a no-op beyond re-closing statsTx,
// which would panic, so Close itself is not safe to call twice.
func (r *Registry) Close() {
	r.closed.Store(true)
	close(r.statsTx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, handle := range r.idx.handlesLocked() {
		if state, ok := r.idx.removeLocked(handle); ok {
			state.handle.Close()
		}
	}
}
