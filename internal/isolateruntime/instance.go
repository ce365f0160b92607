// Package isolateruntime drives one compiled bundle on one pooled isolate:
// compile-and-install at startup, a single-consumer request mailbox, and
// the Start/Stop/Reset time-control emission around every dispatch
// (spec.md §4.2).
package isolateruntime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/novaisolate/internal/jsapi"
	"github.com/oriys/novaisolate/internal/logging"
	"github.com/oriys/novaisolate/internal/worker"
	"golang.org/x/sys/unix"
	v8 "rogchap.com/v8go"
)

// StatsPublisher receives a point-in-time snapshot. Instance calls it after
// every request; the receiver (Registry.UpdateStats) decides whether to
// keep it.
type StatsPublisher func(worker.Handle, worker.Statistics)

// Instance owns the compiled bundle and the isolate's v8 context. It lives
// exclusively on the pool thread that created it; nothing outside this
// package ever touches ctx or iso directly.
type Instance struct {
	handle worker.Handle
	iso    *v8.Isolate
	ctx    *v8.Context

	requestRx <-chan requestEnvelope
	stopRx    <-chan struct{}
	timerTx   chan<- TimerControl
	publish   StatsPublisher
}

// New compiles bundle in a fresh context on iso, installs the native API
// table, and builds the three views a pool thread needs to hand back to
// its spawner: the Instance itself (to run), a clone-shareable
// InstanceHandle, and the InstanceTimeControl consumed by a Monitor task.
//
// Must be called on the OS thread that owns iso (i.e. from inside an
// isolatepool.Pool.Run closure).
func New(iso *v8.Isolate, h worker.Handle, bundle []byte, cfg worker.Configuration, publish StatsPublisher) (*Instance, *InstanceHandle, InstanceTimeControl, error) {
	global := v8.NewObjectTemplate(iso)
	if err := jsapi.Install(iso, global); err != nil {
		return nil, nil, InstanceTimeControl{}, &worker.ScriptInitError{Message: err.Error()}
	}

	v8ctx := v8.NewContext(iso, global)
	if _, err := v8ctx.RunScript(string(bundle), h.String()+".js"); err != nil {
		v8ctx.Close()
		return nil, nil, InstanceTimeControl{}, &worker.ScriptInitError{Message: err.Error()}
	}

	requestCh := make(chan requestEnvelope)
	stopCh := make(chan struct{})
	timerCh := make(chan TimerControl, 4)

	inst := &Instance{
		handle:    h,
		iso:       iso,
		ctx:       v8ctx,
		requestRx: requestCh,
		stopRx:    stopCh,
		timerTx:   timerCh,
		publish:   publish,
	}

	handle := &InstanceHandle{
		requestTx: requestCh,
		stopCh:    stopCh,
		iso:       iso,
	}

	itc := InstanceTimeControl{
		TimerRx: timerCh,
		Budget:  cfg.InitialBudget,
	}

	return inst, handle, itc, nil
}

// Run is the pool thread's main loop: receive a request, dispatch it, send
// the reply, repeat, until the handle is closed (explicit terminate, TTL or
// capacity eviction, or a Monitor-issued time-budget termination). readyCB
// is invoked once the startup protocol completes (spec.md §4.2 step 2)
// immediately before entering the loop.
func (inst *Instance) Run(readyCB func()) {
	readyCB()
	defer inst.ctx.Close()
	defer close(inst.timerTx)

	for {
		select {
		case env := <-inst.requestRx:
			resp, err := inst.dispatch(env.req)
			select {
			case env.replyTo <- fetchResult{resp: resp, err: err}:
			default:
				// Caller cancelled and stopped reading; nothing to do.
			}
			if inst.iso.IsExecutionTerminating() {
				// terminate_for_time_limit fired mid-dispatch: the pool
				// will recreate this isolate once Run returns, so stop
				// here too.
				return
			}
		case <-inst.stopRx:
			return
		}
	}
}

// dispatch runs one request through the bundle's onFetch handler, bracketed
// by Reset/Start (before) and Stop (after) on the time-control channel.
// Reset at the start of every dispatch means the budget is per-request,
// not per-lifetime (SPEC_FULL.md §9).
func (inst *Instance) dispatch(req worker.RequestObject) (resp worker.ResponseObject, err error) {
	inst.timerTx <- TimerReset
	inst.timerTx <- TimerStart
	defer func() { inst.timerTx <- TimerStop }()

	resp, err = inst.invoke(req)
	inst.sampleStats()
	if scriptErr, ok := err.(*worker.ScriptError); ok {
		logging.GlobalWorkerLogStore().Append(inst.handle.String(), scriptErr.Message)
	}
	return resp, err
}

type jsRequest struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"` // base64
}

type jsResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"` // base64
}

func (inst *Instance) invoke(req worker.RequestObject) (worker.ResponseObject, error) {
	in := jsRequest{
		Method:  req.Method,
		URI:     req.URI,
		Headers: req.Headers,
		Body:    base64.StdEncoding.EncodeToString(req.Body),
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return worker.ResponseObject{}, fmt.Errorf("%w: marshal request: %v", worker.ErrInternal, err)
	}
	literal, err := json.Marshal(string(payload))
	if err != nil {
		return worker.ResponseObject{}, fmt.Errorf("%w: marshal request literal: %v", worker.ErrInternal, err)
	}

	script := fmt.Sprintf("JSON.stringify(globalThis.onFetch(JSON.parse(%s)))", literal)
	val, err := inst.ctx.RunScript(script, "<dispatch>")
	if err != nil {
		if inst.iso.IsExecutionTerminating() {
			return worker.ResponseObject{}, worker.ErrTerminated
		}
		return worker.ResponseObject{}, &worker.ScriptError{Message: err.Error()}
	}

	var out jsResponse
	if err := json.Unmarshal([]byte(val.String()), &out); err != nil {
		return worker.ResponseObject{}, &worker.ScriptError{Message: "onFetch returned a malformed response: " + err.Error()}
	}
	body, err := base64.StdEncoding.DecodeString(out.Body)
	if err != nil {
		return worker.ResponseObject{}, &worker.ScriptError{Message: "onFetch returned a malformed response body: " + err.Error()}
	}
	return worker.ResponseObject{Status: out.Status, Headers: out.Headers, Body: body}, nil
}

// sampleStats publishes a best-effort memory snapshot after each request.
// The auxiliary RUSAGE_THREAD sample is logged at debug level only; the
// statistics stream itself (spec.md §4.5) carries heap usage alone, per
// worker.Statistics.
func (inst *Instance) sampleStats() {
	hs := inst.iso.GetHeapStatistics()
	if inst.publish != nil {
		inst.publish(inst.handle, worker.Statistics{UsedMemoryBytes: hs.UsedHeapSize})
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err == nil {
		logging.Op().Debug("instance request sampled",
			"handle", inst.handle.String(),
			"used_heap_bytes", hs.UsedHeapSize,
			"thread_utime_sec", ru.Utime.Sec,
			"thread_stime_sec", ru.Stime.Sec,
		)
	}
}

// Close drops the compiled context outside of Run, used when startup
// itself fails after RunScript succeeded but before the instance is handed
// back (not currently reachable, kept for symmetry with New's early
// returns that close on compile failure).
func (inst *Instance) Close() {
	inst.ctx.Close()
}
