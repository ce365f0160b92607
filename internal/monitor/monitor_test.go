package monitor

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/oriys/novaisolate/internal/isolateruntime"
	"github.com/oriys/novaisolate/internal/worker"
	v8 "rogchap.com/v8go"
)

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []worker.Handle
}

func (f *fakeEvictor) EvictForTimeBudget(handle worker.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, handle)
}

func (f *fakeEvictor) wasEvicted(handle worker.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.evicted {
		if h == handle {
			return true
		}
	}
	return false
}

// TestMonitorReturnsWithoutEvictingWhenInstanceExitsFirst simulates an
// instance whose own run loop closed its time-control channel (mailbox
// closed, explicit terminate) before any deadline ever had a chance to
// fire. Run must return quietly without touching the evictor or ih.
func TestMonitorReturnsWithoutEvictingWhenInstanceExitsFirst(t *testing.T) {
	timerCh := make(chan isolateruntime.TimerControl)
	itc := isolateruntime.InstanceTimeControl{TimerRx: timerCh, Budget: time.Hour}
	ev := &fakeEvictor{}

	done := make(chan struct{})
	go func() {
		Run(worker.Handle("h1"), nil, itc, ev, nil)
		close(done)
	}()

	close(timerCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its time-control channel closed")
	}

	if ev.wasEvicted("h1") {
		t.Fatal("Run evicted a handle whose instance had already exited on its own")
	}
}

// TestMonitorTerminatesRunawayScriptOnDeadline exercises the full
// Start/deadline path against a real isolate running a script that never
// returns on its own: a tiny time budget must still cause the instance to
// be interrupted and the evictor notified.
func TestMonitorTerminatesRunawayScriptOnDeadline(t *testing.T) {
	iso := v8.NewIsolateWith(0, 0)

	bundle := []byte(`globalThis.onFetch = function(req) { while (true) {} };`)
	handle := worker.NewHandle()

	var ih *isolateruntime.InstanceHandle
	var itc isolateruntime.InstanceTimeControl
	newErr := make(chan error, 1)

	// Instance.New and Instance.Run must both execute on the same
	// OS thread that owns iso, so this goroutine locks once and keeps
	// running the instance's loop for the rest of the test.
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var inst *isolateruntime.Instance
		var err error
		inst, ih, itc, err = isolateruntime.New(iso, handle, bundle, worker.Configuration{
			InitialBudget: 20 * time.Millisecond,
		}, nil)
		newErr <- err
		if err != nil {
			return
		}
		inst.Run(func() {})
	}()

	if err := <-newErr; err != nil {
		t.Fatalf("isolateruntime.New: %v", err)
	}

	ev := &fakeEvictor{}
	monitorDone := make(chan struct{})
	go func() {
		Run(handle, ih, itc, ev, nil)
		close(monitorDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ih.Fetch(ctx, worker.RequestObject{Method: "GET", URI: "/"})
	if err == nil {
		t.Fatal("Fetch against a runaway script should have failed once its budget ran out")
	}

	select {
	case <-monitorDone:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return after terminating the runaway instance")
	}

	if !ev.wasEvicted(handle) {
		t.Fatal("monitor did not notify the evictor after a time-budget termination")
	}
}
