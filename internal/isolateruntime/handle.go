package isolateruntime

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/novaisolate/internal/worker"
	v8 "rogchap.com/v8go"
)

type requestEnvelope struct {
	req     worker.RequestObject
	replyTo chan fetchResult
}

type fetchResult struct {
	resp worker.ResponseObject
	err  error
}

// InstanceHandle is the cheap, clone-shareable async-world façade for an
// Instance (spec.md §4.3): mailbox submission, await, and termination.
// Safe for concurrent use; holding multiple copies is the expected way a
// Registry entry and an in-flight caller both refer to the same instance.
//
// requestTx is never closed: a concurrent Fetch racing a Close would panic
// sending on a closed channel. Close instead closes stopCh, which both
// Fetch and the Instance's run loop select on alongside the mailbox.
type InstanceHandle struct {
	requestTx chan<- requestEnvelope
	stopCh    chan struct{}
	iso       *v8.Isolate

	closeOnce sync.Once
}

// Fetch posts req to the instance's mailbox and awaits its reply. Requests
// on the same handle queue FIFO behind the instance's single-consumer
// mailbox; this call never races another Fetch for response ordering.
func (h *InstanceHandle) Fetch(ctx context.Context, req worker.RequestObject) (worker.ResponseObject, error) {
	reply := make(chan fetchResult, 1)
	select {
	case h.requestTx <- requestEnvelope{req: req, replyTo: reply}:
	case <-h.stopCh:
		return worker.ResponseObject{}, worker.ErrTerminated
	case <-ctx.Done():
		return worker.ResponseObject{}, asTimeout(ctx.Err())
	}

	select {
	case res := <-reply:
		return res.resp, res.err
	case <-h.stopCh:
		return worker.ResponseObject{}, worker.ErrTerminated
	case <-ctx.Done():
		// Cancelled: drop the reply channel. The instance's send into reply
		// (buffered, capacity 1) still succeeds and is simply never read.
		return worker.ResponseObject{}, asTimeout(ctx.Err())
	}
}

// asTimeout maps a deadline-expired context error onto worker.ErrTimeout
// (spec.md §7's timeout synonym), leaving an explicit cancellation as-is.
func asTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return worker.ErrTimeout
	}
	return err
}

// TerminateForTimeLimit issues a script-engine interrupt: it unwinds the
// isolate's current script turn with an uncatchable error. Called only by
// the Monitor when the cumulative time budget is exhausted.
func (h *InstanceHandle) TerminateForTimeLimit() {
	h.iso.TerminateExecution()
}

// Close signals the instance's run loop to stop accepting new requests.
// Idempotent: a second Close is a no-op. Called by the Registry on explicit
// terminate, TTL expiry, capacity eviction, or by the Monitor after a
// time-budget termination.
func (h *InstanceHandle) Close() {
	h.closeOnce.Do(func() { close(h.stopCh) })
}
