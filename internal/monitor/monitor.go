// Package monitor drives the per-instance time-control protocol (spec.md
// §4.5): one goroutine per live instance, selecting between the instance's
// Start/Stop/Reset channel and a deadline timer, terminating the instance
// the moment its cumulative time budget runs out.
//
// Grounded on original_source/rusty-workers-runtime/src/runtime.rs's
// monitor_task, translated from tokio::select! over a timer channel and a
// tokio::time::sleep_until into a Go select over a channel and a
// time.Timer.
package monitor

import (
	"time"

	"github.com/oriys/novaisolate/internal/auditlog"
	"github.com/oriys/novaisolate/internal/isolateruntime"
	"github.com/oriys/novaisolate/internal/logging"
	"github.com/oriys/novaisolate/internal/metrics"
	"github.com/oriys/novaisolate/internal/worker"
)

// Evictor is the subset of Registry a Monitor needs to tear a handle down
// once its time budget is exhausted.
type Evictor interface {
	EvictForTimeBudget(handle worker.Handle)
}

// Run drives handle's Start/Stop/Reset protocol until either its
// Instance closes the time-control channel (instance exited on its
// own — mailbox closed, explicit terminate, or TTL/capacity eviction) or
// its deadline fires first, in which case Run terminates the instance,
// records a "time_budget_exhausted" audit event (audit may be nil, in
// which case this is skipped), and asks ev to remove it from the live set.
//
// Must run in its own goroutine; blocks until one of those two things
// happens.
func Run(handle worker.Handle, ih *isolateruntime.InstanceHandle, itc isolateruntime.InstanceTimeControl, ev Evictor, audit *auditlog.Writer) {
	budget := itc.Budget
	var deadline time.Time
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerC = nil
	}
	defer stopTimer()

	for {
		select {
		case op, ok := <-itc.TimerRx:
			if !ok {
				return
			}
			switch op {
			case isolateruntime.TimerStart:
				deadline = time.Now().Add(budget)
				stopTimer()
				timer = time.NewTimer(budget)
				timerC = timer.C
			case isolateruntime.TimerStop:
				stopTimer()
				if now := time.Now(); now.After(deadline) {
					budget = 0
				} else {
					budget = deadline.Sub(now)
				}
			case isolateruntime.TimerReset:
				budget = itc.Budget
			}

		case <-timerC:
			logging.Op().Warn("instance exceeded its time budget; terminating",
				"handle", handle.String())
			metrics.Global().RecordTimeBudgetExhausted()
			if audit != nil {
				audit.Record(auditlog.Event{
					Handle: handle.String(),
					Kind:   "time_budget_exhausted",
					Reason: "execution exceeded its allotted time budget",
				})
			}
			ih.TerminateForTimeLimit()
			ih.Close()
			ev.EvictForTimeBudget(handle)
			return
		}
	}
}
