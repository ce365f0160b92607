// Package isolatepool owns a fixed set of OS threads, each holding one
// reusable V8 isolate, and offers a single operation: run this closure on
// some isolate, with exclusive access to that thread's isolate for the
// call's duration.
//
// # Design rationale
//
// V8's isolate ownership model is strictly single-threaded: only the OS
// thread that created an isolate may touch it. Each pool worker therefore
// calls runtime.LockOSThread for its entire lifetime and never lets its
// isolate cross goroutines. This mirrors the teacher's functionPool design
// (internal/pool, in the source this package was adapted from) in spirit —
// a fixed resource bound to a worker, handed out on demand — but trades
// the teacher's warm-VM-across-invocations reuse for the spec's simpler
// contract: one thread serves one closure at a time, FIFO, forever.
//
// # Concurrency model
//
// Submissions are sent on an unbuffered jobs channel; size workers receive
// from it, so at most size closures run concurrently and excess
// submissions block their caller until a worker frees up. A closure panic
// is recovered at the worker boundary: the isolate is disposed and a fresh
// one created before the worker resumes serving, so one bad call can never
// wedge or poison the thread for the next submission.
package isolatepool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/oriys/novaisolate/internal/logging"
	v8 "rogchap.com/v8go"
)

// IsolateConfig controls per-isolate limits applied at creation time.
type IsolateConfig struct {
	// MaxMemoryBytes is the isolate's hard heap cap. V8 terminates script
	// execution with an uncatchable error if the heap would exceed it.
	MaxMemoryBytes uint64
}

type job struct {
	fn   func(iso *v8.Isolate)
	done chan struct{}
}

// Pool is a fixed-size set of isolate-owning worker threads.
//
// Safe for concurrent use. The zero value is not usable; construct with
// New.
type Pool struct {
	cfg  IsolateConfig
	jobs chan job
	wg   sync.WaitGroup
}

// New starts size worker threads, each preparing one isolate, and returns
// once all are ready to accept work. The only failure mode is script
// engine platform initialization, which v8go performs once per process on
// first isolate creation; a panic during that one-time init is not
// recoverable and is allowed to propagate as a fatal startup error, per
// SPEC_FULL.md §5.
func New(ctx context.Context, size int, cfg IsolateConfig) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("isolatepool: size must be positive, got %d", size)
	}

	p := &Pool{
		cfg:  cfg,
		jobs: make(chan job),
	}

	ready := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(ready)
	}

	for i := 0; i < size; i++ {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	logging.Op().Info("isolate pool ready", "size", size, "max_isolate_memory_bytes", cfg.MaxMemoryBytes)
	return p, nil
}

func (p *Pool) worker(ready chan<- struct{}) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	iso := p.newIsolate()
	ready <- struct{}{}

	for j := range p.jobs {
		iso = p.runJob(iso, j)
	}
	iso.Dispose()
}

func (p *Pool) newIsolate() *v8.Isolate {
	return v8.NewIsolateWith(0, p.cfg.MaxMemoryBytes)
}

// runJob executes one closure, containing any panic so the worker thread
// survives to serve the next submission. Returns the isolate the worker
// should keep using: a fresh one if the call panicked or left the isolate
// mid-interrupt (terminate_for_time_limit was invoked on it), since v8go
// has no call to clear that state short of disposing the isolate.
func (p *Pool) runJob(iso *v8.Isolate, j job) (next *v8.Isolate) {
	next = iso
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("isolate worker panicked; recreating isolate", "panic", r)
			iso.Dispose()
			next = p.newIsolate()
		}
	}()
	j.fn(iso)
	if iso.IsExecutionTerminating() {
		logging.Op().Info("isolate was interrupted; recreating isolate")
		iso.Dispose()
		next = p.newIsolate()
	}
	return next
}

// Run submits f to be executed on some available isolate-owning thread,
// with exclusive access to that thread's isolate for the call's duration,
// and blocks until f returns. Submissions beyond the pool's size wait in
// FIFO order behind whichever worker frees up first.
func (p *Pool) Run(f func(iso *v8.Isolate)) {
	done := make(chan struct{})
	p.jobs <- job{fn: f, done: done}
	<-done
}

// Shutdown drains outstanding submissions, stops accepting new ones, and
// waits for every worker thread to exit and dispose its isolate.
func (p *Pool) Shutdown() {
	close(p.jobs)
	p.wg.Wait()
}
