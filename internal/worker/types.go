// Package worker holds the data model shared across the isolate runtime
// core: runtime and worker identity, per-worker configuration, the
// request/response envelope crossing the fetch boundary, and the error
// kinds that surface across it.
package worker

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RuntimeId identifies one runtime process. Generated once at process
// start and immutable for the process lifetime.
type RuntimeId string

// NewRuntimeId generates a fresh RuntimeId.
func NewRuntimeId() RuntimeId {
	return RuntimeId(uuid.NewString())
}

func (r RuntimeId) String() string { return string(r) }

// Handle identifies one live worker instance. Generated at spawn time,
// immutable, comparable (usable as a map key).
type Handle string

// NewHandle generates a fresh worker Handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

func (h Handle) String() string { return string(h) }

// Configuration is the immutable per-instance policy handed to spawn.
// MaxMemoryBytes is informational to the runtime core; the hard cap is
// enforced by the isolate itself (see internal/isolatepool).
type Configuration struct {
	InitialBudget  time.Duration
	MaxMemoryBytes uint64
}

// Config is the runtime-wide policy, immutable after construction.
type Config struct {
	MaxNumOfInstances       int
	MaxInactiveTime         time.Duration
	MaxIsolateMemoryBytes   uint64
	HighMemoryThresholdBytes uint64
}

// Statistics is a point-in-time snapshot published by the statistics loop.
type Statistics struct {
	UsedMemoryBytes uint64
}

// RequestObject is the self-contained request crossing the fetch boundary.
type RequestObject struct {
	Method  string
	URI     string
	Headers map[string][]string // lower-cased keys
	Body    []byte
}

// ResponseObject is the self-contained response crossing the fetch boundary.
type ResponseObject struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Error kinds surfaced across the external boundary (spec.md §7).
var (
	// ErrNoSuchWorker is returned when a handle is absent from the Registry.
	ErrNoSuchWorker = errors.New("no such worker")
	// ErrTerminated is returned when an instance was torn down (time
	// budget, memory, or explicit terminate) during a request.
	ErrTerminated = errors.New("worker terminated")
	// ErrTimeout is the synonym surfaced to a request whose deadline expired.
	ErrTimeout = errors.New("worker request timed out")
	// ErrInternal marks a pool/channel invariant violation; non-actionable
	// by the caller.
	ErrInternal = errors.New("internal runtime error")
)

// ScriptInitError reports that a bundle failed to compile or register its
// native API callbacks. Carries the underlying script engine message.
type ScriptInitError struct {
	Message string
}

func (e *ScriptInitError) Error() string { return "script init failed: " + e.Message }

// ScriptError reports that user script threw during a single request. It
// never tears down the instance; only the current request fails.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return "script error: " + e.Message }
