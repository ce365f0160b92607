package logging

import (
	"sync"
	"time"
)

// WorkerLogLine is one diagnostic line recorded for a worker instance,
// retained per instance so an operator can inspect recent script failures
// without a full tracing backend. The instance's dispatch path records the
// message of each script error here; calls to the script's native log API
// (internal/jsapi's "log" entry) go to the operational logger, not here.
type WorkerLogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// WorkerLogStore holds a bounded ring of recent log lines per WorkerHandle,
// with TTL cleanup so handles from long-terminated instances don't
// accumulate forever. In-memory only: worker script output is diagnostic,
// not part of the persisted-state boundary (spec.md §6 "No persisted
// state").
type WorkerLogStore struct {
	mu        sync.RWMutex
	perHandle int
	retention time.Duration
	entries   map[string]*workerLogEntry
}

type workerLogEntry struct {
	lines     []WorkerLogLine
	expiresAt time.Time
}

var globalWorkerLogStore = NewWorkerLogStore(50, 10*time.Minute)

// NewWorkerLogStore constructs a store retaining at most perHandle lines
// per handle, expiring a handle's lines retention after its last append.
func NewWorkerLogStore(perHandle int, retention time.Duration) *WorkerLogStore {
	s := &WorkerLogStore{
		perHandle: perHandle,
		retention: retention,
		entries:   make(map[string]*workerLogEntry),
	}
	go s.cleanupLoop()
	return s
}

// GlobalWorkerLogStore returns the process-wide worker log store.
func GlobalWorkerLogStore() *WorkerLogStore { return globalWorkerLogStore }

// Append records one log line for handle, evicting the oldest line once
// perHandle is exceeded.
func (s *WorkerLogStore) Append(handle, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[handle]
	if !ok {
		entry = &workerLogEntry{}
		s.entries[handle] = entry
	}
	entry.lines = append(entry.lines, WorkerLogLine{Timestamp: time.Now(), Message: message})
	if over := len(entry.lines) - s.perHandle; over > 0 {
		entry.lines = entry.lines[over:]
	}
	entry.expiresAt = time.Now().Add(s.retention)
}

// Get returns the retained log lines for handle, oldest first.
func (s *WorkerLogStore) Get(handle string) []WorkerLogLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[handle]
	if !ok {
		return nil
	}
	out := make([]WorkerLogLine, len(entry.lines))
	copy(out, entry.lines)
	return out
}

// Forget drops a handle's retained lines immediately, called by the
// Registry when a handle is removed.
func (s *WorkerLogStore) Forget(handle string) {
	s.mu.Lock()
	delete(s.entries, handle)
	s.mu.Unlock()
}

func (s *WorkerLogStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.cleanup()
	}
}

func (s *WorkerLogStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, handle)
		}
	}
}
