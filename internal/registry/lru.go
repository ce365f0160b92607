package registry

import (
	"container/list"
	"time"

	"github.com/oriys/novaisolate/internal/worker"
)

// entry is one live Registry record: its handle, its WorkerState, and the
// timestamp promoteLocked last touched (used for TTL expiry).
type entry struct {
	handle     worker.Handle
	state      *WorkerState
	lastAccess time.Time
}

// lruIndex is a TTL-bounded LRU index: a container/list ordered
// most-recently-used-at-front, plus a handle->element map for O(1) lookup.
// Not safe for concurrent use on its own — every method assumes the caller
// already holds Registry.mu.
type lruIndex struct {
	ttl      time.Duration
	capacity int
	order    *list.List
	byHandle map[worker.Handle]*list.Element
}

func newLRUIndex(capacity int, ttl time.Duration) *lruIndex {
	return &lruIndex{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		byHandle: make(map[worker.Handle]*list.Element),
	}
}

func (l *lruIndex) len() int { return l.order.Len() }

// expireLocked drops every entry whose lastAccess is at least ttl old and
// returns them. Callers run this before any capacity eviction — TTL
// expiry is always attempted first (eviction ordering, spec.md §4.4).
func (l *lruIndex) expireLocked(now time.Time) []*entry {
	var expired []*entry
	for el := l.order.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		if now.Sub(e.lastAccess) >= l.ttl {
			l.order.Remove(el)
			delete(l.byHandle, e.handle)
			expired = append(expired, e)
		}
		el = prev
	}
	return expired
}

// evictOneLocked drops the single least-recently-used entry, if any.
func (l *lruIndex) evictOneLocked() *entry {
	el := l.order.Back()
	if el == nil {
		return nil
	}
	e := el.Value.(*entry)
	l.order.Remove(el)
	delete(l.byHandle, e.handle)
	return e
}

func (l *lruIndex) insertLocked(handle worker.Handle, state *WorkerState, now time.Time) {
	e := &entry{handle: handle, state: state, lastAccess: now}
	l.byHandle[handle] = l.order.PushFront(e)
}

// promoteLocked moves handle to the front, refreshes lastAccess, and
// returns its state. Used by Fetch: the spec calls for promotion under the
// writer lock before the (unlocked) await of the instance's reply.
func (l *lruIndex) promoteLocked(handle worker.Handle, now time.Time) (*WorkerState, bool) {
	el, ok := l.byHandle[handle]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	e.lastAccess = now
	l.order.MoveToFront(el)
	return e.state, true
}

// peekLocked returns a handle's state without promoting it or touching
// lastAccess, used by the statistics loop so a memory-usage update never
// resets a worker's idle clock.
func (l *lruIndex) peekLocked(handle worker.Handle) (*WorkerState, bool) {
	el, ok := l.byHandle[handle]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).state, true
}

func (l *lruIndex) removeLocked(handle worker.Handle) (*WorkerState, bool) {
	el, ok := l.byHandle[handle]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	l.order.Remove(el)
	delete(l.byHandle, handle)
	return e.state, true
}

// handlesLocked returns a snapshot of every retained handle, no promotion.
func (l *lruIndex) handlesLocked() []worker.Handle {
	out := make([]worker.Handle, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).handle)
	}
	return out
}

// statesLocked returns every retained WorkerState, no promotion, used by
// Load to sum memory usage across the whole registry.
func (l *lruIndex) statesLocked() []*WorkerState {
	out := make([]*WorkerState, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).state)
	}
	return out
}
