package registry

import (
	"testing"
	"time"

	"github.com/oriys/novaisolate/internal/worker"
)

func TestLRUIndexPromoteReordersAndRefreshesAccess(t *testing.T) {
	idx := newLRUIndex(10, time.Hour)
	now := time.Now()

	a, b, c := worker.Handle("a"), worker.Handle("b"), worker.Handle("c")
	idx.insertLocked(a, &WorkerState{}, now)
	idx.insertLocked(b, &WorkerState{}, now.Add(time.Millisecond))
	idx.insertLocked(c, &WorkerState{}, now.Add(2*time.Millisecond))

	// Front-to-back order after three inserts is c, b, a (most-recent-first).
	got := idx.handlesLocked()
	want := []worker.Handle{c, b, a}
	if !equalHandles(got, want) {
		t.Fatalf("handlesLocked() = %v, want %v", got, want)
	}

	if _, ok := idx.promoteLocked(a, now.Add(3*time.Millisecond)); !ok {
		t.Fatalf("promoteLocked(a) should find a")
	}

	got = idx.handlesLocked()
	want = []worker.Handle{a, c, b}
	if !equalHandles(got, want) {
		t.Fatalf("after promoting a, handlesLocked() = %v, want %v", got, want)
	}
}

func TestLRUIndexEvictOneDropsLeastRecentlyUsed(t *testing.T) {
	idx := newLRUIndex(2, time.Hour)
	now := time.Now()

	a, b := worker.Handle("a"), worker.Handle("b")
	idx.insertLocked(a, &WorkerState{}, now)
	idx.insertLocked(b, &WorkerState{}, now.Add(time.Millisecond))

	ex := idx.evictOneLocked()
	if ex == nil || ex.handle != a {
		t.Fatalf("evictOneLocked() = %v, want eviction of %q", ex, a)
	}
	if idx.len() != 1 {
		t.Fatalf("len() = %d, want 1", idx.len())
	}
	if _, ok := idx.peekLocked(a); ok {
		t.Fatalf("peekLocked(a) found an entry that should have been evicted")
	}
}

func TestLRUIndexExpireDropsOnlyStaleEntries(t *testing.T) {
	idx := newLRUIndex(10, 50*time.Millisecond)
	base := time.Now()

	stale, fresh := worker.Handle("stale"), worker.Handle("fresh")
	idx.insertLocked(stale, &WorkerState{}, base)
	idx.insertLocked(fresh, &WorkerState{}, base.Add(40*time.Millisecond))

	expired := idx.expireLocked(base.Add(60 * time.Millisecond))
	if len(expired) != 1 || expired[0].handle != stale {
		t.Fatalf("expireLocked() = %v, want exactly %q expired", expired, stale)
	}
	if _, ok := idx.peekLocked(fresh); !ok {
		t.Fatalf("peekLocked(fresh) should still find the non-stale entry")
	}
}

func TestLRUIndexPeekDoesNotPromote(t *testing.T) {
	idx := newLRUIndex(10, time.Hour)
	now := time.Now()

	a, b := worker.Handle("a"), worker.Handle("b")
	idx.insertLocked(a, &WorkerState{}, now)
	idx.insertLocked(b, &WorkerState{}, now.Add(time.Millisecond))

	if _, ok := idx.peekLocked(a); !ok {
		t.Fatalf("peekLocked(a) should find a")
	}

	// Order must be unchanged by peek: b (most recent insert) stays in front.
	got := idx.handlesLocked()
	want := []worker.Handle{b, a}
	if !equalHandles(got, want) {
		t.Fatalf("after peek, handlesLocked() = %v, want %v (peek must not promote)", got, want)
	}
}

func TestLRUIndexRemoveLocked(t *testing.T) {
	idx := newLRUIndex(10, time.Hour)
	now := time.Now()

	a := worker.Handle("a")
	idx.insertLocked(a, &WorkerState{}, now)

	if _, ok := idx.removeLocked(a); !ok {
		t.Fatalf("removeLocked(a) should find a")
	}
	if _, ok := idx.removeLocked(a); ok {
		t.Fatalf("removeLocked(a) a second time should find nothing")
	}
	if idx.len() != 0 {
		t.Fatalf("len() = %d, want 0", idx.len())
	}
}

func equalHandles(a, b []worker.Handle) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
