package auditlog

import "testing"

func TestRecordEnqueuesUntilQueueIsFull(t *testing.T) {
	w := &Writer{eventCh: make(chan Event, 2)}

	w.Record(Event{Handle: "a", Kind: "spawn"})
	w.Record(Event{Handle: "b", Kind: "spawn"})
	// Queue depth 2 is now full; this third Record must drop rather than
	// block, since nothing is draining eventCh in this test.
	w.Record(Event{Handle: "c", Kind: "spawn"})

	if len(w.eventCh) != 2 {
		t.Fatalf("eventCh has %d entries, want 2 (third Record should have been dropped)", len(w.eventCh))
	}

	first := <-w.eventCh
	if first.Handle != "a" {
		t.Fatalf("first queued event handle = %q, want %q", first.Handle, "a")
	}
}
