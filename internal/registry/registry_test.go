package registry

import (
	"testing"
	"time"

	"github.com/oriys/novaisolate/internal/worker"
)

func TestUsage16SaturatesOnOverflow(t *testing.T) {
	got := usage16(3000, 1000, 30000)
	if got != 30000 {
		t.Fatalf("usage16(3000, 1000, 30000) = %d, want 30000 (saturated)", got)
	}
}

func TestUsage16SaturatesOnDivisionByZero(t *testing.T) {
	// 0/0 is NaN, which compute_usage_saturating saturates to the max,
	// not to zero.
	got := usage16(0, 0, 30000)
	if got != 30000 {
		t.Fatalf("usage16(0, 0, 30000) = %d, want 30000 (NaN saturates high)", got)
	}
}

func TestUsage16ProportionalWithinRange(t *testing.T) {
	got := usage16(500, 1000, 30000)
	if got != 15000 {
		t.Fatalf("usage16(500, 1000, 30000) = %d, want 15000", got)
	}
}

func TestClamp01RejectsInfinity(t *testing.T) {
	got := usage16(1, 0, 30000) // 1/0 == +Inf
	if got != 30000 {
		t.Fatalf("usage16(1, 0, 30000) = %d, want 30000 (+Inf saturates high)", got)
	}
}

// TestLoadCompositeSaturation covers a memory usage ratio past 1.0 (which
// must saturate rather than overflow) combined with a sub-capacity instance
// count.
func TestLoadCompositeSaturation(t *testing.T) {
	r := &Registry{
		idx: newLRUIndex(2, time.Hour),
		cfg: worker.Config{
			MaxNumOfInstances:        2,
			HighMemoryThresholdBytes: 1000,
		},
	}

	now := time.Now()
	a := &WorkerState{}
	a.memoryBytes.Store(2000)
	r.idx.insertLocked(worker.Handle("a"), a, now)

	got := r.Load()

	// memUsage: 2000/1000 = 2.0 > 1.0 -> saturates to 30000.
	// instUsage: 1/2 = 0.5 -> 15000.
	want := uint16(30000 + 15000)
	if got != want {
		t.Fatalf("Load() = %d, want %d", got, want)
	}
}

func TestLoadWithNoInstancesIsZero(t *testing.T) {
	r := &Registry{
		idx: newLRUIndex(2, time.Hour),
		cfg: worker.Config{
			MaxNumOfInstances:        2,
			HighMemoryThresholdBytes: 1000,
		},
	}

	got := r.Load()
	if got != 0 {
		t.Fatalf("Load() with no instances = %d, want 0", got)
	}
}
