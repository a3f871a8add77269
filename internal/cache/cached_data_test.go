package cache

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	c := NewStatic[int]("test", 10)
	if !c.Put(1_000, 42) {
		t.Fatalf("expected first put to succeed")
	}
	v, ok := c.Get(1_000, 0)
	if !ok || v != 42 {
		t.Fatalf("get(k, 0) = %v, %v; want 42, true", v, ok)
	}
}

func TestPutDuplicateRejected(t *testing.T) {
	c := NewStatic[int]("test", 10)
	if !c.Put(1_000, 1) {
		t.Fatalf("expected first put to succeed")
	}
	if c.Put(1_000, 2) {
		t.Fatalf("expected duplicate put to be rejected")
	}
	v, ok := c.Get(1_000, 0)
	if !ok || v != 1 {
		t.Fatalf("duplicate put must not replace existing entry, got %v, %v", v, ok)
	}
}

func TestGetExactMissWithoutTolerance(t *testing.T) {
	c := NewStatic[int]("test", 10)
	c.Put(1_000, 1)
	if _, ok := c.Get(1_001, 0); ok {
		t.Fatalf("expected no match for a near-miss key with tolerate == 0")
	}
}

// TestGetToleranceSlotZeroAlwaysMisses pins the original's pre-test-loop
// underflow: for (uint64_t s = slot - 1; s < slot + 2; ++s) underflows
// slot - 1 to UINT64_MAX at slot == 0, so the loop body never runs and a
// tolerance lookup whose key falls in slot 0 always reports not-found,
// regardless of how close a neighboring entry is.
func TestGetToleranceSlotZeroAlwaysMisses(t *testing.T) {
	c := NewStatic[int]("test", 1_000_000) // base unit 1usec, so tolerate=1000 spans +-1000usec
	c.Put(1_000, 1)
	c.Put(2_000, 2)

	if _, ok := c.Get(1_500, 1000); ok {
		t.Fatalf("tolerance lookup at slot 0 must always miss, matching the original's underflowed scan")
	}
}

// TestGetToleranceNonZeroSlotFindsNeighbor exercises the same tolerance
// scan one slot up, where the original's loop does run and a neighbor
// match is expected.
func TestGetToleranceNonZeroSlotFindsNeighbor(t *testing.T) {
	c := NewStatic[int]("test", 1_000_000)
	c.Put(slotSize+1_000, 1)
	c.Put(slotSize+2_000, 2)

	v, ok := c.Get(slotSize+1_500, 1000)
	if !ok {
		t.Fatalf("expected a tolerance match in slot 1")
	}
	if v != 1 && v != 2 {
		t.Fatalf("unexpected match value %v", v)
	}
}

func TestNeighborSlotsZeroReturnsNone(t *testing.T) {
	if got := neighborSlots(0); got != nil {
		t.Fatalf("neighborSlots(0) = %v, want nil", got)
	}
}

func TestNeighborSlotsNonZero(t *testing.T) {
	got := neighborSlots(5)
	want := []int64{4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("neighborSlots(5) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("neighborSlots(5) = %v, want %v", got, want)
		}
	}
}

func TestGetNewestEmptyCache(t *testing.T) {
	c := NewDynamic[int]("test")
	if _, ok := c.GetNewest(); ok {
		t.Fatalf("expected ok=false on an empty cache")
	}
}

func TestGetNewestReturnsLatestInserted(t *testing.T) {
	c := NewDynamic[int]("test")
	c.Put(1_000, 1)
	c.Put(3_000, 3)
	c.Put(2_000, 2)

	v, ok := c.GetNewest()
	if !ok || v != 2 {
		t.Fatalf("GetNewest() = %v, %v; want 2, true (latest is the most recently inserted key, not the max key)", v, ok)
	}
}

func TestRemoveStaleBoundaryIsStrictLessThan(t *testing.T) {
	c := NewDynamic[int]("test")
	c.Put(1_000, 1)

	// latest (1_000) is not < staleTime (1_000), so the sweep runs, but its
	// cutoff slot is (1_000 - 1_000) / slotSize = 0 and slot 0 is kept.
	c.RemoveStale(1_000)
	if _, ok := c.Get(1_000, 0); !ok {
		t.Fatalf("RemoveStale must keep slot 0 when latest == staleTime (cutoff slot 0)")
	}
}

func TestRemoveStaleDropsOldSlots(t *testing.T) {
	c := NewDynamic[int]("test")
	c.Put(1_000, 1)
	c.Put(slotSize*5+1_000, 2)

	c.RemoveStale(slotSize * 2)
	if _, ok := c.Get(1_000, 0); ok {
		t.Fatalf("expected slot 0 entry to be removed as stale")
	}
	if _, ok := c.Get(slotSize*5+1_000, 0); !ok {
		t.Fatalf("expected recent entry to survive RemoveStale")
	}
}

func TestHzStaticVsDynamic(t *testing.T) {
	static := NewStatic[int]("test", 50)
	if static.Hz() != 50 {
		t.Fatalf("static Hz() = %v, want 50", static.Hz())
	}

	dyn := NewDynamic[int]("test")
	dyn.Put(1_000, 1)
	dyn.Put(1_100, 2)
	dyn.Put(1_200, 3)
	if got := dyn.Hz(); got != 3 {
		t.Fatalf("dynamic Hz() = %v, want 3 (entries in the slot holding `last`)", got)
	}
}
