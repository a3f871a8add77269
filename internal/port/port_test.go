package port

import (
	"testing"
	"time"

	"github.com/swarmguard/dagrun/internal/event"
	"github.com/swarmguard/dagrun/internal/eventbus"
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/shareddata"
)

func testFrame(ts uint64) *frame.Frame {
	fr := frame.New()
	fr.Base.Utime = ts
	return fr
}

func newTestCache(t *testing.T, hz float64) *shareddata.FrameCache {
	t.Helper()
	sdm := shareddata.NewManager(2_000_000)
	c, err := sdm.RegisterFrameCache("test", hz)
	if err != nil {
		t.Fatalf("register cache: %v", err)
	}
	return c
}

// TestLookupInputEmptyCacheSkipsRetryImmediately pins the fix for the
// fallthrough bug: when the input cache has never had anything published
// to it, GetNewest reports ok=false and lookupInput must give up right
// away rather than entering the blocking 2ms-poll retry loop.
func TestLookupInputEmptyCacheSkipsRetryImmediately(t *testing.T) {
	c := newTestCache(t, 0)
	p := New(Config{}, eventbus.NewManager(nil, 1))

	in := InputBinding{Cache: c, WaitUsec: 50_000} // would be ~25 retries if it entered the loop

	start := time.Now()
	fr := p.lookupInput(in, 10_000)
	elapsed := time.Since(start)

	if fr != nil {
		t.Fatalf("expected nil frame for an empty cache, got %+v", fr)
	}
	if elapsed > 5*time.Millisecond {
		t.Fatalf("lookupInput took %v on an empty cache; expected an immediate return, not the retry loop", elapsed)
	}
}

func TestLookupInputExactHit(t *testing.T) {
	c := newTestCache(t, 0)
	c.Put(1_000, testFrame(1_000))
	p := New(Config{}, eventbus.NewManager(nil, 1))

	in := InputBinding{Cache: c}
	fr := p.lookupInput(in, 1_000)
	if fr == nil || fr.Base.Utime != 1_000 {
		t.Fatalf("expected exact hit at 1_000, got %+v", fr)
	}
}

func TestLookupInputNoWaitMissesImmediately(t *testing.T) {
	c := newTestCache(t, 0)
	c.Put(1_000, testFrame(1_000))
	p := New(Config{}, eventbus.NewManager(nil, 1))

	in := InputBinding{Cache: c, WaitUsec: 0}
	if fr := p.lookupInput(in, 5_000); fr != nil {
		t.Fatalf("expected nil on a miss with WaitUsec <= 0, got %+v", fr)
	}
}

// TestLookupInputTooStaleSkipsRetry exercises the other early-return branch:
// a non-empty but too-old cache gives up immediately rather than retrying.
func TestLookupInputTooStaleSkipsRetry(t *testing.T) {
	c := newTestCache(t, 0)
	c.Put(1_000, testFrame(1_000))
	p := New(Config{}, eventbus.NewManager(nil, 1))

	in := InputBinding{Cache: c, WaitUsec: 50_000, ExpireUsec: 1_000}

	start := time.Now()
	fr := p.lookupInput(in, 10_000_000) // far beyond the 1_000usec expiry window
	elapsed := time.Since(start)

	if fr != nil {
		t.Fatalf("expected nil for a too-stale newest frame, got %+v", fr)
	}
	if elapsed > 5*time.Millisecond {
		t.Fatalf("lookupInput took %v on a too-stale cache; expected an immediate return", elapsed)
	}
}

// TestLookupInputRetriesUntilPublish exercises the retry loop actually
// succeeding once a late publish lands inside the wait window.
func TestLookupInputRetriesUntilPublish(t *testing.T) {
	c := newTestCache(t, 0)
	c.Put(500, testFrame(500)) // non-empty so GetNewest succeeds and is fresh
	p := New(Config{}, eventbus.NewManager(nil, 1))

	in := InputBinding{Cache: c, WaitUsec: 50_000}

	go func() {
		time.Sleep(4 * time.Millisecond)
		c.Put(1_000, testFrame(1_000))
	}()

	fr := p.lookupInput(in, 1_000)
	if fr == nil || fr.Base.Utime != 1_000 {
		t.Fatalf("expected the retry loop to pick up the late publish, got %+v", fr)
	}
}

func TestApplyOffsetSaturatesAtZero(t *testing.T) {
	if got := applyOffset(100, -200); got != 0 {
		t.Fatalf("applyOffset(100, -200) = %d, want 0 (saturate, not wrap)", got)
	}
	if got := applyOffset(100, -50); got != 50 {
		t.Fatalf("applyOffset(100, -50) = %d, want 50", got)
	}
	if got := applyOffset(100, 50); got != 150 {
		t.Fatalf("applyOffset(100, 50) = %d, want 150", got)
	}
}

func TestGetLatestDataToleranceFiltersStale(t *testing.T) {
	c := newTestCache(t, 0)
	c.Put(1_000, testFrame(1_000))
	p := New(Config{Latests: []LatestBinding{{Cache: c, TolerateUsec: 100}}}, eventbus.NewManager(nil, 1))

	out := p.GetLatestData(1_050) // within tolerance
	if out[0] == nil {
		t.Fatalf("expected a frame within tolerance")
	}

	out = p.GetLatestData(5_000) // far outside tolerance
	if out[0] != nil {
		t.Fatalf("expected nil for a newest frame outside tolerance, got %+v", out[0])
	}
}

// TestPublishRateLimiting exercises the spec invariant that successive
// publishes to a rate-limited downstream are spaced at least OutputPeriod
// microseconds apart.
func TestPublishRateLimiting(t *testing.T) {
	downCache := newTestCache(t, 0)
	bus := eventbus.NewManager([]event.Meta{{ID: 1, Name: "down"}}, 4)
	down := &Downstream{EventID: 1, Cache: downCache, OutputPeriod: 1_000}

	p := New(Config{Outputs: []OutputBinding{{EventName: "out", Downstreams: []*Downstream{down}}}}, bus)

	p.Publish(testFrame(1_000), 1_000)
	if _, ok := downCache.Get(1_000, 0); !ok {
		t.Fatalf("expected first publish to land in the downstream cache")
	}

	p.Publish(testFrame(1_500), 1_500) // within OutputPeriod of the first publish
	if _, ok := downCache.Get(1_500, 0); ok {
		t.Fatalf("expected the second publish to be rate-limited")
	}

	p.Publish(testFrame(2_500), 2_500) // spaced >= OutputPeriod from the first
	if _, ok := downCache.Get(2_500, 0); !ok {
		t.Fatalf("expected the third publish to land once spaced far enough apart")
	}
}
