package history

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/dagrun/internal/status"
)

func testMeter() noopmetric.MeterProvider { return noopmetric.MeterProvider{} }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testMeter().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRange(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	recs := []Record{
		RecordFromOutcome("op_a", 0, 100, status.SUCC, 10),
		RecordFromOutcome("op_a", 0, 200, status.FAIL, 20),
		RecordFromOutcome("op_b", 1, 300, status.IGNORE, 5),
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Range(ctx, 0, 1000, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Timestamp != 100 || got[1].Timestamp != 200 || got[2].Timestamp != 300 {
		t.Fatalf("expected chronological order, got %+v", got)
	}
	if got[1].Status != "FAIL" {
		t.Fatalf("expected status FAIL, got %s", got[1].Status)
	}
}

func TestRangeBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, ts := range []uint64{100, 200, 300, 400} {
		if err := s.Append(ctx, RecordFromOutcome("op", 0, ts, status.SUCC, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.Range(ctx, 150, 350, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp != 200 || got[1].Timestamp != 300 {
		t.Fatalf("expected [200,300], got %+v", got)
	}
}

func TestRangeLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, ts := range []uint64{100, 200, 300} {
		s.Append(ctx, RecordFromOutcome("op", 0, ts, status.SUCC, 1))
	}
	got, err := s.Range(ctx, 0, 1000, 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(got))
	}
}

func TestCompactRemovesOlderThanCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, ts := range []uint64{100, 200, 300} {
		s.Append(ctx, RecordFromOutcome("op", 0, ts, status.SUCC, 1))
	}
	removed, err := s.Compact(ctx, 250)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 records removed, got %d", removed)
	}
	got, err := s.Range(ctx, 0, 1000, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 300 {
		t.Fatalf("expected only timestamp 300 to survive, got %+v", got)
	}
}
