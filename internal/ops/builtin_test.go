package ops

import (
	"testing"

	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/op"
	"github.com/swarmguard/dagrun/internal/status"
)

func numericFrame(v float64) *frame.Frame {
	fr := frame.New()
	fr.Supplement["value"] = v
	return fr
}

func TestPassthroughCopiesSupplement(t *testing.T) {
	p := &Passthrough{}
	if !p.Init("") {
		t.Fatalf("init should never fail")
	}
	in := numericFrame(3.5)
	out := frame.New()
	if ret := p.Process(0, []*frame.Frame{in}, nil, out); ret != status.SUCC {
		t.Fatalf("expected SUCC, got %v", ret)
	}
	if v, _ := numericValue(out); v != 3.5 {
		t.Fatalf("expected 3.5, got %v", v)
	}
}

func TestPassthroughIgnoresEmptyInput(t *testing.T) {
	p := &Passthrough{}
	p.Init("")
	out := frame.New()
	if ret := p.Process(0, nil, nil, out); ret != status.IGNORE {
		t.Fatalf("expected IGNORE, got %v", ret)
	}
}

func TestMovingAverageWindow(t *testing.T) {
	m := &MovingAverage{window: 2}
	if !m.Init("") {
		t.Fatalf("init should never fail")
	}
	out := frame.New()

	m.Process(0, []*frame.Frame{numericFrame(2)}, nil, out)
	if v, _ := numericValue(out); v != 2 {
		t.Fatalf("expected 2, got %v", v)
	}

	m.Process(0, []*frame.Frame{numericFrame(4)}, nil, out)
	if v, _ := numericValue(out); v != 3 {
		t.Fatalf("expected average 3, got %v", v)
	}

	// window size 2: the third reading evicts the first
	m.Process(0, []*frame.Frame{numericFrame(8)}, nil, out)
	if v, _ := numericValue(out); v != 6 {
		t.Fatalf("expected average 6 after eviction, got %v", v)
	}
}

func TestThresholdAlertCrossing(t *testing.T) {
	th := &ThresholdAlert{threshold: 5}
	th.Init("")
	out := frame.New()

	if ret := th.Process(0, []*frame.Frame{numericFrame(1)}, nil, out); ret != status.IGNORE {
		t.Fatalf("expected IGNORE below threshold, got %v", ret)
	}
	if alert, _ := out.Supplement["alert"].(bool); alert {
		t.Fatalf("expected no alert below threshold")
	}

	if ret := th.Process(0, []*frame.Frame{numericFrame(6)}, nil, out); ret != status.SUCC {
		t.Fatalf("expected SUCC at/above threshold, got %v", ret)
	}
	if alert, _ := out.Supplement["alert"].(bool); !alert {
		t.Fatalf("expected alert above threshold")
	}

	if ret := th.Process(0, []*frame.Frame{numericFrame(-6)}, nil, out); ret != status.SUCC {
		t.Fatalf("expected SUCC for negative crossing, got %v", ret)
	}
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"passthrough", "moving_average", "threshold_alert"} {
		if _, ok := op.New(name); !ok {
			t.Fatalf("expected %q registered", name)
		}
	}
}
