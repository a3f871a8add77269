package operator

import (
	"testing"
	"time"

	"github.com/swarmguard/dagrun/internal/event"
	"github.com/swarmguard/dagrun/internal/eventbus"
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/op"
	"github.com/swarmguard/dagrun/internal/port"
	"github.com/swarmguard/dagrun/internal/shareddata"
	"github.com/swarmguard/dagrun/internal/status"
)

func init() {
	op.Register("test_echo", func() op.Op { return &echoOp{} })
}

// echoOp reports SUCC on every call.
type echoOp struct {
	op.BaseOp
}

func (e *echoOp) Name() string      { return "test_echo" }
func (e *echoOp) Init(_ string) bool { return true }

func (e *echoOp) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return status.SUCC
}

func (e *echoOp) Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status {
	return status.SUCC
}

func testFrame(ts uint64) *frame.Frame {
	fr := frame.New()
	fr.Base.Utime = ts
	return fr
}

func TestInfoRegistryPublishGet(t *testing.T) {
	r := NewInfoRegistry()
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected no entry for unpublished name")
	}
	r.Publish("a", Info{Running: true, Total: 3})
	got, ok := r.Get("a")
	if !ok {
		t.Fatalf("expected entry for a")
	}
	if !got.Running || got.Total != 3 {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func buildTestOperator(t *testing.T, bypass bool) (*Operator, *eventbus.Manager, *shareddata.FrameCache, event.ID) {
	t.Helper()
	const triggerID = event.ID(1)
	bus := eventbus.NewManager([]event.Meta{{ID: triggerID, Name: "trigger"}}, 4)

	sdm := shareddata.NewManager(2_000_000)
	cache, err := sdm.RegisterFrameCache("TRIGGER", 0)
	if err != nil {
		t.Fatalf("register cache: %v", err)
	}

	p := port.New(port.Config{
		TriggerEventID:   triggerID,
		TriggerDataCache: cache,
	}, bus)

	proc, err := op.NewSeqProcessor([]op.OpConfig{{Type: "test_echo"}}, false)
	if err != nil {
		t.Fatalf("build processor: %v", err)
	}

	o := New(Config{
		Name:         "test_op",
		Bypass:       bypass,
		Ports:        []*port.Port{p},
		TriggerEvent: []event.ID{triggerID},
		Processor:    proc,
		Info:         NewInfoRegistry(),
		Bus:          bus,
	})
	return o, bus, cache, triggerID
}

func TestOperatorRunProcessesAndStops(t *testing.T) {
	o, bus, cache, triggerID := buildTestOperator(t, false)
	o.Run()

	fr := testFrame(1000)
	cache.Put(1000, fr)
	bus.Publish(event.Event{ID: triggerID, Timestamp: 1000})

	deadline := time.After(time.Second)
	for {
		if info, ok := o.cfg.Info.Get("test_op"); ok && info.Total >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("operator never processed the trigger")
		case <-time.After(5 * time.Millisecond):
		}
	}

	o.Stop()
	o.Join()
}

func TestOperatorBypassSkipsProcessing(t *testing.T) {
	o, bus, cache, triggerID := buildTestOperator(t, true)
	o.Run()

	fr := testFrame(2000)
	cache.Put(2000, fr)
	bus.Publish(event.Event{ID: triggerID, Timestamp: 2000})

	// A bypassed operator never touches Info; give the worker a moment to
	// run the publish-only path and confirm no processing was recorded.
	time.Sleep(30 * time.Millisecond)
	if _, ok := o.cfg.Info.Get("test_op"); ok {
		t.Fatalf("bypassed operator should never publish liveness info")
	}

	o.Stop()
	o.Join()
}

func TestApplyOneDependencyBundle(t *testing.T) {
	o, _, _, _ := buildTestOperator(t, false)
	o.cfg.Info.Publish("x", Info{})
	dep := Dependency{TargetName: "x", Policy: "BUNDLE", WaitTime: 10 * time.Millisecond}
	start := time.Now()
	waited := o.applyOneDependency(dep, start, nowUsec())
	if !waited {
		t.Fatalf("expected BUNDLE to sleep to align with the wait time")
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("expected BUNDLE to sleep roughly %v, elapsed only %v", dep.WaitTime, elapsed)
	}
}
