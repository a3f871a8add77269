// Package operator implements Operator: the per-trigger worker-goroutine
// lifecycle, dependency gating, bypass handling, info publishing, and
// cooperative shutdown.
package operator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/dagrun/internal/dagconfig"
	"github.com/swarmguard/dagrun/internal/event"
	"github.com/swarmguard/dagrun/internal/eventbus"
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/history"
	"github.com/swarmguard/dagrun/internal/op"
	"github.com/swarmguard/dagrun/internal/port"
	"github.com/swarmguard/dagrun/internal/status"
)

// RunningMode documents how a trigger's worker loop is driven. Every mode
// is implemented on top of a single blocking channel receive from the
// trigger's event queue — Go's channel receive already serves as the
// condition-variable wait point the original's CV mode used a dedicated
// std::condition_variable for, so CV and EVENT collapse to the same loop
// here; the mode is retained as wiring metadata and for diagnostics.
type RunningMode int

const (
	ModeAuto RunningMode = iota
	ModeCV
	ModeEvent
)

// Dependency is a resolved gating relationship on another operator's
// published info.
type Dependency struct {
	TargetName string
	Policy     dagconfig.DependencyPolicy
	WaitTime   time.Duration
}

// blockRetryBudget is the wall-clock budget a BLOCK-policy dependency
// check retries within, measured from the gating pass's entry time.
const blockRetryBudget = 100 * time.Millisecond

// blockMinSleep is the floor applied to a BLOCK policy's configured wait
// time between retries.
const blockMinSleep = 5 * time.Millisecond

// Config describes one fully-resolved operator.
type Config struct {
	ID           event.OperatorID
	Name         string
	Bypass       bool
	Mode         RunningMode
	Ports        []*port.Port
	TriggerEvent []event.ID // one per trigger index, for sentinel publish on stop
	Processor    *op.SeqProcessor
	Dependencies []Dependency
	Info         *InfoRegistry
	Bus          *eventbus.Manager
	// History, if non-nil, receives one Record per non-bypassed
	// processing pass.
	History *history.Store
}

// Operator owns one worker goroutine per trigger/port.
type Operator struct {
	cfg Config

	mu              sync.Mutex
	runningTriggers map[int]uint64 // triggerIdx -> start time, for currently-running triggers
	totalCount      uint64
	failedCount     uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Operator ready to Run.
func New(cfg Config) *Operator {
	return &Operator{
		cfg:             cfg,
		runningTriggers: make(map[int]uint64),
		stopCh:          make(chan struct{}),
	}
}

// Name returns the operator's configured name.
func (o *Operator) Name() string { return o.cfg.Name }

// Run starts one worker goroutine per trigger/port.
func (o *Operator) Run() {
	for idx := range o.cfg.Ports {
		idx := idx
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.worker(idx)
		}()
	}
	slog.Info("operator: started", "name", o.cfg.Name, "workers", len(o.cfg.Ports))
}

// worker is the per-trigger run loop shared by every RunningMode (see
// RunningMode's doc comment).
func (o *Operator) worker(idx int) {
	first := true
	p := o.cfg.Ports[idx]
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		fr, ev, ok := p.GetTriggerData()
		if !ok {
			if ev.IsSentinel() {
				return
			}
			select {
			case <-o.stopCh:
				return
			default:
				continue
			}
		}

		if o.processAndPublish(idx, p, fr, ev, first) {
			slog.Error("operator: FATAL status, worker exiting", "name", o.cfg.Name, "trigger", idx)
			return
		}
		first = false

		select {
		case <-o.stopCh:
			return
		default:
		}
	}
}

// processAndPublish implements the Operator.4.7 run-loop body: dependency
// gating + bundling + processor chain when not bypassed, then a publish
// gated on the resulting status. Bypassed operators skip straight to
// publish, matching the original's ret-stays-at-default-SUCC behavior. It
// reports fatal=true when the processor returned FATAL, which ends the
// calling worker.
func (o *Operator) processAndPublish(idx int, p *port.Port, triggerFrame *frame.Frame, ev event.Event, isFirst bool) (fatal bool) {
	succeeded := true

	if !o.cfg.Bypass {
		o.applyDependencyGating(ev.Timestamp)
		o.setRunning(idx, true)
		start := nowUsec()

		inputs := p.GetInputData(ev.Timestamp)

		var ret status.Status
		if isFirst {
			ret = o.cfg.Processor.Peek(idx, inputs, triggerFrame)
		} else {
			latests := p.GetLatestData(ev.Timestamp)
			ret = o.cfg.Processor.Process(idx, inputs, latests, triggerFrame)
		}

		o.recordOutcome(ret)
		o.setRunning(idx, false)
		o.appendHistory(idx, ev.Timestamp, ret, nowUsec()-start)
		succeeded = ret == status.SUCC || ret == status.IGNORE
		fatal = ret == status.FATAL
	}

	if succeeded {
		p.Publish(triggerFrame, ev.Timestamp)
	}
	return fatal
}

// appendHistory writes a best-effort execution record. It never blocks the
// worker loop on a slow or failing store: the write runs in its own
// goroutine with a bounded context.
func (o *Operator) appendHistory(idx int, ts uint64, ret status.Status, durationUsec uint64) {
	if o.cfg.History == nil {
		return
	}
	rec := history.RecordFromOutcome(o.cfg.Name, idx, ts, ret, durationUsec)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := o.cfg.History.Append(ctx, rec); err != nil {
			slog.Warn("operator: history append failed", "name", o.cfg.Name, "error", err)
		}
	}()
}

func (o *Operator) recordOutcome(ret status.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalCount++
	if ret == status.FAIL || ret == status.FATAL {
		o.failedCount++
	}
}

func (o *Operator) setRunning(idx int, running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running {
		o.runningTriggers[idx] = nowUsec()
	} else {
		delete(o.runningTriggers, idx)
	}
	o.publishInfoLocked()
}

// publishInfoLocked writes this operator's current liveness snapshot into
// the shared registry. Caller must hold o.mu. start_running_time
// aggregates the min over currently-running triggers, as in the original.
func (o *Operator) publishInfoLocked() {
	info := Info{Total: o.totalCount, Failed: o.failedCount}
	var minStart uint64
	for _, start := range o.runningTriggers {
		if minStart == 0 || start < minStart {
			minStart = start
		}
	}
	info.Running = len(o.runningTriggers) > 0
	info.StartRunningTime = minStart
	o.cfg.Info.Publish(o.cfg.Name, info)
}

// applyDependencyGating evaluates every declared dependency once, and
// retries non-BLOCK dependencies at most one additional time if the first
// pass found them blocking.
func (o *Operator) applyDependencyGating(triggerTs uint64) {
	entry := time.Now()
	retried := false
	for _, dep := range o.cfg.Dependencies {
		waited := o.applyOneDependency(dep, entry, triggerTs)
		if waited && dep.Policy != dagconfig.DependencyBlock && !retried {
			retried = true
			o.applyOneDependency(dep, entry, triggerTs)
		}
	}
}

// applyOneDependency evaluates dep once (BLOCK retries internally up to
// the 100ms budget measured from entry); it returns whether any waiting
// occurred.
func (o *Operator) applyOneDependency(dep Dependency, entry time.Time, triggerTs uint64) bool {
	info, ok := o.cfg.Info.Get(dep.TargetName)
	if !ok {
		return false
	}
	waited := false
	switch dep.Policy {
	case dagconfig.DependencyWait:
		if info.Running {
			now := nowUsec()
			target := info.StartRunningTime + uint64(dep.WaitTime.Microseconds())
			sleep := time.Millisecond
			if target > now {
				sleep = time.Duration(target-now) * time.Microsecond
			}
			time.Sleep(sleep)
			waited = true
		}
	case dagconfig.DependencyBlock:
		for info.Running && time.Since(entry) < blockRetryBudget {
			sleep := dep.WaitTime
			if sleep < blockMinSleep {
				sleep = blockMinSleep
			}
			time.Sleep(sleep)
			waited = true
			info, ok = o.cfg.Info.Get(dep.TargetName)
			if !ok {
				break
			}
		}
	case dagconfig.DependencyBundle:
		now := nowUsec()
		delta := absDeltaU(now, triggerTs)
		if delta < uint64(dep.WaitTime.Microseconds()) {
			time.Sleep(time.Duration(uint64(dep.WaitTime.Microseconds())-delta) * time.Microsecond)
			waited = true
		}
	}
	return waited
}

func absDeltaU(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Stop signals every worker to exit: sets the stop flag and publishes a
// sentinel event into each trigger queue so a blocked subscribe wakes. It
// does not wait for the workers; Join does. There is no hard-cancellation fallback
// here (Go has none equivalent to pthread_cancel); a worker stuck outside
// a select on stopCh or the event channel would need to be a bug in Op
// implementations, not something the runtime can forcibly interrupt.
func (o *Operator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		for _, id := range o.cfg.TriggerEvent {
			o.cfg.Bus.Publish(event.Sentinel(id))
		}
	})
}

// Join blocks until every worker goroutine has returned.
func (o *Operator) Join() {
	o.wg.Wait()
}

// Bypass reports whether this operator is configured bypassed.
func (o *Operator) Bypass() bool { return o.cfg.Bypass }
