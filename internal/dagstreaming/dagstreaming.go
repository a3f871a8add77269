// Package dagstreaming assembles a resolved DAGConfig into a running
// pipeline: it registers every named data stream with the shared-data
// manager, assigns dense event ids to every graph edge, wires one Port per
// operator trigger, builds each operator's processor chain, and owns the
// reverse-topological start / stale-data sweep / forward-order join
// lifecycle.
package dagstreaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/dagrun/internal/dag"
	"github.com/swarmguard/dagrun/internal/dagconfig"
	"github.com/swarmguard/dagrun/internal/event"
	"github.com/swarmguard/dagrun/internal/eventbus"
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/history"
	"github.com/swarmguard/dagrun/internal/op"
	"github.com/swarmguard/dagrun/internal/operator"
	"github.com/swarmguard/dagrun/internal/port"
	"github.com/swarmguard/dagrun/internal/shareddata"
)

// Config tunes the knobs the original exposed as gflags: shared/cached data
// stale time, the bounded event queue size, whether the stale-data sweep
// ticker runs at all, and the congestion threshold that triggers a full
// reset.
type Config struct {
	ConfigPath string

	// DefaultStaleUsec is applied to every registered FrameCache
	// (shared_data_stale_time, default 2s).
	DefaultStaleUsec uint64
	// QueueCapacity bounds every event queue (max_event_queue_size,
	// default 1).
	QueueCapacity int
	// RemoveStaleInterval is the stale-sweep ticker period.
	RemoveStaleInterval time.Duration
	// EnableTimingRemoveStale gates whether the sweep ticker runs at all
	// (enable_timing_remove_stale_data).
	EnableTimingRemoveStale bool
	// MaxAllowedCongestion, when > 0, resets every cache and queue once
	// the busiest queue's length exceeds it (max_allowed_congestion_value).
	MaxAllowedCongestion int
	// InputWaitBudget is the wait_retry budget applied to every input
	// declaring wait_retry: true.
	InputWaitBudget time.Duration
	// InputExpire is the newest-frame age cap applied while an input
	// retries (cached_data_expire_time, default 60s).
	InputExpire time.Duration
	// History, if non-nil, receives an execution record from every
	// non-bypassed operator processing pass.
	History *history.Store
	// HistoryRetention bounds how long History keeps records; 0 disables
	// the retention sweep.
	HistoryRetention time.Duration
	// HistoryCompactSchedule is a cron(5) expression for the History
	// retention sweep. Empty disables the sweep even if HistoryRetention
	// is set.
	HistoryCompactSchedule string
}

// DefaultConfig returns the knob values the original's gflags defaulted to.
func DefaultConfig(path string) Config {
	return Config{
		ConfigPath:              path,
		DefaultStaleUsec:        2_000_000,
		QueueCapacity:           1,
		RemoveStaleInterval:     500 * time.Millisecond,
		EnableTimingRemoveStale: true,
		MaxAllowedCongestion:    0,
		InputWaitBudget:         20 * time.Millisecond,
		InputExpire:             60 * time.Second,
		HistoryRetention:        7 * 24 * time.Hour,
		HistoryCompactSchedule:  "0 * * * *",
	}
}

// sourceTrigger is an allocated entry point for an operator trigger that no
// other operator's output feeds: something outside the pipeline (a sensor
// driver, a test) must call Runtime.Inject to drive it.
type sourceTrigger struct {
	eventID event.ID
	cache   *shareddata.FrameCache
}

// Runtime is the assembled, ready-to-run pipeline (the original's
// DAGStreaming).
type Runtime struct {
	cfg      Config
	resolved []dagconfig.OperatorConfig
	shared   *shareddata.Manager
	bus      *eventbus.Manager
	info     *operator.InfoRegistry

	operators []*operator.Operator
	sources   map[string][]sourceTrigger // operator name -> per-trigger source entry
	history   *history.Store
	cron      *cron.Cron

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWG  sync.WaitGroup
}

// Build loads, resolves, and wires a full Runtime from cfg.ConfigPath.
func Build(cfg Config) (*Runtime, error) {
	dagCfg, err := dagconfig.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	resolved, err := dag.Resolve(dagCfg)
	if err != nil {
		return nil, fmt.Errorf("dagstreaming: resolve: %w", err)
	}

	rt := &Runtime{
		cfg:      cfg,
		resolved: resolved,
		shared:   shareddata.NewManager(cfg.DefaultStaleUsec),
		info:     operator.NewInfoRegistry(),
		sources:  make(map[string][]sourceTrigger),
		stopCh:   make(chan struct{}),
		history:  cfg.History,
	}

	baseUnits, err := rt.registerCaches()
	if err != nil {
		return nil, err
	}

	if err := rt.assemble(baseUnits); err != nil {
		return nil, err
	}

	slog.Info("dagstreaming: built", "operators", len(rt.operators), "caches", rt.shared.Len())
	return rt, nil
}

// registerCaches implements the cache-registration half of the original's
// registe_data: every output gets a canonical data cache, aliased to its
// event name; outputs some other operator declares as input/latest
// additionally get a reference cache under the "<event>_RO" convention;
// every fan-out edge gets its own per-edge cache.
func (rt *Runtime) registerCaches() (map[string]float64, error) {
	baseUnits := make(map[string]float64)

	register := func(name string, hz float64) error {
		if _, exists := rt.shared.Get(name); exists {
			return nil
		}
		if _, err := rt.shared.RegisterFrameCache(name, hz); err != nil {
			return err
		}
		if hz > 0 {
			baseUnits[name] = 1_000_000 / hz
		} else {
			baseUnits[name] = 1000
		}
		return nil
	}

	for i := range rt.resolved {
		up := &rt.resolved[i]
		for m := range up.Output {
			uo := &up.Output[m]
			canonical := uo.Data
			if canonical == "" {
				canonical = uo.Event + "_DATA"
			}
			hz := 0.0
			if uo.HasHz() {
				hz = float64(*uo.Hz)
			}
			if err := register(canonical, hz); err != nil {
				return nil, err
			}
			if err := rt.shared.RegisterDataEvent(canonical, uo.Event); err != nil {
				return nil, err
			}
			if uo.HasReference {
				if err := register(dag.ReferenceCacheName(uo.Event), hz); err != nil {
					return nil, err
				}
			}
			for _, d := range uo.Downstream {
				if d.Data == "" || d.Data == canonical {
					continue
				}
				if err := register(d.Data, hz); err != nil {
					return nil, err
				}
			}
		}
	}
	return baseUnits, nil
}

type outEdge struct {
	eventID      event.ID
	cacheName    string
	outputPeriod uint64
}

// assemble implements event-id assignment (init_dag) and Port/Operator
// construction. Every output with no downstream gets a self-looped
// sentinel edge, matching the original's treatment of terminal outputs;
// every operator trigger with no feeding edge gets a dedicated source
// event an external caller drives via Inject.
func (rt *Runtime) assemble(baseUnits map[string]float64) error {
	var metas []event.Meta
	nextID := event.ID(0)
	allocID := func() event.ID { id := nextID; nextID++; return id }

	triggerEventByWorker := make(map[event.WorkerID]event.ID)
	edgesByOpOut := make(map[[2]int][]outEdge)

	for i := range rt.resolved {
		up := &rt.resolved[i]
		for m := range up.Output {
			uo := &up.Output[m]
			fromNode := event.NewWorkerID(event.OperatorID(up.ID), m)
			key := [2]int{up.ID, m}

			if len(uo.Downstream) == 0 {
				id := allocID()
				metas = append(metas, event.Meta{ID: id, FromNode: fromNode, ToNode: fromNode, Name: uo.Event})
				continue
			}
			for _, d := range uo.Downstream {
				toNode := event.NewWorkerID(event.OperatorID(d.OpID), d.TriggerID)
				id := allocID()
				metas = append(metas, event.Meta{ID: id, FromNode: fromNode, ToNode: toNode, Name: d.Event})
				triggerEventByWorker[toNode] = id

				cacheName := d.Data
				if cacheName == "" {
					cacheName = uo.Data
				}
				period := uint64(0)
				if uo.HasHz() {
					period = uint64(1_000_000 / float64(*uo.Hz))
				}
				edgesByOpOut[key] = append(edgesByOpOut[key], outEdge{eventID: id, cacheName: cacheName, outputPeriod: period})
			}
		}
	}

	// Second pass: allocate source events for any operator trigger with no
	// feeding edge, before building the bus (every event id must be known
	// up front).
	sourceEventByWorker := make(map[event.WorkerID]event.ID)
	for i := range rt.resolved {
		o := &rt.resolved[i]
		for t := range o.Trigger {
			worker := event.NewWorkerID(event.OperatorID(o.ID), t)
			if _, ok := triggerEventByWorker[worker]; ok {
				continue
			}
			id := allocID()
			metas = append(metas, event.Meta{ID: id, FromNode: worker, ToNode: worker, Name: o.Trigger[t]})
			sourceEventByWorker[worker] = id
		}
	}

	rt.bus = eventbus.NewManager(metas, rt.cfg.QueueCapacity)

	for i := range rt.resolved {
		o := &rt.resolved[i]
		outputs := rt.buildOutputBindings(o, edgesByOpOut)

		var ports []*port.Port
		var triggerIDs []event.ID
		for t := range o.Trigger {
			worker := event.NewWorkerID(event.OperatorID(o.ID), t)
			evID, isSource := sourceEventByWorker[worker]
			if !isSource {
				evID = triggerEventByWorker[worker]
			}

			var triggerCacheName string
			if t < len(o.TriggerData) {
				triggerCacheName = o.TriggerData[t]
			}
			if triggerCacheName == "" {
				triggerCacheName = fmt.Sprintf("%s_TRIGGER_%d", o.Name, t)
			}
			triggerCache, err := rt.ensureCache(triggerCacheName, 0)
			if err != nil {
				return err
			}

			if isSource {
				rt.sources[o.Name] = append(rt.sources[o.Name], sourceTrigger{eventID: evID, cache: triggerCache})
			}

			inputs, err := rt.buildInputBindings(o.Input)
			if err != nil {
				return err
			}
			latests, err := rt.buildLatestBindings(o.Latest, baseUnits)
			if err != nil {
				return err
			}

			p := port.New(port.Config{
				TriggerEventID:   evID,
				TriggerDataCache: triggerCache,
				Inputs:           inputs,
				Latests:          latests,
				Outputs:          outputs,
			}, rt.bus)
			ports = append(ports, p)
			triggerIDs = append(triggerIDs, evID)
		}

		proc, err := buildProcessor(o)
		if err != nil {
			return err
		}

		rt.operators = append(rt.operators, operator.New(operator.Config{
			ID:           event.OperatorID(o.ID),
			Name:         o.Name,
			Bypass:       o.Bypass,
			Mode:         operator.ModeAuto,
			Ports:        ports,
			TriggerEvent: triggerIDs,
			Processor:    proc,
			Dependencies: buildDependencies(o.Dependency),
			Info:         rt.info,
			Bus:          rt.bus,
			History:      rt.history,
		}))
	}
	return nil
}

func (rt *Runtime) ensureCache(name string, hz float64) (*shareddata.FrameCache, error) {
	if sd, ok := rt.shared.Get(name); ok {
		fc, ok := sd.(*shareddata.FrameCache)
		if !ok {
			return nil, fmt.Errorf("dagstreaming: %q is not a frame cache", name)
		}
		return fc, nil
	}
	return rt.shared.RegisterFrameCache(name, hz)
}

func (rt *Runtime) cacheForEvent(eventName string) (*shareddata.FrameCache, error) {
	sd, ok := rt.shared.GetByEvent(eventName)
	if !ok {
		return nil, fmt.Errorf("dagstreaming: no cache registered for event %q", eventName)
	}
	fc, ok := sd.(*shareddata.FrameCache)
	if !ok {
		return nil, fmt.Errorf("dagstreaming: event %q cache is not a frame cache", eventName)
	}
	return fc, nil
}

func (rt *Runtime) buildOutputBindings(o *dagconfig.OperatorConfig, edgesByOpOut map[[2]int][]outEdge) []port.OutputBinding {
	var outs []port.OutputBinding
	for m := range o.Output {
		uo := &o.Output[m]
		var refCache *shareddata.FrameCache
		if uo.HasReference {
			if fc, err := rt.ensureCache(dag.ReferenceCacheName(uo.Event), 0); err == nil {
				refCache = fc
			}
		}
		var downs []*port.Downstream
		for _, ew := range edgesByOpOut[[2]int{o.ID, m}] {
			var dc *shareddata.FrameCache
			if ew.cacheName != "" {
				if fc, err := rt.ensureCache(ew.cacheName, 0); err == nil {
					dc = fc
				}
			}
			downs = append(downs, &port.Downstream{EventID: ew.eventID, Cache: dc, OutputPeriod: ew.outputPeriod})
		}
		outs = append(outs, port.OutputBinding{
			EventName:    uo.Event,
			HasReference: uo.HasReference,
			RefCache:     refCache,
			Downstreams:  downs,
		})
	}
	return outs
}

func (rt *Runtime) buildInputBindings(ins []dagconfig.Input) ([]port.InputBinding, error) {
	out := make([]port.InputBinding, len(ins))
	for i, in := range ins {
		fc, err := rt.cacheForEvent(in.Event)
		if err != nil {
			return nil, err
		}
		var waitUsec int64
		if in.WaitRetry {
			waitUsec = rt.cfg.InputWaitBudget.Microseconds()
		}
		out[i] = port.InputBinding{
			Cache:      fc,
			Offset:     in.Offset,
			Window:     in.Window,
			WaitUsec:   waitUsec,
			ExpireUsec: uint64(rt.cfg.InputExpire.Microseconds()),
		}
	}
	return out, nil
}

func (rt *Runtime) buildLatestBindings(lts []dagconfig.Latest, baseUnits map[string]float64) ([]port.LatestBinding, error) {
	out := make([]port.LatestBinding, len(lts))
	for i, lt := range lts {
		fc, err := rt.cacheForEvent(lt.Event)
		if err != nil {
			return nil, err
		}
		var tolUsec int64
		if lt.Tolerate > 0 {
			base := baseUnits[fc.Key()]
			if base == 0 {
				base = 1000
			}
			tolUsec = int64(float64(lt.Tolerate) * base)
		}
		out[i] = port.LatestBinding{Cache: fc, TolerateUsec: tolUsec}
	}
	return out, nil
}

// buildProcessor constructs the single-op processor chain for o. Each
// resolved operator names exactly one registered Op type via Algorithm
// (falling back to Type); multi-op chains and per-op inline Params
// are not threaded through Op.Init's configPath string — a deliberate
// simplification over the original's richer ParamManager, recorded in
// DESIGN.md.
func buildProcessor(o *dagconfig.OperatorConfig) (*op.SeqProcessor, error) {
	opType := o.Algorithm
	if opType == "" {
		opType = o.Type
	}
	if opType == "" {
		return nil, fmt.Errorf("dagstreaming: operator %q declares no op type", o.Name)
	}
	return op.NewSeqProcessor([]op.OpConfig{{Type: opType, Bypass: o.Bypass}}, false)
}

func buildDependencies(deps []dagconfig.Dependency) []operator.Dependency {
	out := make([]operator.Dependency, len(deps))
	for i, d := range deps {
		out[i] = operator.Dependency{
			TargetName: d.Name,
			Policy:     d.Policy,
			WaitTime:   time.Duration(d.WaitTime) * time.Millisecond,
		}
	}
	return out
}

// Inject feeds a source trigger (one with no upstream operator producing
// it) from outside the pipeline: it stores fr under its own timestamp in
// the trigger's data cache, then publishes the corresponding event.
func (rt *Runtime) Inject(operatorName string, triggerIdx int, fr *frame.Frame) error {
	triggers, ok := rt.sources[operatorName]
	if !ok || triggerIdx < 0 || triggerIdx >= len(triggers) {
		return fmt.Errorf("dagstreaming: no source trigger %d on operator %q", triggerIdx, operatorName)
	}
	st := triggers[triggerIdx]
	if !st.cache.Put(fr.Base.Utime, fr) {
		return fmt.Errorf("dagstreaming: duplicate trigger timestamp %d", fr.Base.Utime)
	}
	rt.bus.Publish(event.Event{ID: st.eventID, Timestamp: fr.Base.Utime, LocalTime: uint64(time.Now().UnixMicro())})
	return nil
}

// Start runs every operator's worker goroutines in reverse topological
// order (so a downstream operator is always listening before an upstream
// one can publish to it) and starts the stale-data sweep ticker.
func (rt *Runtime) Start() {
	for i := len(rt.operators) - 1; i >= 0; i-- {
		rt.operators[i].Run()
	}
	if rt.cfg.EnableTimingRemoveStale {
		rt.sweepWG.Add(1)
		go rt.sweepLoop()
	}
	rt.startHistoryCompaction()
	slog.Info("dagstreaming: started", "operators", len(rt.operators))
}

// startHistoryCompaction schedules the History retention sweep on
// HistoryCompactSchedule, a cron(5) expression. A no-op when no History
// store or schedule is configured.
func (rt *Runtime) startHistoryCompaction() {
	if rt.history == nil || rt.cfg.HistoryCompactSchedule == "" || rt.cfg.HistoryRetention <= 0 {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(rt.cfg.HistoryCompactSchedule, func() {
		cutoff := uint64(time.Now().Add(-rt.cfg.HistoryRetention).UnixMicro())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := rt.history.Compact(ctx, cutoff)
		if err != nil {
			slog.Warn("dagstreaming: history compaction failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("dagstreaming: history compacted", "removed", removed)
		}
	})
	if err != nil {
		slog.Warn("dagstreaming: invalid history compact schedule, sweep disabled", "schedule", rt.cfg.HistoryCompactSchedule, "error", err)
		return
	}
	c.Start()
	rt.cron = c
}

func (rt *Runtime) sweepLoop() {
	defer rt.sweepWG.Done()
	ticker := time.NewTicker(rt.cfg.RemoveStaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.shared.RemoveStaleData()
			if rt.cfg.MaxAllowedCongestion > 0 && rt.bus.MaxQueueLen() > rt.cfg.MaxAllowedCongestion {
				slog.Warn("dagstreaming: congestion threshold exceeded, resetting", "max_queue_len", rt.bus.MaxQueueLen())
				rt.bus.Reset()
				rt.shared.Reset()
			}
		}
	}
}

// Stop signals every operator and the sweep ticker to exit, waits for all
// operator workers to return (forward order, matching the original's join
// order), and resets the shared-data manager.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopCh)
	})
	if rt.cron != nil {
		<-rt.cron.Stop().Done()
	}
	for _, o := range rt.operators {
		o.Stop()
	}
	rt.sweepWG.Wait()
	for _, o := range rt.operators {
		o.Join()
	}
	rt.shared.Reset()
	slog.Info("dagstreaming: stopped")
}

// Summary returns the diagnostic head-to-tail event chains for the
// assembled pipeline.
func (rt *Runtime) Summary() [][]event.Meta { return rt.bus.Pipelines() }

// EventManager exposes the underlying bus for diagnostics/metrics callers.
func (rt *Runtime) EventManager() *eventbus.Manager { return rt.bus }

// SharedData exposes the underlying cache registry for diagnostics/metrics
// callers.
func (rt *Runtime) SharedData() *shareddata.Manager { return rt.shared }

// Info exposes the operator liveness registry for diagnostics callers.
func (rt *Runtime) Info() *operator.InfoRegistry { return rt.info }

// OperatorNames returns every operator name in the assembled pipeline, in
// topological order.
func (rt *Runtime) OperatorNames() []string {
	names := make([]string, len(rt.resolved))
	for i, o := range rt.resolved {
		names[i] = o.Name
	}
	return names
}
