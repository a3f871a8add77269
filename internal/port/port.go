// Package port implements Port: the per-(operator, trigger) harness that
// fetches the trigger frame, bundles input/latest streams by timestamp
// proximity, and publishes the processed result outward.
package port

import (
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/dagrun/internal/event"
	"github.com/swarmguard/dagrun/internal/eventbus"
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/shareddata"
)

// checkInterval is the fixed poll period used while waiting for an input
// to become available, matching the original's 2ms retry cadence.
const checkInterval = 2 * time.Millisecond

// InputBinding describes how one input stream is joined against the
// trigger timestamp.
type InputBinding struct {
	Cache  *shareddata.FrameCache
	Offset int64 // signed microseconds, added to the trigger timestamp
	Window int   // tolerance units passed to CachedData.Get
	// WaitUsec is the retry budget in microseconds; <= 0 disables
	// retrying on a miss.
	WaitUsec   int64
	ExpireUsec uint64 // newest-frame age cap applied while retrying
}

// LatestBinding describes one stream fetched by newest-value semantics.
type LatestBinding struct {
	Cache        *shareddata.FrameCache
	TolerateUsec int64 // <= 0 means always accept the newest frame
}

// Downstream describes one edge leaving an output: either a copying edge
// (Cache != nil, the port writes into it and republishes the event) or a
// no-copy edge (Cache == nil, the upstream operator already populated the
// shared cache and only the event needs republishing).
type Downstream struct {
	EventID      event.ID
	Cache        *shareddata.FrameCache
	OutputPeriod uint64 // microseconds; 0 disables rate limiting

	mu            sync.Mutex
	lastPublished uint64
}

// OutputBinding is one event this port publishes.
type OutputBinding struct {
	EventName    string
	HasReference bool
	RefCache     *shareddata.FrameCache
	Downstreams  []*Downstream
}

// Config is the fully-resolved wiring for one Port.
type Config struct {
	TriggerEventID   event.ID
	TriggerDataCache *shareddata.FrameCache
	Inputs           []InputBinding
	Latests          []LatestBinding
	Outputs          []OutputBinding
}

// Port is the per-trigger bundling harness.
type Port struct {
	cfg Config
	bus *eventbus.Manager
}

// New constructs a Port bound to bus for event subscribe/publish.
func New(cfg Config, bus *eventbus.Manager) *Port {
	return &Port{cfg: cfg, bus: bus}
}

// GetTriggerData performs a blocking subscribe on the port's trigger event
// and resolves the corresponding frame from the trigger-data cache. It
// returns ok=false both on the shutdown sentinel and on a cache miss /
// timestamp mismatch; callers distinguish shutdown via ev.IsSentinel().
func (p *Port) GetTriggerData() (fr *frame.Frame, ev event.Event, ok bool) {
	ev, subscribed := p.bus.Subscribe(p.cfg.TriggerEventID, false)
	if !subscribed {
		return nil, ev, false
	}
	if ev.IsSentinel() {
		return nil, ev, false
	}
	fr, found := p.cfg.TriggerDataCache.Get(ev.Timestamp, 0)
	if !found || fr.Base.Utime != ev.Timestamp {
		slog.Warn("port: trigger data lookup failed", "event_id", ev.ID, "timestamp", ev.Timestamp)
		return nil, ev, false
	}
	return fr, ev, true
}

// GetInputData bundles every declared input against triggerTs, applying
// each input's offset, tolerance window, and (if configured) a bounded
// retry loop. A final miss leaves that slot nil rather than failing the
// whole bundle.
func (p *Port) GetInputData(triggerTs uint64) []*frame.Frame {
	out := make([]*frame.Frame, len(p.cfg.Inputs))
	for i, in := range p.cfg.Inputs {
		out[i] = p.lookupInput(in, triggerTs)
	}
	return out
}

func (p *Port) lookupInput(in InputBinding, triggerTs uint64) *frame.Frame {
	key := applyOffset(triggerTs, in.Offset)
	if fr, ok := in.Cache.Get(key, in.Window); ok {
		return fr
	}
	if in.WaitUsec <= 0 {
		return nil
	}

	expire := in.ExpireUsec
	if expire == 0 {
		expire = 60_000_000
	}
	newest, ok := in.Cache.GetNewest()
	if !ok {
		return nil // cache is empty, nothing published yet: nothing to wait for
	}
	if triggerTs > expire && newest.Base.Utime < triggerTs-expire {
		return nil // too stale to be worth waiting for
	}

	trials := int(in.WaitUsec/2000) + 1
	for t := 0; t < trials; t++ {
		time.Sleep(checkInterval)
		if fr, ok := in.Cache.Get(key, in.Window); ok {
			return fr
		}
	}
	return nil
}

// applyOffset adds a signed microsecond offset to an unsigned timestamp,
// saturating at 0 rather than wrapping, since a resolved trigger timestamp
// can never legitimately go negative.
func applyOffset(ts uint64, offset int64) uint64 {
	if offset >= 0 {
		return ts + uint64(offset)
	}
	neg := uint64(-offset)
	if neg > ts {
		return 0
	}
	return ts - neg
}

// GetLatestData fetches the newest frame for every declared latest stream,
// nulling the slot if a tolerance is configured and exceeded.
func (p *Port) GetLatestData(triggerTs uint64) []*frame.Frame {
	out := make([]*frame.Frame, len(p.cfg.Latests))
	for i, lt := range p.cfg.Latests {
		fr, ok := lt.Cache.GetNewest()
		if !ok {
			continue
		}
		if lt.TolerateUsec > 0 {
			if absDelta(triggerTs, fr.Base.Utime) > uint64(lt.TolerateUsec) {
				continue
			}
		}
		out[i] = fr
	}
	return out
}

func absDelta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Publish records the output footprint(s) on fr, populates the reference
// cache if configured, and fans out to every downstream: copying edges are
// rate-limited per OutputPeriod and put a (shared, not deep-copied —
// frames are reference-counted values under Go's GC, matching the
// "reference-counted shared objects" memory model in spec.md §5) reference
// into the downstream cache before republishing; no-copy edges only
// republish the event, since the upstream operator already populated the
// shared cache.
func (p *Port) Publish(fr *frame.Frame, ts uint64) {
	for _, out := range p.cfg.Outputs {
		fr.AddFootprint(out.EventName)

		if out.HasReference && out.RefCache != nil {
			if !out.RefCache.Put(ts, fr) {
				slog.Debug("port: reference cache duplicate put ignored", "event", out.EventName, "ts", ts)
			}
		}

		for _, d := range out.Downstreams {
			if d.Cache == nil {
				p.bus.Publish(event.Event{ID: d.EventID, Timestamp: ts, LocalTime: nowUsec()})
				continue
			}
			if p.rateLimited(d, ts) {
				continue
			}
			if !d.Cache.Put(ts, fr) {
				continue
			}
			p.bus.Publish(event.Event{ID: d.EventID, Timestamp: ts, LocalTime: nowUsec()})
		}
	}
}

func (p *Port) rateLimited(d *Downstream, ts uint64) bool {
	if d.OutputPeriod == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastPublished != 0 && ts-d.lastPublished < d.OutputPeriod {
		return true
	}
	d.lastPublished = ts
	return false
}

// OutputPeriod computes the rate-limit period for a downstream whose cache
// runs at downstreamHz, fed by a trigger running at triggerHz. Returns 0
// (no rate limiting) when downstreamHz is not strictly slower.
func OutputPeriod(downstreamHz, triggerHz float64) uint64 {
	if downstreamHz <= 0 || triggerHz <= 0 || downstreamHz >= triggerHz {
		return 0
	}
	period := 1_000_000/downstreamHz - 1_000_000/(2*triggerHz)
	if period < 0 {
		return 0
	}
	return uint64(period)
}

func nowUsec() uint64 { return uint64(time.Now().UnixMicro()) }
