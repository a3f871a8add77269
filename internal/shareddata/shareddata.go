// Package shareddata implements the SharedDataManager: a name-keyed
// registry of caches plus a parallel event-name -> cache alias map used for
// reference-cache lookup.
package shareddata

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/swarmguard/dagrun/internal/cache"
	"github.com/swarmguard/dagrun/internal/frame"
)

// Status holds the monotonic add/remove/get counters for one cache.
type Status struct {
	Adds    uint64
	Removes uint64
	Gets    uint64
}

// SharedData is the interface every registered cache satisfies so the
// manager can fan out lifecycle operations without knowing the payload
// type.
type SharedData interface {
	Reset()
	RemoveStaleData()
	Name() string
	Size() int
	Stat() Status
	SetKey(string)
	Key() string
}

// FrameCache adapts a *cache.CachedData[*frame.Frame] to the SharedData
// interface. It is the concrete type registered for every pipeline data
// stream; the declared hz (0 for dynamic) is the resolver-computed rate
// from the operator config.
type FrameCache struct {
	key   string
	hz    float64
	data  *cache.CachedData[*frame.Frame]
	stale uint64 // microseconds; default applied by manager on registration

	mu   sync.Mutex
	stat Status
}

// NewFrameCache constructs a registered cache for hz (hz <= 0 means
// dynamic-rate inference).
func NewFrameCache(hz float64) *FrameCache {
	var c *cache.CachedData[*frame.Frame]
	if hz > 0 {
		c = cache.NewStatic[*frame.Frame]("", hz)
	} else {
		c = cache.NewDynamic[*frame.Frame]("")
	}
	return &FrameCache{hz: hz, data: c}
}

func (f *FrameCache) SetKey(k string) { f.key = k }
func (f *FrameCache) Key() string     { return f.key }
func (f *FrameCache) Name() string    { return "FrameCachedData" }
func (f *FrameCache) Hz() float64     { return f.data.Hz() }
func (f *FrameCache) Size() int       { return f.data.Size() }

func (f *FrameCache) Stat() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stat
}

// Put inserts fr under key.
func (f *FrameCache) Put(key uint64, fr *frame.Frame) bool {
	ok := f.data.Put(key, fr)
	if ok {
		f.mu.Lock()
		f.stat.Adds++
		f.mu.Unlock()
	}
	return ok
}

// Get delegates to the underlying CachedData, counting the access.
func (f *FrameCache) Get(key uint64, tolerate int) (*frame.Frame, bool) {
	f.mu.Lock()
	f.stat.Gets++
	f.mu.Unlock()
	return f.data.Get(key, tolerate)
}

// GetNewest delegates to the underlying CachedData, counting the access.
func (f *FrameCache) GetNewest() (*frame.Frame, bool) {
	f.mu.Lock()
	f.stat.Gets++
	f.mu.Unlock()
	return f.data.GetNewest()
}

// GetRange delegates to the underlying CachedData.
func (f *FrameCache) GetRange(from, to uint64) ([]*frame.Frame, bool) {
	return f.data.GetRange(from, to)
}

func (f *FrameCache) Reset() {
	// the underlying CachedData has no explicit clear; a fresh store is
	// swapped in, matching "cleared, not destroyed" lifecycle semantics.
	if f.hz > 0 {
		f.data = cache.NewStatic[*frame.Frame](f.key, f.hz)
	} else {
		f.data = cache.NewDynamic[*frame.Frame](f.key)
	}
}

func (f *FrameCache) RemoveStaleData() {
	before := f.data.Size()
	f.data.RemoveStale(f.stale)
	removed := before - f.data.Size()
	if removed <= 0 {
		return
	}
	f.mu.Lock()
	f.stat.Removes += uint64(removed)
	f.mu.Unlock()
}

// SetStaleTime configures the microsecond threshold used by
// RemoveStaleData.
func (f *FrameCache) SetStaleTime(usec uint64) { f.stale = usec }

// Manager is the SharedDataManager: registers caches by name, tracks a
// parallel event-name -> cache alias map, and fans reset/remove-stale-data
// out to every registered cache.
type Manager struct {
	mu           sync.RWMutex
	byName       map[string]SharedData
	byEvent      map[string]SharedData
	defaultStale uint64
}

// NewManager constructs an empty registry. defaultStaleUsec is applied to
// every FrameCache registered through RegisterFrameCache.
func NewManager(defaultStaleUsec uint64) *Manager {
	return &Manager{
		byName:       make(map[string]SharedData),
		byEvent:      make(map[string]SharedData),
		defaultStale: defaultStaleUsec,
	}
}

// RegisterFrameCache registers a new FrameCache under name at the given
// hz (hz <= 0 for dynamic). Fails if name is already registered.
func (m *Manager) RegisterFrameCache(name string, hz float64) (*FrameCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("shareddata: %q already registered", name)
	}
	fc := NewFrameCache(hz)
	fc.SetKey(name)
	fc.SetStaleTime(m.defaultStale)
	m.byName[name] = fc
	slog.Info("shareddata: registered cache", "name", name, "hz", hz)
	return fc, nil
}

// RegisterDataEvent aliases event to the cache already registered under
// name, so GetByEvent(eventName) resolves to the same cache.
func (m *Manager) RegisterDataEvent(name, eventName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("shareddata: %q not registered", name)
	}
	m.byEvent[eventName] = sd
	return nil
}

// Get returns the cache registered under name, or false.
func (m *Manager) Get(name string) (SharedData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sd, ok := m.byName[name]
	return sd, ok
}

// GetByEvent returns the cache aliased to eventName, or false.
func (m *Manager) GetByEvent(eventName string) (SharedData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sd, ok := m.byEvent[eventName]
	return sd, ok
}

// Reset clears every registered cache in place.
func (m *Manager) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sd := range m.byName {
		sd.Reset()
	}
	slog.Info("shareddata: reset all caches", "count", len(m.byName))
}

// RemoveStaleData fans RemoveStaleData out to every registered cache.
func (m *Manager) RemoveStaleData() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sd := range m.byName {
		sd.RemoveStaleData()
	}
}

// Len reports the number of registered caches.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}
