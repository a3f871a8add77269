// Package cache implements the time-indexed, two-level bounded store that
// backs every named data stream in a dagrun pipeline: CachedData[T]. Keys
// are microsecond timestamps; the outer index is a one-second "slot"
// (timestamp / slotSize), the inner index is the exact timestamp. Static
// caches (declared with a fixed hz > 0) have a fixed tolerance base unit;
// dynamic caches (hz <= 0) infer their rate from how densely the most
// recent slot is populated.
package cache

import (
	"log/slog"
	"sort"
	"sync"
)

// slotSize is the width, in microseconds, of one outer slot (1 second).
const slotSize uint64 = 1_000_000

// dynamicBaseUnit is the tolerance base unit, in microseconds, used by
// dynamic (hz <= 0) caches. Static caches use 1e6/hz instead.
const dynamicBaseUnit = 1000

type slot[T any] struct {
	// keys is kept sorted ascending so range scans and tolerance scans
	// observe entries in timestamp order within a slot.
	keys []uint64
	data map[uint64]T
}

func newSlot[T any]() *slot[T] {
	return &slot[T]{data: make(map[uint64]T)}
}

func (s *slot[T]) put(key uint64, v T) bool {
	if _, exists := s.data[key]; exists {
		return false
	}
	s.data[key] = v
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
	s.keys = append(s.keys, 0)
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key
	return true
}

// CachedData is a time-indexed bounded store for one logical data stream.
type CachedData[T any] struct {
	name string
	hz   float64 // > 0 for static caches; <= 0 for dynamic caches

	mu        sync.Mutex
	slots     map[int64]*slot[T]
	slotOrder []int64 // kept sorted ascending
	latest    uint64
	last      uint64
	count     int
}

// NewStatic constructs a cache with a declared, fixed sampling rate.
func NewStatic[T any](name string, hz float64) *CachedData[T] {
	if hz <= 0 {
		panic("cache: NewStatic requires hz > 0")
	}
	return newCachedData[T](name, hz)
}

// NewDynamic constructs a cache whose rate is inferred from observed data
// density.
func NewDynamic[T any](name string) *CachedData[T] {
	return newCachedData[T](name, 0)
}

func newCachedData[T any](name string, hz float64) *CachedData[T] {
	return &CachedData[T]{
		name:  name,
		hz:    hz,
		slots: make(map[int64]*slot[T]),
	}
}

// IsStatic reports whether this cache was declared with a fixed hz.
func (c *CachedData[T]) IsStatic() bool { return c.hz > 0 }

func slotKey(ts uint64) int64 { return int64(ts / slotSize) }

func (c *CachedData[T]) slotFor(k int64) (*slot[T], bool) {
	s, ok := c.slots[k]
	return s, ok
}

func (c *CachedData[T]) ensureSlot(k int64) *slot[T] {
	s, ok := c.slots[k]
	if ok {
		return s
	}
	s = newSlot[T]()
	c.slots[k] = s
	i := sort.Search(len(c.slotOrder), func(i int) bool { return c.slotOrder[i] >= k })
	c.slotOrder = append(c.slotOrder, 0)
	copy(c.slotOrder[i+1:], c.slotOrder[i:])
	c.slotOrder[i] = k
	return s
}

// Put inserts data at key. It fails (returns false) if key is already
// present; an existing entry is never replaced.
func (c *CachedData[T]) Put(key uint64, data T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureSlot(slotKey(key))
	if !s.put(key, data) {
		slog.Warn("cache: duplicate put rejected", "cache", c.name, "key", key)
		return false
	}
	c.count++
	c.last = c.latest
	c.latest = key
	return true
}

// baseUnitLocked returns the tolerance base unit in microseconds. Caller
// must hold c.mu.
func (c *CachedData[T]) baseUnitLocked() float64 {
	if c.IsStatic() {
		return 1_000_000 / c.hz
	}
	return dynamicBaseUnit
}

// Get returns the entry at key if present; otherwise, if tolerate > 0, it
// scans the neighboring slots ({s-1, s, s+1}, with s = key/slotSize) for
// the entry whose absolute timestamp distance to key is strictly smallest
// and strictly less than tolerate * base_unit. Ties favor the first entry
// scanned (ascending slot order, then ascending in-slot timestamp),
// matching the original implementation; callers must not depend on tie
// outcomes beyond that.
func (c *CachedData[T]) Get(key uint64, tolerate int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T

	sk := slotKey(key)
	if s, ok := c.slotFor(sk); ok {
		if v, ok := s.data[key]; ok {
			return v, true
		}
	}
	if tolerate <= 0 {
		return zero, false
	}
	limit := float64(tolerate) * c.baseUnitLocked()

	var (
		found   bool
		best    T
		bestDt  uint64
	)
	for _, ss := range neighborSlots(sk) {
		s, ok := c.slotFor(ss)
		if !ok {
			continue
		}
		for _, k := range s.keys {
			dt := absDelta(k, key)
			if float64(dt) >= limit {
				continue
			}
			if !found || dt < bestDt {
				found = true
				bestDt = dt
				best = s.data[k]
			}
		}
	}
	return best, found
}

// neighborSlots returns the slot indices to scan for a tolerance lookup
// around sk: sk-1, sk, sk+1. When sk == 0 it returns no slots at all: the
// original's scan is a pre-test `for (uint64_t s = slot - 1; s < slot + 2;
// ++s)`, and slot - 1 underflows to UINT64_MAX, which immediately fails
// the `s < slot + 2` check — the loop body never runs. A tolerance lookup
// at slot 0 in the original therefore always reports not-found; this
// reproduces that exactly rather than clamping to {0, 1}.
func neighborSlots(sk int64) []int64 {
	if sk == 0 {
		return nil
	}
	return []int64{sk - 1, sk, sk + 1}
}

func absDelta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// GetNewest returns the entry at the latest key ever inserted, or false if
// the cache is empty or that entry has since been aged out.
func (c *CachedData[T]) GetNewest() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.count == 0 {
		return zero, false
	}
	s, ok := c.slotFor(slotKey(c.latest))
	if !ok {
		return zero, false
	}
	v, ok := s.data[c.latest]
	return v, ok
}

// GetRange returns, in ascending timestamp order, every entry with
// from < ts <= to. An empty store returns false.
func (c *CachedData[T]) GetRange(from, to uint64) ([]T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return nil, false
	}
	var out []T
	for _, sk := range c.slotOrder {
		if uint64(sk)*slotSize > to {
			break // DYN_DATA_END: slots are ascending, nothing further qualifies
		}
		s := c.slots[sk]
		for _, k := range s.keys {
			if k > from && k <= to {
				out = append(out, s.data[k])
			}
			if k > to {
				break
			}
		}
	}
	return out, true
}

// RemoveStale drops every whole slot strictly older than
// (latest - staleTime) / slotSize. No-op if latest < staleTime (original's
// strict-less-than boundary).
func (c *CachedData[T]) RemoveStale(staleTime uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest < staleTime {
		return
	}
	cutoff := int64((c.latest - staleTime) / slotSize)
	kept := c.slotOrder[:0]
	removed := 0
	for _, sk := range c.slotOrder {
		if sk < cutoff {
			s := c.slots[sk]
			removed += len(s.keys)
			delete(c.slots, sk)
			continue
		}
		kept = append(kept, sk)
	}
	c.slotOrder = kept
	c.count -= removed
}

// Hz returns the cache's sampling rate: the declared value for static
// caches, or the inferred value (number of entries in the slot holding
// `last`) for dynamic caches.
func (c *CachedData[T]) Hz() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsStatic() {
		return c.hz
	}
	s, ok := c.slotFor(slotKey(c.last))
	if !ok {
		return 0
	}
	return float64(len(s.keys))
}

// UPeriod returns the cache's period in microseconds (1e6/hz), or 0 if hz
// cannot currently be determined (dynamic cache with no inferable rate).
func (c *CachedData[T]) UPeriod() float64 {
	hz := c.Hz()
	if hz <= 0 {
		return 0
	}
	return 1_000_000 / hz
}

// Size reports the number of entries currently retained.
func (c *CachedData[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Name returns the logical stream name this cache was constructed with.
func (c *CachedData[T]) Name() string { return c.name }
