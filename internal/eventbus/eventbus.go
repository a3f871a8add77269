// Package eventbus implements EventManager: one bounded, multi-producer
// multi-consumer queue per event id, connecting operators.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/swarmguard/dagrun/internal/event"
)

// queue is a bounded MPMC FIFO built on a buffered channel. Publish uses
// clear-then-push overflow semantics rather than blocking the producer.
type queue struct {
	mu sync.Mutex
	ch chan event.Event
	cap int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan event.Event, capacity), cap: capacity}
}

func (q *queue) tryPush(e event.Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// clearAndPush drains the queue then pushes e. The clear and push are not
// atomic with respect to a concurrent consumer (matching the original,
// which accepts that older in-flight events may be lost on overflow).
func (q *queue) clearAndPush(e event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case <-q.ch:
			continue
		default:
		}
		break
	}
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

func (q *queue) tryPop() (event.Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return event.Event{}, false
	}
}

func (q *queue) pop() event.Event {
	return <-q.ch
}

func (q *queue) len() int { return len(q.ch) }

// Manager is the EventManager: a registry of one bounded queue per event
// id, plus the static per-edge metadata and diagnostic pipeline traversal.
type Manager struct {
	mu      sync.RWMutex
	queues  map[event.ID]*queue
	metas   map[event.ID]event.Meta
	order   []event.ID // registration order, for deterministic diagnostics
}

// NewManager builds an EventManager for the given edges, each queue sized
// to queueCapacity (spec default: 1).
func NewManager(metas []event.Meta, queueCapacity int) *Manager {
	m := &Manager{
		queues: make(map[event.ID]*queue, len(metas)),
		metas:  make(map[event.ID]event.Meta, len(metas)),
	}
	for _, meta := range metas {
		m.queues[meta.ID] = newQueue(queueCapacity)
		m.metas[meta.ID] = meta
		m.order = append(m.order, meta.ID)
	}
	return m
}

// Publish pushes e onto its queue. On overflow the queue is cleared and the
// new event inserted in its place, and an error is logged; publish never
// blocks the caller.
func (m *Manager) Publish(e event.Event) {
	q := m.queueFor(e.ID)
	if q == nil {
		slog.Error("eventbus: publish to unknown event id", "event_id", e.ID)
		return
	}
	if q.tryPush(e) {
		return
	}
	slog.Error("eventbus: queue full, clearing and retrying", "event_id", e.ID)
	if !q.clearAndPush(e) {
		slog.Error("eventbus: publish failed after clear", "event_id", e.ID)
	}
}

// Subscribe retrieves the next event from eventID's queue. In non-blocking
// mode it returns false immediately if the queue is empty; otherwise it
// blocks until an event arrives.
func (m *Manager) Subscribe(eventID event.ID, nonblocking bool) (event.Event, bool) {
	q := m.queueFor(eventID)
	if q == nil {
		return event.Event{}, false
	}
	if nonblocking {
		return q.tryPop()
	}
	if q.len() > 0 {
		slog.Debug("eventbus: subscribe will return immediately", "event_id", eventID, "queue_len", q.len())
	}
	return q.pop(), true
}

func (m *Manager) queueFor(id event.ID) *queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[id]
}

// GetMeta returns the static edge metadata for eventID.
func (m *Manager) GetMeta(eventID event.ID) (event.Meta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[eventID]
	return meta, ok
}

// AvgQueueLen returns the arithmetic mean queue length across all queues.
func (m *Manager) AvgQueueLen() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.queues) == 0 {
		return 0
	}
	total := 0
	for _, q := range m.queues {
		total += q.len()
	}
	return float64(total) / float64(len(m.queues))
}

// MaxQueueLen returns the longest queue length across all queues.
func (m *Manager) MaxQueueLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, q := range m.queues {
		if l := q.len(); l > max {
			max = l
		}
	}
	return max
}

// Reset drains every queue.
func (m *Manager) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		for {
			select {
			case <-q.ch:
				continue
			default:
			}
			break
		}
	}
	slog.Info("eventbus: reset all queues", "count", len(m.queues))
}

// Pipelines computes the diagnostic head->tail event chains: starting from
// every event whose from_node never appears as another event's to_node
// (a graph "head"), depth-first traverse via e1.to_node == e2.from_node,
// appending the current node to the path before recursing into its
// children and emitting the path at a node with no children, so results
// read head to tail.
func (m *Manager) Pipelines() [][]event.Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := append([]event.ID(nil), m.order...)
	indegree := make(map[event.ID]int, len(ids))
	adjacency := make(map[event.ID][]event.ID)
	for _, a := range ids {
		ma := m.metas[a]
		for _, b := range ids {
			if a == b {
				continue
			}
			mb := m.metas[b]
			if ma.ToNode == mb.FromNode {
				adjacency[a] = append(adjacency[a], b)
				indegree[b]++
			}
		}
	}

	var heads []event.ID
	for _, id := range ids {
		if indegree[id] == 0 {
			heads = append(heads, id)
		}
	}

	var pipelines [][]event.Meta
	var traverse func(id event.ID, path []event.Meta)
	traverse = func(id event.ID, path []event.Meta) {
		children := adjacency[id]
		if len(children) == 0 {
			pipelines = append(pipelines, append(append([]event.Meta(nil), path...), m.metas[id]))
			return
		}
		for _, c := range children {
			traverse(c, append(path, m.metas[id]))
		}
	}
	for _, h := range heads {
		traverse(h, nil)
	}
	return pipelines
}
