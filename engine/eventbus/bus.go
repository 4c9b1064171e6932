// Package eventbus delivers typed execution events to subscribers
// without ever blocking the scheduler. Each subscriber owns a bounded
// queue; overflow drops the oldest event and bumps a counter.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Type names an event. The set is closed.
type Type string

const (
	ExecutionStarted   Type = "execution_started"
	NodeStarted        Type = "node_started"
	NodeCompleted      Type = "node_completed"
	NodeFailed         Type = "node_failed"
	ExecutionCompleted Type = "execution_completed"
)

// Event is one observation of execution progress. Data carries the
// type-specific payload: status, duration_ms, output previews, error
// details. Full outputs stay in the state store.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID execution.ID   `json:"execution_id"`
	NodeID      diagram.NodeID `json:"node_id,omitempty"`
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length used when a
// subscriber does not ask for a specific one.
const DefaultBuffer = 256

// Subscription is one subscriber's view of the bus. Events arrive on C
// in publish order, minus any dropped under overflow.
type Subscription struct {
	C <-chan Event

	bus *Bus
	id  int
	ch  chan Event
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	id     int
	execID execution.ID
	ch     chan Event
}

// Bus is an in-process pub/sub fan-out. A bus with no subscribers is
// valid; publishing to it is a no-op.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	closed   bool
	seq      atomic.Int64
	counters *telemetry.Counters
}

// New returns an empty bus. counters may be nil.
func New(counters *telemetry.Counters) *Bus {
	if counters == nil {
		counters = &telemetry.Counters{}
	}
	return &Bus{
		subs:     make(map[int]*subscriber),
		counters: counters,
	}
}

// Subscribe registers interest in one execution's events, or in all
// events when execID is empty. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(execID execution.ID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription{C: ch, bus: b, id: -1, ch: ch}
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, execID: execID, ch: ch}
	b.subs[sub.id] = sub
	return &Subscription{C: ch, bus: b, id: sub.id, ch: ch}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish fans the event out to every matching subscriber. It never
// blocks: a full subscriber queue sheds its oldest event first.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.execID != "" && sub.execID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Shed the oldest queued event to make room. If a reader
			// raced us and drained the queue, the retry below lands.
			select {
			case <-sub.ch:
				b.counters.EventsDropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.counters.EventsDropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
