// Package bus is the in-process broadcast fabric between session owners
// and websocket connections. Publishers fan encoded frames out to every
// subscription of a topic; a subscription that cannot keep up is evicted
// by closing its channel, never by blocking the publisher.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// Subscription is one receiver's queue on a topic. A closed channel
// means the subscription is over: either the topic was closed or this
// receiver fell too far behind and was dropped.
type Subscription struct {
	topic string
	ch    chan []byte
	// closed is guarded by the owning Bus's mutex so eviction and
	// unsubscription never double-close the channel.
	closed bool
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Topic returns the topic this subscription belongs to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Bus routes frames from one publisher per topic to many subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int

	delivered atomic.Int64
	evicted   atomic.Int64
}

// New creates a bus whose subscriptions buffer up to buffer frames.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe adds a receiver to the topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan []byte, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes the subscription. Safe to call after
// the subscription was already evicted or its topic closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(sub)
}

// Publish delivers the frame to every subscriber of the topic and
// returns how many received it. Subscribers with a full buffer are
// evicted instead of delivered to; the publisher never blocks.
//
// Ordering: with a single publisher per topic, each subscription
// observes frames in publish order.
func (b *Bus) Publish(topic string, frame []byte) int {
	var slow []*Subscription
	n := 0

	b.mu.RLock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- frame:
			n++
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	if n > 0 {
		b.delivered.Add(int64(n))
	}
	if len(slow) > 0 {
		b.mu.Lock()
		for _, sub := range slow {
			if b.closeLocked(sub) {
				b.evicted.Add(1)
				slog.Warn("[Bus] evicted slow subscriber", "topic", topic)
			}
		}
		b.mu.Unlock()
	}
	return n
}

// CloseTopic ends every subscription on the topic. Publishing to a
// closed topic is a harmless no-op.
func (b *Bus) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		b.closeLocked(sub)
	}
}

// closeLocked closes a subscription and detaches it from its topic.
// Callers must hold the write lock. Returns false if already closed.
func (b *Bus) closeLocked(sub *Subscription) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	close(sub.ch)
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	return true
}

// Subscribers returns the current subscriber count for a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Delivered returns the total number of frames handed to subscribers.
func (b *Bus) Delivered() int64 {
	return b.delivered.Load()
}

// Evicted returns how many subscriptions were dropped for falling behind.
func (b *Bus) Evicted() int64 {
	return b.evicted.Load()
}
