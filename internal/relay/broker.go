package relay

import (
	"sync"
	"sync/atomic"

	"modbus-relay/internal/metrics"
)

// DefaultFanoutBuffer is the per-subscriber buffer when none is configured.
const DefaultFanoutBuffer = 16

// Message is a text frame tagged with the connection it came from.
type Message struct {
	Origin string
	Text   string
}

// Subscription is one subscriber's bounded inbox.
type Subscription struct {
	ID      string
	ch      chan Message
	mu      sync.Mutex // serializes producers so drop-oldest terminates
	dropped atomic.Uint64
}

// C delivers messages from other origins.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped counts messages discarded because the inbox was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) offer(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- m:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.IncFanoutDropped()
		default:
		}
	}
}

// Broker fans messages out to every subscriber except the origin. A full
// inbox loses its oldest message; publishers never block on slow readers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultFanoutBuffer
	}
	return &Broker{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscribe returns the inbox for id, creating it if needed.
func (b *Broker) Subscribe(id string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		return s
	}
	s := &Subscription{ID: id, ch: make(chan Message, b.buffer)}
	b.subs[id] = s
	return s
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers m to every subscriber other than m.Origin.
func (b *Broker) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		if id == m.Origin {
			continue
		}
		s.offer(m)
	}
}

// Len is the number of subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
