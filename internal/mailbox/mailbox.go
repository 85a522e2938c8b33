// Package mailbox links a device worker to its controller with
// non-blocking queues: a last-write-wins slot per direction for device
// state and a FIFO for control messages.
package mailbox

import (
	"sync"
	"sync/atomic"

	"modbus-relay/internal/model"
)

// Latest holds at most one value. Put replaces any value not yet taken.
type Latest[T any] struct {
	mu      sync.Mutex
	val     T
	full    bool
	dropped atomic.Uint64
	ready   chan struct{}
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ready: make(chan struct{}, 1)}
}

// Put stores v without blocking.
func (l *Latest[T]) Put(v T) {
	l.mu.Lock()
	if l.full {
		l.dropped.Add(1)
	}
	l.val, l.full = v, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// TryTake removes and returns the pending value, if any.
func (l *Latest[T]) TryTake() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if !l.full {
		return zero, false
	}
	v := l.val
	l.val, l.full = zero, false
	return v, true
}

// Ready is signalled after a Put. A signal may be stale; always TryTake.
func (l *Latest[T]) Ready() <-chan struct{} { return l.ready }

// Dropped counts values overwritten before they were taken.
func (l *Latest[T]) Dropped() uint64 { return l.dropped.Load() }

// Queue is an unbounded FIFO safe for many producers.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewQueue[T any]() *Queue[T] { return &Queue[T]{} }

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *Queue[T]) TryPop() (T, bool) {
	return q.TryPopFirst(func(T) bool { return true })
}

// TryPopFirst removes the oldest item accepted by match, leaving the
// relative order of the rest untouched.
func (q *Queue[T]) TryPopFirst(match func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.items {
		if !match(v) {
			continue
		}
		var zero T
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = zero
		q.items = q.items[:len(q.items)-1]
		return v, true
	}
	var zero T
	return zero, false
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MessageKind tags a control Message.
type MessageKind int

const (
	MsgReconnect MessageKind = iota + 1
	MsgWriteChannel
)

func (k MessageKind) String() string {
	switch k {
	case MsgReconnect:
		return "reconnect"
	case MsgWriteChannel:
		return "write"
	default:
		return "unknown"
	}
}

// Message is a control instruction. Only the field matching Kind is set.
type Message struct {
	Kind     MessageKind
	Endpoint model.Endpoint
	Write    model.WriteRequest
}

func Reconnect(ep model.Endpoint) Message { return Message{Kind: MsgReconnect, Endpoint: ep.Clone()} }

func WriteChannel(req model.WriteRequest) Message { return Message{Kind: MsgWriteChannel, Write: req} }

// IsReconnect and IsWrite are TryPopFirst matchers.
func IsReconnect(m Message) bool { return m.Kind == MsgReconnect }
func IsWrite(m Message) bool     { return m.Kind == MsgWriteChannel }

// Mailbox is the set of queues owned by one worker.
type Mailbox struct {
	Read    *Latest[model.Device] // worker -> controller
	Update  *Latest[model.Device] // controller -> worker
	Control *Queue[Message]       // controller -> worker
}

func New() *Mailbox {
	return &Mailbox{
		Read:    NewLatest[model.Device](),
		Update:  NewLatest[model.Device](),
		Control: NewQueue[Message](),
	}
}
