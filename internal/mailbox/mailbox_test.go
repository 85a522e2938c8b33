package mailbox

import (
	"sync"
	"testing"

	"modbus-relay/internal/model"
)

func TestLatestLastWriteWins(t *testing.T) {
	l := NewLatest[int]()
	if _, ok := l.TryTake(); ok {
		t.Fatalf("empty slot returned a value")
	}
	l.Put(1)
	l.Put(2)
	l.Put(3)
	v, ok := l.TryTake()
	if !ok || v != 3 {
		t.Fatalf("got %v ok=%v, want 3", v, ok)
	}
	if _, ok := l.TryTake(); ok {
		t.Fatalf("value taken twice")
	}
	if l.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", l.Dropped())
	}
	select {
	case <-l.Ready():
	default:
		t.Fatalf("expected ready signal")
	}
}

func TestLatestConcurrentPut(t *testing.T) {
	l := NewLatest[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Put(i)
			}
		}(i)
	}
	wg.Wait()
	if _, ok := l.TryTake(); !ok {
		t.Fatalf("expected a value")
	}
	if l.Dropped() != 799 {
		t.Fatalf("dropped = %d, want 799", l.Dropped())
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}
	for want := 1; want <= 3; want++ {
		if v, ok := q.TryPop(); !ok || v != want {
			t.Fatalf("got %v ok=%v, want %d", v, ok, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestTryPopFirstKeepsOrder(t *testing.T) {
	q := NewQueue[Message]()
	q.Push(WriteChannel(model.WriteRequest{Channel: 1}))
	q.Push(Reconnect(model.Endpoint{TCP: &model.TCPEndpoint{Address: "10.0.0.1", Port: 502}}))
	q.Push(WriteChannel(model.WriteRequest{Channel: 2}))

	m, ok := q.TryPopFirst(IsReconnect)
	if !ok || m.Kind != MsgReconnect || m.Endpoint.TCP.Address != "10.0.0.1" {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, ok := q.TryPopFirst(IsReconnect); ok {
		t.Fatalf("only one reconnect was queued")
	}
	for _, want := range []int{1, 2} {
		m, ok := q.TryPopFirst(IsWrite)
		if !ok || m.Write.Channel != want {
			t.Fatalf("got %+v, want write to channel %d", m, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestReconnectClonesEndpoint(t *testing.T) {
	ep := model.Endpoint{TCP: &model.TCPEndpoint{Address: "a", Port: 1}}
	m := Reconnect(ep)
	ep.TCP.Port = 2
	if m.Endpoint.TCP.Port != 1 {
		t.Fatalf("message aliases caller endpoint")
	}
}
