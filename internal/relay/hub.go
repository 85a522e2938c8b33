// Package relay fans real-time frames out between connected clients and
// persists a rate-limited sample of snapshot frames to the historian.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/metrics"
	"modbus-relay/internal/model"
)

// Writer accepts operator writes routed by the relay.
type Writer interface {
	Write(model.WriteRequest) error
}

// Option configures a Hub.
type Option func(*Hub)

func WithStore(s historian.Store) Option { return func(h *Hub) { h.store = s } }

// WithWriter routes inbound write frames to w in addition to relaying them.
func WithWriter(w Writer) Option { return func(h *Hub) { h.writer = w } }

// WithPersistInterval is the minimum time between persisted batches per connection.
func WithPersistInterval(d time.Duration) Option { return func(h *Hub) { h.persistEvery = d } }

func WithFanoutBuffer(n int) Option { return func(h *Hub) { h.buffer = n } }

// WithOriginPatterns lists the hosts allowed to open cross-origin websockets.
// Without patterns only same-origin browsers and clients that send no Origin
// header are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithClock replaces the time source used for persistence decisions.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

type client struct {
	id     string
	joined bool
	mu     sync.Mutex
}

// Hub is the relay's shared state. Build it once with NewHub and release it
// with Close after the HTTP server has stopped.
type Hub struct {
	clients *xsync.MapOf[string, *client]
	broker  *Broker
	limiter *RateLimiter
	store   historian.Store
	writer  Writer

	persistEvery   time.Duration
	buffer         int
	originPatterns []string
	now            func() time.Time
	closeOnce      sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:      xsync.NewMapOf[string, *client](),
		persistEvery: time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.broker = NewBroker(h.buffer)
	h.limiter = NewRateLimiter(h.persistEvery, h.now)
	return h
}

// Register adds a connection and returns its inbox.
func (h *Hub) Register(id string) *Subscription {
	if _, loaded := h.clients.LoadOrStore(id, &client{id: id}); !loaded {
		metrics.AddRelayConnections(1)
	}
	return h.broker.Subscribe(id)
}

// Unregister removes a connection and its inbox.
func (h *Hub) Unregister(id string) {
	c, ok := h.clients.LoadAndDelete(id)
	if !ok {
		return
	}
	h.broker.Unsubscribe(id)
	h.limiter.Forget(id)
	metrics.AddRelayConnections(-1)
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if joined {
		log.Printf("relay: %s left the session", id)
	}
}

// Clients is the number of registered connections.
func (h *Hub) Clients() int { return h.clients.Size() }

// Ingest handles one text frame from origin: route writes, persist a
// snapshot if origin's interval has elapsed, then relay to everyone else.
// Persistence failures are logged; the frame is still relayed.
func (h *Hub) Ingest(ctx context.Context, origin, text string) {
	h.markJoined(origin)
	f := model.ClassifyFrame(text)
	metrics.IncRelayFrame(f.Kind.String())
	switch f.Kind {
	case model.FrameWrite:
		if h.writer != nil {
			if err := h.writer.Write(f.Write); err != nil {
				log.Printf("relay: write from %s: %v", origin, err)
			}
		}
	case model.FrameSnapshot:
		h.persist(ctx, origin, f.Snapshot)
	}
	h.broker.Publish(Message{Origin: origin, Text: text})
}

// Broadcast relays text from origin to everyone else without classifying
// or persisting it.
func (h *Hub) Broadcast(origin, text string) {
	h.markJoined(origin)
	metrics.IncRelayFrame("binary")
	h.broker.Publish(Message{Origin: origin, Text: text})
}

// markJoined logs origin's first frame.
func (h *Hub) markJoined(origin string) {
	c, ok := h.clients.Load(origin)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.joined {
		c.joined = true
		log.Printf("relay: %s is now registered", origin)
	}
	c.mu.Unlock()
}

func (h *Hub) persist(ctx context.Context, origin string, snap model.Snapshot) {
	if h.store == nil {
		return
	}
	if !h.limiter.Allow(origin) {
		metrics.ObserveHistorianBatch(metrics.ResultSkipped, 0)
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.store.SaveBatch(ctx, historian.BatchFromSnapshot(snap, h.now())); err != nil {
		log.Printf("relay: persist batch from %s: %v", origin, err)
		metrics.ObserveHistorianBatch(metrics.ResultError, time.Since(start))
		return
	}
	metrics.ObserveHistorianBatch(metrics.ResultSuccess, time.Since(start))
}

// Pump publishes snap() as origin every interval until ctx is done. It is
// how an in-process controller feeds the relay.
func (h *Hub) Pump(ctx context.Context, origin string, interval time.Duration, snap func() model.Snapshot) {
	if interval <= 0 {
		interval = time.Second
	}
	h.Register(origin)
	defer h.Unregister(origin)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		data, err := json.Marshal(snap())
		if err != nil {
			log.Printf("relay: encode snapshot: %v", err)
			continue
		}
		h.Ingest(ctx, origin, string(data))
	}
}

// Query reads the historian; it is empty when no store is configured.
func (h *Hub) Query(ctx context.Context, q historian.Query) ([]historian.Batch, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.Query(ctx, q)
}

// Close releases the historian.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.store != nil {
			err = h.store.Close()
		}
	})
	return err
}
