package relay

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/model"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []historian.Batch
}

func (f *fakeStore) SaveBatch(_ context.Context, b historian.Batch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, b)
	return int64(len(f.saved)), nil
}

func (f *fakeStore) Query(context.Context, historian.Query) ([]historian.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historian.Batch(nil), f.saved...), nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeWriter struct {
	mu   sync.Mutex
	reqs []model.WriteRequest
}

func (f *fakeWriter) Write(req model.WriteRequest) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return nil
}

func snapshotText(t *testing.T, value float64) string {
	t.Helper()
	d := model.NewDevice(0, "plc")
	d.Channels[0].Value = value
	b, err := json.Marshal(model.Snapshot{Devices: []model.Device{d}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestPersistenceIsRateLimited(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeStore{}
	h := NewHub(
		WithStore(store),
		WithPersistInterval(time.Second),
		WithFanoutBuffer(64),
		WithClock(func() time.Time { return now }),
	)
	h.Register("sender")
	other := h.Register("viewer")

	// ten batches per interval for three intervals
	for i := 0; i < 30; i++ {
		h.Ingest(context.Background(), "sender", snapshotText(t, float64(i)))
		now = now.Add(100 * time.Millisecond)
	}
	if got := len(other.C()); got != 30 {
		t.Fatalf("viewer received %d batches, want 30", got)
	}
	if store.count() != 3 {
		t.Fatalf("persisted %d batches, want 3", store.count())
	}
	for i, b := range store.saved {
		if want := time.Unix(1000+int64(i), 0); !b.Time.Equal(want) {
			t.Fatalf("batch %d stamped %v, want %v", i, b.Time, want)
		}
		if len(b.Values) != model.DeviceNumChannels {
			t.Fatalf("batch %d has %d values", i, len(b.Values))
		}
	}
}

func TestRateLimitIsPerConnection(t *testing.T) {
	now := time.Unix(0, 0)
	store := &fakeStore{}
	h := NewHub(WithStore(store), WithClock(func() time.Time { return now }))
	h.Register("a")
	h.Register("b")
	h.Ingest(context.Background(), "a", snapshotText(t, 1))
	h.Ingest(context.Background(), "b", snapshotText(t, 2))
	h.Ingest(context.Background(), "a", snapshotText(t, 3))
	if store.count() != 2 {
		t.Fatalf("persisted %d, want 2", store.count())
	}
}

func TestNonSnapshotFramesAreRelayedNotPersisted(t *testing.T) {
	store := &fakeStore{}
	w := &fakeWriter{}
	h := NewHub(WithStore(store), WithWriter(w))
	h.Register("a")
	sub := h.Register("b")
	h.Ingest(context.Background(), "a", `{"device_id":3,"channel":1,"value":9}`)
	h.Ingest(context.Background(), "a", `hello`)
	if len(sub.C()) != 2 {
		t.Fatalf("relayed %d frames, want 2", len(sub.C()))
	}
	if store.count() != 0 {
		t.Fatalf("non-snapshot frame persisted")
	}
	if len(w.reqs) != 1 || w.reqs[0] != (model.WriteRequest{DeviceID: 3, Channel: 1, Value: 9}) {
		t.Fatalf("routed writes = %+v", w.reqs)
	}
}

func TestBrokerSkipsOrigin(t *testing.T) {
	b := NewBroker(4)
	a := b.Subscribe("a")
	c := b.Subscribe("c")
	b.Publish(Message{Origin: "a", Text: "x"})
	if len(a.C()) != 0 {
		t.Fatalf("origin received its own message")
	}
	if m := <-c.C(); m.Text != "x" || m.Origin != "a" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestBrokerDropsOldest(t *testing.T) {
	b := NewBroker(2)
	s := b.Subscribe("slow")
	for i := 1; i <= 5; i++ {
		b.Publish(Message{Origin: "p", Text: fmt.Sprint(i)})
	}
	if s.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", s.Dropped())
	}
	if m := <-s.C(); m.Text != "4" {
		t.Fatalf("oldest retained = %q, want 4", m.Text)
	}
	if m := <-s.C(); m.Text != "5" {
		t.Fatalf("newest = %q, want 5", m.Text)
	}
}

func TestRateLimiterForget(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(time.Second, func() time.Time { return now })
	if !r.Allow("k") || r.Allow("k") {
		t.Fatalf("expected allow then deny")
	}
	now = now.Add(time.Second)
	if !r.Allow("k") {
		t.Fatalf("expected allow after a full interval")
	}
	r.Forget("k")
	if !r.Allow("k") {
		t.Fatalf("forgotten key must be allowed")
	}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket" }

func readText(t *testing.T, ctx context.Context, c *websocket.Conn) string {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestWebsocketFanOutWithoutSelfEcho(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(NewMux(h, ""))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.CloseNow()
	b, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.CloseNow()
	for h.Clients() < 2 {
		if ctx.Err() != nil {
			t.Fatalf("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := snapshotText(t, 42)
	if err := a.Write(ctx, websocket.MessageText, []byte(snap)); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if got := readText(t, ctx, b); got != snap {
		t.Fatalf("b got %q", got)
	}
	if err := b.Write(ctx, websocket.MessageText, []byte("from-b")); err != nil {
		t.Fatalf("write b: %v", err)
	}
	// a's first frame must be b's, not an echo of its own snapshot
	if got := readText(t, ctx, a); got != "from-b" {
		t.Fatalf("a got %q", got)
	}

	b.Close(websocket.StatusNormalClosure, "")
	for h.Clients() != 1 {
		if ctx.Err() != nil {
			t.Fatalf("closed connection was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExportEndpoint(t *testing.T) {
	store, err := historian.OpenSQLite(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := NewHub(WithStore(store), WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	defer h.Close()
	h.Register("src")
	h.Ingest(context.Background(), "src", snapshotText(t, 3.25))

	srv := httptest.NewServer(NewMux(h, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/export?format=csv&from=1699999999&to=2023-11-14T22:14:00Z&device=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/csv" {
		t.Fatalf("status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 1+model.DeviceNumChannels || rows[1][4] != "3.25" {
		t.Fatalf("rows = %v", rows[:2])
	}

	body := strings.NewReader(`{"format":"json","limit":5}`)
	resp2, err := http.Post(srv.URL+"/export", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	var batches []historian.Batch
	if err := json.NewDecoder(resp2.Body).Decode(&batches); err != nil || len(batches) != 1 {
		t.Fatalf("json export = %v err = %v", batches, err)
	}

	bad, err := http.Get(srv.URL + "/export?format=xml")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", bad.StatusCode)
	}
}

func TestBinaryFramesRelayedAsTextNotPersisted(t *testing.T) {
	store := &fakeStore{}
	h := NewHub(WithStore(store))
	srv := httptest.NewServer(NewMux(h, ""))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.CloseNow()
	b, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.CloseNow()
	for h.Clients() < 2 {
		if ctx.Err() != nil {
			t.Fatalf("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := snapshotText(t, 7)
	if err := a.Write(ctx, websocket.MessageBinary, []byte(snap)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	typ, data, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(data) != snap {
		t.Fatalf("got %v %q", typ, data)
	}
	if err := a.Write(ctx, websocket.MessageBinary, []byte{'o', 'k', 0xff}); err != nil {
		t.Fatalf("write invalid utf-8: %v", err)
	}
	if got := readText(t, ctx, b); got != "ok\uFFFD" {
		t.Fatalf("lossy decode got %q", got)
	}
	if store.count() != 0 {
		t.Fatalf("binary frames must not be persisted, saved %d", store.count())
	}
}

func TestWebsocketRejectsCrossOriginByDefault(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(NewMux(h, ""))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hdr := http.Header{"Origin": []string{"http://attacker.example"}}
	c, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: hdr})
	if err == nil {
		c.CloseNow()
		t.Fatalf("cross-origin dial should be rejected")
	}

	allowed := NewHub(WithOriginPatterns("hmi.example"))
	srv2 := httptest.NewServer(NewMux(allowed, ""))
	defer srv2.Close()
	hdr = http.Header{"Origin": []string{"http://hmi.example"}}
	c, _, err = websocket.Dial(ctx, wsURL(srv2), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	c.CloseNow()

	hdr = http.Header{"Origin": []string{"http://attacker.example"}}
	if c, _, err = websocket.Dial(ctx, wsURL(srv2), &websocket.DialOptions{HTTPHeader: hdr}); err == nil {
		c.CloseNow()
		t.Fatalf("origin outside the patterns should be rejected")
	}
}
