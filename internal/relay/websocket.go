package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxFrameBytes = 4 << 20

// ServeWebsocket runs one connection as a pair of tasks: inbound frames go
// to Ingest, outbound delivers other connections' frames. When either side
// ends, the other is cancelled and the connection unregistered.
func (h *Hub) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("relay: accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	sub := h.Register(id)
	defer h.Unregister(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- h.inbound(ctx, id, conn) }()
	go func() { errc <- h.outbound(ctx, sub, conn) }()

	err = <-errc
	cancel()
	<-errc
	if err != nil && !isClosed(err) {
		log.Printf("relay: %s: %v", id, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) inbound(ctx context.Context, id string, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			h.Broadcast(id, strings.ToValidUTF8(string(data), "\uFFFD"))
			continue
		}
		h.Ingest(ctx, id, string(data))
	}
}

func (h *Hub) outbound(ctx context.Context, sub *Subscription, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-sub.C():
			if err := conn.Write(ctx, websocket.MessageText, []byte(m.Text)); err != nil {
				return err
			}
		}
	}
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
