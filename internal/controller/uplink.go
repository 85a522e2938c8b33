package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"

	"modbus-relay/internal/model"
	"modbus-relay/internal/worker"
)

// Source is what an Uplink publishes and routes writes to.
type Source interface {
	Snapshot() model.Snapshot
	Write(model.WriteRequest) error
}

// Uplink keeps a websocket link to a relay: it publishes snapshots every
// Interval and turns inbound write frames into Source.Write calls. A broken
// link is redialled with Retry backoff.
type Uplink struct {
	URL      string
	Source   Source
	Interval time.Duration
	Retry    worker.RetryPolicy
}

// Run blocks until ctx is done.
func (u *Uplink) Run(ctx context.Context) error {
	if u.Interval <= 0 {
		u.Interval = time.Second
	}
	attempt := 0
	for ctx.Err() == nil {
		connected, err := u.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if connected {
			attempt = 0
		}
		log.Printf("uplink: %s: %v", u.URL, err)
		if !u.Retry.Wait(ctx, attempt) {
			break
		}
		attempt++
	}
	return nil
}

func (u *Uplink) session(ctx context.Context) (bool, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, u.URL, nil)
	cancelDial()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)
	log.Printf("uplink: connected to %s", u.URL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- u.receive(ctx, conn) }()
	go func() { errc <- u.publish(ctx, conn) }()

	err = <-errc
	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
	return true, err
}

const maxFrameBytes = 4 << 20

func (u *Uplink) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		f := model.ClassifyFrame(string(data))
		if f.Kind != model.FrameWrite {
			continue
		}
		if err := u.Source.Write(f.Write); err != nil {
			log.Printf("uplink: write %+v: %v", f.Write, err)
		}
	}
}

func (u *Uplink) publish(ctx context.Context, conn *websocket.Conn) error {
	t := time.NewTicker(u.Interval)
	defer t.Stop()
	for {
		data, err := json.Marshal(u.Source.Snapshot())
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
