package controller

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"modbus-relay/internal/modbus"
	"modbus-relay/internal/model"
	"modbus-relay/internal/worker"
)

func simDevice(t *testing.T, id int, start uint16, values ...uint16) (model.Device, *modbus.Server) {
	t.Helper()
	s := modbus.NewServer()
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(s.Close)
	d := model.NewDevice(id, "sim")
	d.Endpoint = model.Endpoint{TCP: &model.TCPEndpoint{Address: "127.0.0.1", Port: s.Addr().(*net.TCPAddr).Port}}
	d.ScanInterval = 0.02
	for i, v := range values {
		addr := start + uint16(i)
		_ = s.SetHoldingRegister(addr, v)
		d.Channels[i] = model.Channel{Kind: model.KindInt16, Access: model.AccessWrite, Enabled: true, Address: addr}
	}
	return d, s
}

func start(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = c.Run(ctx) }()
	t.Cleanup(func() { cancel(); wg.Wait() })
}

func eventually(t *testing.T, c *Controller, cond func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
	return model.Snapshot{}
}

func TestNewRejectsBadDevices(t *testing.T) {
	a := model.NewDevice(1, "a")
	if _, err := New([]model.Device{a, a}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	bad := model.NewDevice(2, "b")
	bad.Endpoint = model.Endpoint{}
	if _, err := New([]model.Device{bad}); !errors.Is(err, model.ErrInvalidEndpoint) {
		t.Fatalf("err = %v", err)
	}
}

func TestSnapshotAggregatesDevices(t *testing.T) {
	d1, _ := simDevice(t, 1, 0, 10, 11)
	d2, _ := simDevice(t, 2, 100, 20)
	c, err := New([]model.Device{d1, d2}, WithGracePeriod(time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.SetCalculation(model.Calculation{ID: 2, Tag: "sum", Value: 41})
	c.SetCalculation(model.Calculation{ID: 1, Tag: "avg", Value: 15})
	start(t, c)

	snap := eventually(t, c, func(s model.Snapshot) bool {
		return s.Devices[0].Channels[1].Value == 11 && s.Devices[1].Channels[0].Value == 20
	})
	if len(snap.Devices) != 2 || snap.Devices[0].ID != 1 || snap.Devices[1].ID != 2 {
		t.Fatalf("unexpected device order %+v", snap.Devices)
	}
	if len(snap.Calculations) != 2 || snap.Calculations[0].ID != 1 {
		t.Fatalf("calculations = %+v", snap.Calculations)
	}
	// a drained snapshot keeps the last state
	if again := c.Snapshot(); again.Devices[1].Channels[0].Value != 20 {
		t.Fatalf("state lost after drain")
	}
}

func TestWriteRoutesToOwningWorker(t *testing.T) {
	d1, s1 := simDevice(t, 1, 0, 10)
	d2, s2 := simDevice(t, 2, 0, 20)
	c, err := New([]model.Device{d1, d2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start(t, c)

	if err := c.Write(model.WriteRequest{DeviceID: 2, Channel: 0, Value: 55}); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, c, func(s model.Snapshot) bool { return s.Devices[1].Channels[0].Value == 55 })
	if v, _ := modbus.GetHoldingRegister(s1, 0); v != 10 {
		t.Fatalf("write leaked to device 1: %d", v)
	}
	if v, _ := modbus.GetHoldingRegister(s2, 0); v != 55 {
		t.Fatalf("device 2 register = %d", v)
	}
	if err := c.Write(model.WriteRequest{DeviceID: 9}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateDeviceAppliesConfiguration(t *testing.T) {
	d1, sim := simDevice(t, 1, 0, 10)
	_ = sim.SetHoldingRegister(5, 500)
	c, err := New([]model.Device{d1}, WithWorkerOptions(worker.WithRetry(worker.RetryPolicy{InitialWait: 10 * time.Millisecond})))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start(t, c)
	eventually(t, c, func(s model.Snapshot) bool { return s.Devices[0].Channels[0].Value == 10 })

	next := c.Devices()[0]
	next.Channels[1] = model.Channel{Kind: model.KindInt16, Access: model.AccessRead, Enabled: true, Address: 5}
	if err := c.UpdateDevice(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	eventually(t, c, func(s model.Snapshot) bool { return s.Devices[0].Channels[1].Value == 500 })

	if err := c.UpdateDevice(model.NewDevice(42, "ghost")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconnectMovesDevice(t *testing.T) {
	d1, _ := simDevice(t, 1, 0, 10)
	other, _ := simDevice(t, 1, 0, 99)
	c, err := New([]model.Device{d1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start(t, c)
	eventually(t, c, func(s model.Snapshot) bool { return s.Devices[0].Channels[0].Value == 10 })
	if err := c.Reconnect(1, other.Endpoint); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	eventually(t, c, func(s model.Snapshot) bool { return s.Devices[0].Channels[0].Value == 99 })
	if err := c.Reconnect(7, other.Endpoint); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v", err)
	}
}
