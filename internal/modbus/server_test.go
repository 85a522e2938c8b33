package modbus

import (
	"math"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-relay/internal/model"
)

func startServer(t *testing.T) (*Server, mb.Client) {
	t.Helper()
	s := NewServer()
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(s.Close)
	h := mb.NewTCPClientHandler(s.Addr().String())
	h.Timeout = 2 * time.Second
	if err := h.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return s, mb.NewClient(h)
}

func TestServerWritesAndReads(t *testing.T) {
	s, c := startServer(t)

	if _, err := c.WriteSingleRegister(4, 0x1234); err != nil {
		t.Fatalf("write single register: %v", err)
	}
	if _, err := c.WriteMultipleRegisters(10, 2, []byte{0x40, 0x49, 0x0F, 0xDB}); err != nil {
		t.Fatalf("write multiple registers: %v", err)
	}
	if _, err := c.WriteSingleCoil(3, 0xFF00); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	if _, err := c.WriteMultipleCoils(8, 3, []byte{0x05}); err != nil {
		t.Fatalf("write coils: %v", err)
	}

	data, err := c.ReadHoldingRegisters(10, 2)
	if err != nil || len(data) != 4 || data[0] != 0x40 || data[3] != 0xDB {
		t.Fatalf("read holding: %x %v", data, err)
	}
	if v, _ := GetHoldingRegister(s, 4); v != 0x1234 {
		t.Fatalf("register 4 = %x", v)
	}
	bits, err := c.ReadCoils(3, 8)
	if err != nil || bits[0] != 0x01|0x20|0x80 {
		t.Fatalf("read coils: %08b %v", bits, err)
	}

	reqs := s.Requests()
	if len(reqs) != 6 {
		t.Fatalf("expected 6 logged requests, got %d", len(reqs))
	}
	if reqs[4] != (Request{Function: functionReadHoldingRegs, Address: 10, Quantity: 2}) {
		t.Fatalf("unexpected request %+v", reqs[4])
	}
}

func TestServerRejectsIllegalFunction(t *testing.T) {
	_, c := startServer(t)
	if _, err := c.ReadFIFOQueue(1); err == nil {
		t.Fatalf("expected exception for unsupported function")
	}
}

func TestSeed(t *testing.T) {
	s := NewServer()
	dev := model.NewDevice(1, "PLC")
	dev.Channels[0] = model.Channel{Kind: model.KindInt16, Address: 5, Value: 42}
	dev.Channels[1] = model.Channel{Kind: model.KindReal32, Address: 6, Value: math.Pi}
	dev.Channels[2] = model.Channel{Kind: model.KindBool, Address: 2, Value: 1}
	if err := Seed(s, dev); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if v, _ := GetHoldingRegister(s, 5); v != 42 {
		t.Fatalf("int16 seed = %d", v)
	}
	hi, _ := GetHoldingRegister(s, 6)
	lo, _ := GetHoldingRegister(s, 7)
	if hi != 0x4049 || lo != 0x0FDB {
		t.Fatalf("real32 seed = %x %x", hi, lo)
	}
	if on, _ := GetCoil(s, 2); !on {
		t.Fatalf("coil not asserted")
	}
}
