package worker

import (
	"context"
	"fmt"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-relay/internal/model"
	"modbus-relay/internal/utils"
)

// Client is the subset of protocol operations a worker issues.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// Session is an open connection to one device.
type Session interface {
	Client
	Close() error
}

// Dialer opens sessions for endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep model.Endpoint) (Session, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, ep model.Endpoint) (Session, error)

func (f DialFunc) Dial(ctx context.Context, ep model.Endpoint) (Session, error) { return f(ctx, ep) }

// handlerWithConn is a goburrow transport handler with an explicit lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type session struct {
	mb.Client
	h handlerWithConn
}

func (s *session) Close() error { return s.h.Close() }

// ModbusDialer opens Modbus TCP and RTU sessions.
type ModbusDialer struct {
	Timeout time.Duration // per request; default 5s
}

// Dial connects to ep. The context bounds only the wait before connecting;
// the transport applies Timeout to the connect itself.
func (d ModbusDialer) Dial(ctx context.Context, ep model.Endpoint) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := d.newHandler(ep)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep, err)
	}
	return &session{Client: mb.NewClient(h), h: h}, nil
}

func (d ModbusDialer) newHandler(ep model.Endpoint) (handlerWithConn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch ep.Kind() {
	case model.EndpointTCP:
		h := mb.NewTCPClientHandler(ep.TCP.HostPort())
		h.Timeout = timeout
		h.SlaveId = ep.TCP.UnitID
		return h, nil
	case model.EndpointSerial:
		s := ep.Serial
		h := mb.NewRTUClientHandler(s.Path)
		h.Config = utils.SerialConfig(utils.SerialParams{
			Address:  s.Path,
			BaudRate: s.BaudRate,
			Parity:   s.Parity.Code(),
			Timeout:  timeout,
		})
		h.SlaveId = s.Slave
		return h, nil
	default:
		return nil, model.ErrInvalidEndpoint
	}
}
