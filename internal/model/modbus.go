package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEndpoint is returned when an endpoint does not carry exactly one variant.
var ErrInvalidEndpoint = errors.New("endpoint must define exactly one of tcp or serial")

// EndpointKind names the active variant of an Endpoint.
type EndpointKind int

const (
	EndpointInvalid EndpointKind = iota
	EndpointTCP
	EndpointSerial
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointTCP:
		return "tcp"
	case EndpointSerial:
		return "serial"
	default:
		return "invalid"
	}
}

// Parity of a serial line.
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// Code returns the single-letter parity understood by the serial driver.
func (p Parity) Code() string {
	switch Parity(strings.ToLower(string(p))) {
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	default:
		return "N"
	}
}

// TCPEndpoint is a Modbus TCP device address.
type TCPEndpoint struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
	UnitID  uint8  `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
}

func (t TCPEndpoint) HostPort() string { return fmt.Sprintf("%s:%d", t.Address, t.Port) }

// SerialEndpoint is a Modbus RTU device on a serial line.
type SerialEndpoint struct {
	Path     string `json:"path" yaml:"path"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	Parity   Parity `json:"parity" yaml:"parity"`
	Slave    uint8  `json:"slave" yaml:"slave"`
}

// Endpoint is a tagged union: exactly one of TCP or Serial is set.
type Endpoint struct {
	TCP    *TCPEndpoint    `json:"tcp,omitempty" yaml:"tcp,omitempty"`
	Serial *SerialEndpoint `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// Kind reports the active variant, or EndpointInvalid when none or both are set.
func (e Endpoint) Kind() EndpointKind {
	switch {
	case e.TCP != nil && e.Serial == nil:
		return EndpointTCP
	case e.Serial != nil && e.TCP == nil:
		return EndpointSerial
	default:
		return EndpointInvalid
	}
}

func (e Endpoint) Validate() error {
	switch e.Kind() {
	case EndpointTCP:
		if strings.TrimSpace(e.TCP.Address) == "" || e.TCP.Port <= 0 {
			return fmt.Errorf("tcp endpoint requires address and port")
		}
		return nil
	case EndpointSerial:
		if strings.TrimSpace(e.Serial.Path) == "" {
			return fmt.Errorf("serial endpoint requires a path")
		}
		return nil
	default:
		return ErrInvalidEndpoint
	}
}

// String is the human-readable address used in logs.
func (e Endpoint) String() string {
	switch e.Kind() {
	case EndpointTCP:
		return e.TCP.HostPort()
	case EndpointSerial:
		return fmt.Sprintf("%s@%d", e.Serial.Path, e.Serial.BaudRate)
	default:
		return "<invalid endpoint>"
	}
}

// Equal compares endpoint contents, not pointers.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Kind() != o.Kind() {
		return false
	}
	switch e.Kind() {
	case EndpointTCP:
		return *e.TCP == *o.TCP
	case EndpointSerial:
		return *e.Serial == *o.Serial
	default:
		return true
	}
}

// Clone returns a copy that shares no pointers with e.
func (e Endpoint) Clone() Endpoint {
	var out Endpoint
	if e.TCP != nil {
		t := *e.TCP
		out.TCP = &t
	}
	if e.Serial != nil {
		s := *e.Serial
		out.Serial = &s
	}
	return out
}

// RegisterSpace selects which register table serves the bulk register read.
type RegisterSpace string

const (
	SpaceHolding RegisterSpace = "holding"
	SpaceInput   RegisterSpace = "input"
)
