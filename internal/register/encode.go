package register

import (
	"encoding/binary"
	"fmt"
	"math"

	"modbus-relay/internal/model"
)

// WriteOp is the protocol operation that applies a value to a channel.
type WriteOp struct {
	Kind     model.ValueKind
	Address  uint16
	Register uint16 // int16: single register value
	Payload  []byte // real32: two registers, high word first
	Coil     bool   // bool: true asserts the coil
}

// CoilOn and CoilOff are the Modbus single-coil write values.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// EncodeWrite converts an operator value into the write for channel c.
// int16 values are rounded and stored two's complement when negative.
// For bool channels any non-zero value asserts the coil.
func EncodeWrite(c model.Channel, value float64) (WriteOp, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return WriteOp{}, fmt.Errorf("cannot write %v", value)
	}
	op := WriteOp{Kind: c.Kind, Address: c.Address}
	switch c.Kind {
	case model.KindInt16:
		r := math.Round(value)
		if r < math.MinInt16 || r > math.MaxUint16 {
			return WriteOp{}, fmt.Errorf("value %v out of 16-bit range", value)
		}
		op.Register = uint16(int32(r))
	case model.KindReal32:
		if math.Abs(value) > math.MaxFloat32 {
			return WriteOp{}, fmt.Errorf("value %v out of float32 range", value)
		}
		op.Payload = make([]byte, 4)
		binary.BigEndian.PutUint32(op.Payload, math.Float32bits(float32(value)))
	case model.KindBool:
		op.Coil = value != 0
	default:
		return WriteOp{}, fmt.Errorf("unsupported value kind %q", c.Kind)
	}
	return op, nil
}
