package modbus

// Thread-safe helpers for seeding and inspecting simulated devices

import (
	"encoding/binary"
	"fmt"

	"modbus-relay/internal/model"
	"modbus-relay/internal/register"
)

// Seed stores every channel's value at its address in the table the device
// reads from. Coils follow the write convention: non-zero asserts.
func Seed(s *Server, dev model.Device) error {
	for _, c := range dev.Channels {
		op, err := register.EncodeWrite(c, c.Value)
		if err != nil {
			return fmt.Errorf("seed %s channel %d: %w", dev.Name, c.ID, err)
		}
		if err := apply(s, dev.RegisterSpace, op); err != nil {
			return fmt.Errorf("seed %s channel %d: %w", dev.Name, c.ID, err)
		}
	}
	return nil
}

func apply(s *Server, space model.RegisterSpace, op register.WriteOp) error {
	set := s.SetHoldingRegister
	if space == model.SpaceInput {
		set = s.SetInputRegister
	}
	switch op.Kind {
	case model.KindInt16:
		return set(op.Address, op.Register)
	case model.KindReal32:
		if op.Address == 0xFFFF {
			return ErrAddrOutOfRange(op.Address)
		}
		if err := set(op.Address, binary.BigEndian.Uint16(op.Payload[0:2])); err != nil {
			return err
		}
		return set(op.Address+1, binary.BigEndian.Uint16(op.Payload[2:4]))
	case model.KindBool:
		return s.SetCoil(op.Address, op.Coil)
	}
	return fmt.Errorf("unsupported kind %q", op.Kind)
}

// GetHoldingRegister returns the current holding register value at address.
func GetHoldingRegister(s *Server, address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.HoldingRegisters) {
		return 0, ErrAddrOutOfRange(address)
	}
	return s.HoldingRegisters[address], nil
}

// GetInputRegister returns the current input register value at address.
func GetInputRegister(s *Server, address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.InputRegisters) {
		return 0, ErrAddrOutOfRange(address)
	}
	return s.InputRegisters[address], nil
}

// GetCoil returns the current coil value at address.
func GetCoil(s *Server, address uint16) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.Coils) {
		return false, ErrAddrOutOfRange(address)
	}
	return s.Coils[address], nil
}

// ErrAddrOutOfRange returns a formatted error compatible with server.go style.
func ErrAddrOutOfRange(addr uint16) error {
	return fmt.Errorf("address %d out of range", addr)
}
