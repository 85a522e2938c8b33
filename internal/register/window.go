// Package register consolidates a device's channel addresses into one bulk
// read per cycle and decodes the reply back onto the channels.
package register

import (
	"encoding/binary"

	"modbus-relay/internal/model"
)

// Window is the inclusive contiguous address span covered by one bulk read.
type Window struct {
	Start  uint16
	Length uint16
}

// End returns the last address inside the window.
func (w Window) End() uint16 { return w.Start + w.Length - 1 }

// Contains reports whether addr falls inside the window.
func (w Window) Contains(addr uint16) bool {
	return w.Length > 0 && addr >= w.Start && int(addr) <= int(w.Start)+int(w.Length)-1
}

// Offset is addr's position within the window.
func (w Window) Offset(addr uint16) int { return int(addr) - int(w.Start) }

// ComputeWindow spans every address touched by enabled register channels.
// 32-bit channels touch address and address+1. Coils are excluded; see
// ComputeCoilWindow. ok is false when nothing is enabled and no read is due.
func ComputeWindow(channels []model.Channel) (w Window, ok bool) {
	return span(channels, func(c model.Channel) []int {
		switch c.Kind {
		case model.KindInt16:
			return []int{int(c.Address)}
		case model.KindReal32:
			return []int{int(c.Address), int(c.Address) + 1}
		default:
			return nil
		}
	})
}

// ComputeCoilWindow spans the addresses of enabled coil channels.
func ComputeCoilWindow(channels []model.Channel) (w Window, ok bool) {
	return span(channels, func(c model.Channel) []int {
		if c.Kind == model.KindBool {
			return []int{int(c.Address)}
		}
		return nil
	})
}

func span(channels []model.Channel, addrs func(model.Channel) []int) (Window, bool) {
	lo, hi := -1, -1
	for _, c := range channels {
		if !c.Enabled {
			continue
		}
		for _, a := range addrs(c) {
			if lo < 0 || a < lo {
				lo = a
			}
			if a > hi {
				hi = a
			}
		}
	}
	if lo < 0 {
		return Window{}, false
	}
	// address+1 of a 32-bit channel at 0xFFFF lies outside the register space
	if hi > 0xFFFF {
		hi = 0xFFFF
	}
	n := hi - lo + 1
	if n > 0xFFFF {
		n = 0xFFFF
	}
	return Window{Start: uint16(lo), Length: uint16(n)}, true
}

// Words converts a big-endian register payload into 16-bit words.
func Words(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}
