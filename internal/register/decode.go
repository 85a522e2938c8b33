package register

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"modbus-relay/internal/model"
)

// ReadErrorPrefix marks a channel status set by a failed decode.
const ReadErrorPrefix = "Read error: "

var errShortReply = errors.New("insufficient data")

// Decode writes register values onto enabled channels inside w and returns
// the indices of channels that received a new value. A channel whose words are
// missing from the reply keeps its previous value and gets a read-error status.
//
// int16 words are taken as plain magnitudes without sign extension.
// real32 combines the word at the channel offset (high) with the next (low).
func Decode(w Window, words []uint16, channels []model.Channel) []int {
	var updated []int
	for i := range channels {
		c := &channels[i]
		if !c.Enabled || c.Kind == model.KindBool || !w.Contains(c.Address) {
			continue
		}
		off := w.Offset(c.Address)
		switch c.Kind {
		case model.KindInt16:
			if off >= len(words) {
				markReadError(c, fmt.Errorf("%w for int16 at %d", errShortReply, c.Address))
				continue
			}
			c.Value = float64(words[off])
		case model.KindReal32:
			if off+1 >= len(words) {
				markReadError(c, fmt.Errorf("%w for real32 at %d", errShortReply, c.Address))
				continue
			}
			bits := uint32(words[off])<<16 | uint32(words[off+1])
			c.Value = float64(math.Float32frombits(bits))
		}
		clearReadError(c)
		updated = append(updated, i)
	}
	return updated
}

// DecodeCoils writes coil states onto enabled bool channels inside w.
// bits is the packed reply of a coil read (LSB of the first byte is w.Start).
//
// An asserted coil decodes to 0 and a clear coil to 1. Downstream consumers
// rely on this mapping.
func DecodeCoils(w Window, bits []byte, channels []model.Channel) []int {
	var updated []int
	for i := range channels {
		c := &channels[i]
		if !c.Enabled || c.Kind != model.KindBool || !w.Contains(c.Address) {
			continue
		}
		off := w.Offset(c.Address)
		if off/8 >= len(bits) {
			markReadError(c, fmt.Errorf("%w for coil at %d", errShortReply, c.Address))
			continue
		}
		if bits[off/8]&(1<<(uint(off)%8)) != 0 {
			c.Value = 0
		} else {
			c.Value = 1
		}
		clearReadError(c)
		updated = append(updated, i)
	}
	return updated
}

func markReadError(c *model.Channel, err error) {
	c.Status = ReadErrorPrefix + err.Error()
}

func clearReadError(c *model.Channel) {
	if c.Status == "" || strings.HasPrefix(c.Status, ReadErrorPrefix) {
		c.Status = "Ok."
	}
}
