package model

import (
	"fmt"
	"time"
)

// DeviceNumChannels is the channel count of a freshly initialized device.
const DeviceNumChannels = 20

// ValueKind is how a channel's register contents are interpreted.
type ValueKind string

const (
	KindInt16  ValueKind = "int16"
	KindReal32 ValueKind = "real32"
	KindBool   ValueKind = "bool"
)

// AccessMode decides whether operator writes are accepted for a channel.
type AccessMode string

const (
	AccessRead  AccessMode = "read"
	AccessWrite AccessMode = "write"
)

// Channel is one named, typed, addressable value within a device.
// Its ID equals its index in Device.Channels.
type Channel struct {
	ID        int        `json:"id" yaml:"id"`
	DeviceID  int        `json:"device_id" yaml:"device_id"`
	Tag       string     `json:"tag" yaml:"tag"`
	Kind      ValueKind  `json:"kind" yaml:"kind"`
	Access    AccessMode `json:"access" yaml:"access"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Address   uint16     `json:"address" yaml:"address"`
	Value     float64    `json:"value" yaml:"value"`
	Status    string     `json:"status" yaml:"status,omitempty"`
	AlarmLow  Alarm      `json:"alarm_low" yaml:"alarm_low"`
	AlarmHigh Alarm      `json:"alarm_high" yaml:"alarm_high"`
}

// Writable reports whether operator writes apply to this channel.
func (c Channel) Writable() bool { return c.Access == AccessWrite }

// EvaluateAlarms refreshes both alarms from the current value.
func (c *Channel) EvaluateAlarms() {
	c.AlarmLow.Direction = AlarmLow
	c.AlarmHigh.Direction = AlarmHigh
	c.AlarmLow.Evaluate(c.Value)
	c.AlarmHigh.Evaluate(c.Value)
}

// Seconds is a duration expressed in (possibly fractional) seconds on the wire.
type Seconds float64

func (s Seconds) Duration() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

// Device is a field device and the channels it exclusively owns.
type Device struct {
	ID            int           `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Endpoint      Endpoint      `json:"endpoint" yaml:"endpoint"`
	RegisterSpace RegisterSpace `json:"register_space,omitempty" yaml:"register_space,omitempty"`
	Channels      []Channel     `json:"channels" yaml:"channels"`
	ScanInterval  Seconds       `json:"scan_interval" yaml:"scan_interval"`
	Status        string        `json:"status" yaml:"status,omitempty"`
}

// NewDevice returns a device with the default endpoint and disabled channels.
func NewDevice(id int, name string) Device {
	d := Device{
		ID:            id,
		Name:          name,
		Endpoint:      Endpoint{TCP: &TCPEndpoint{Address: "127.0.0.1", Port: 502}},
		RegisterSpace: SpaceHolding,
		ScanInterval:  1,
		Status:        "Initialized",
	}
	d.Channels = make([]Channel, DeviceNumChannels)
	for i := range d.Channels {
		d.Channels[i] = Channel{Kind: KindBool, Access: AccessRead}
	}
	d.Normalize()
	return d
}

// Normalize pins channel ids to their positions and owner ids to the device.
func (d *Device) Normalize() {
	if d.RegisterSpace == "" {
		d.RegisterSpace = SpaceHolding
	}
	for i := range d.Channels {
		d.Channels[i].ID = i
		d.Channels[i].DeviceID = d.ID
		d.Channels[i].AlarmLow.Direction = AlarmLow
		d.Channels[i].AlarmHigh.Direction = AlarmHigh
	}
}

// Interval returns the scan interval, defaulting to one second.
func (d Device) Interval() time.Duration {
	if d.ScanInterval <= 0 {
		return time.Second
	}
	return d.ScanInterval.Duration()
}

// Clone deep-copies the device so snapshots never alias worker state.
func (d Device) Clone() Device {
	out := d
	out.Endpoint = d.Endpoint.Clone()
	out.Channels = append([]Channel(nil), d.Channels...)
	return out
}

// Channel returns the channel at id, if present.
func (d Device) Channel(id int) (Channel, bool) {
	if id < 0 || id >= len(d.Channels) {
		return Channel{}, false
	}
	return d.Channels[id], true
}

func (d Device) String() string { return d.Name }

// Validate checks the device is usable by a worker.
func (d Device) Validate() error {
	if err := d.Endpoint.Validate(); err != nil {
		return fmt.Errorf("device %d (%s): %w", d.ID, d.Name, err)
	}
	switch d.RegisterSpace {
	case "", SpaceHolding, SpaceInput:
	default:
		return fmt.Errorf("device %d (%s): unknown register_space %q", d.ID, d.Name, d.RegisterSpace)
	}
	for i, c := range d.Channels {
		switch c.Kind {
		case KindInt16, KindReal32, KindBool:
		default:
			return fmt.Errorf("device %d channel %d: unknown kind %q", d.ID, i, c.Kind)
		}
		switch c.Access {
		case AccessRead, AccessWrite:
		default:
			return fmt.Errorf("device %d channel %d: unknown access %q", d.ID, i, c.Access)
		}
	}
	return nil
}

// Calculation is a computed channel addressed by the EVAL namespace.
type Calculation struct {
	ID    int     `json:"id" yaml:"id"`
	Tag   string  `json:"tag" yaml:"tag"`
	Value float64 `json:"value" yaml:"value"`
}

// WriteRequest is an operator-originated mutation of one channel.
type WriteRequest struct {
	DeviceID int     `json:"device_id"`
	Channel  int     `json:"channel"`
	Value    float64 `json:"value"`
}

// Snapshot is the state of all devices at one instant.
type Snapshot struct {
	Devices      []Device      `json:"devices"`
	Calculations []Calculation `json:"calculations,omitempty"`
}

// Device looks up a device by id.
func (s Snapshot) Device(id int) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Calculation looks up a calculation by id.
func (s Snapshot) Calculation(id int) (Calculation, bool) {
	for _, c := range s.Calculations {
		if c.ID == id {
			return c, true
		}
	}
	return Calculation{}, false
}
