package model

import (
	"encoding/json"
	"time"
)

// FrameKind classifies a text frame exchanged over the real-time channel.
type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameSnapshot
	FrameWrite
)

func (k FrameKind) String() string {
	switch k {
	case FrameSnapshot:
		return "snapshot"
	case FrameWrite:
		return "write"
	default:
		return "other"
	}
}

// Frame is a decoded text frame. Only the field that matches Kind is set.
type Frame struct {
	Kind     FrameKind
	Snapshot Snapshot
	Write    WriteRequest
}

type frameEnvelope struct {
	Devices  *[]Device `json:"devices"`
	DeviceID *int      `json:"device_id"`
	Channel  *int      `json:"channel"`
	Value    *float64  `json:"value"`
}

// ClassifyFrame decodes text as a snapshot batch or a write request.
// Anything else (including invalid JSON) is FrameOther and is still relayed.
func ClassifyFrame(text string) Frame {
	var env frameEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Frame{Kind: FrameOther}
	}
	if env.Devices != nil {
		return Frame{Kind: FrameSnapshot, Snapshot: Snapshot{Devices: *env.Devices}}
	}
	if env.DeviceID != nil && env.Channel != nil && env.Value != nil {
		return Frame{Kind: FrameWrite, Write: WriteRequest{DeviceID: *env.DeviceID, Channel: *env.Channel, Value: *env.Value}}
	}
	return Frame{Kind: FrameOther}
}

// LoggerKind is the storage backing a Logger.
type LoggerKind string

const (
	LoggerFile     LoggerKind = "file"
	LoggerDatabase LoggerKind = "database"
)

// Logger is a recording job over a pattern-selected set of channels.
type Logger struct {
	Name     string        `json:"name" yaml:"name"`
	Kind     LoggerKind    `json:"kind" yaml:"kind"`
	Path     string        `json:"path" yaml:"path"`
	Period   time.Duration `json:"period" yaml:"period"`
	DeviceID int           `json:"device_id" yaml:"device_id"`
	Pattern  string        `json:"pattern" yaml:"pattern"`
	Active   bool          `json:"active" yaml:"active"`
	// SkipUnchanged suppresses values equal to the last one written within this TTL.
	SkipUnchanged time.Duration `json:"skip_unchanged,omitempty" yaml:"skip_unchanged,omitempty"`
}
