package model

// AlarmDirection is which side of the setpoint raises the alarm.
type AlarmDirection string

const (
	AlarmLow  AlarmDirection = "low"
	AlarmHigh AlarmDirection = "high"
)

// Alarm is a single threshold on a channel value.
// Active is derived on every successful read while Enabled; a disabled alarm
// keeps whatever Active value it had last.
type Alarm struct {
	Direction AlarmDirection `json:"direction" yaml:"direction"`
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Setpoint  float64        `json:"setpoint" yaml:"setpoint"`
	Active    bool           `json:"active" yaml:"active,omitempty"`
}

// Evaluate recomputes Active from value. No dead-band, no latching.
func (a *Alarm) Evaluate(value float64) {
	if !a.Enabled {
		return
	}
	switch a.Direction {
	case AlarmLow:
		a.Active = value < a.Setpoint
	case AlarmHigh:
		a.Active = value > a.Setpoint
	}
}
