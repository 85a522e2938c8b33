// Package historian persists sampled snapshots as timestamped batches: one
// records row per batch and one data row per (device, channel) value.
package historian

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbus-relay/internal/model"
)

// CalculationDeviceID is the device id stored for calculation values.
const CalculationDeviceID = -1

// Value is one (device, channel) reading inside a batch.
type Value struct {
	DeviceID  int     `json:"device_id"`
	ChannelID int     `json:"channel_id"`
	Value     float64 `json:"value"`
}

// Batch is one persisted sample.
type Batch struct {
	RecordID int64     `json:"record_id"`
	Time     time.Time `json:"datetime"`
	Values   []Value   `json:"values"`
}

// Query selects batches by time range. Zero times are open bounds.
type Query struct {
	From     time.Time
	To       time.Time
	DeviceID *int
	Limit    int
}

// Store is a durable historian backend. Implementations are safe for
// concurrent use.
type Store interface {
	// SaveBatch writes b in one transaction and returns its record id.
	SaveBatch(ctx context.Context, b Batch) (int64, error)
	// Query returns matching batches ordered by time, oldest first.
	Query(ctx context.Context, q Query) ([]Batch, error)
	Close() error
}

// BatchFromSnapshot flattens every channel of every device, then every
// calculation, into a batch stamped at.
func BatchFromSnapshot(s model.Snapshot, at time.Time) Batch {
	b := Batch{Time: at}
	for _, d := range s.Devices {
		for _, c := range d.Channels {
			b.Values = append(b.Values, Value{DeviceID: d.ID, ChannelID: c.ID, Value: c.Value})
		}
	}
	for _, c := range s.Calculations {
		b.Values = append(b.Values, Value{DeviceID: CalculationDeviceID, ChannelID: c.ID, Value: c.Value})
	}
	return b
}

// Open dispatches on driver: "sqlite" (dsn is a file path) or "postgres".
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql", "pgx":
		s, err := OpenPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown historian driver %q", driver)
	}
}

// limit caps an unbounded query.
func limit(n int) int {
	if n <= 0 || n > 10000 {
		return 10000
	}
	return n
}
