package datalog

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/pattern"
)

// ErrQueueFull is returned by FileSink.Write when the writer is behind.
var ErrQueueFull = errors.New("storage queue full")

// Sample is one recorded value.
type Sample struct {
	Time     time.Time
	Logger   string
	DeviceID int
	Kind     pattern.RefKind
	Index    int
	Tag      string
	Value    float64
}

// Sink stores samples produced by one tick of a job.
type Sink interface {
	Write(ctx context.Context, samples []Sample) error
	Close() error
}

// FileSink appends samples to a JSONL or CSV file from a background goroutine.
type FileSink struct {
	path   string
	csv    bool
	q      chan []Sample
	f      *os.File
	buf    *bufio.Writer
	cw     *csv.Writer
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error // first write failure; the writer stops after it
}

var csvHeader = []string{"timestamp", "logger", "device_id", "kind", "index", "tag", "value"}

// NewFileSink opens path for appending. A ".csv" extension selects CSV;
// anything else is JSON lines.
func NewFileSink(path string, queue int) (*FileSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("logger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if queue <= 0 {
		queue = 256
	}
	s := &FileSink{
		path:   path,
		csv:    strings.EqualFold(filepath.Ext(path), ".csv"),
		q:      make(chan []Sample, queue),
		f:      f,
		buf:    bufio.NewWriterSize(f, 64*1024),
		closed: make(chan struct{}),
	}
	if s.csv {
		s.cw = csv.NewWriter(s.buf)
		if off, _ := f.Seek(0, io.SeekEnd); off == 0 {
			if err := s.cw.Write(csvHeader); err != nil {
				f.Close()
				return nil, fmt.Errorf("write csv header: %w", err)
			}
		}
	}
	go s.loop()
	return s, nil
}

func (s *FileSink) loop() {
	defer close(s.closed)
	for batch := range s.q {
		if err := s.writeBatch(batch); err != nil {
			log.Printf("datalog: %s: write failed, writer stopped: %v", s.path, err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *FileSink) writeBatch(batch []Sample) error {
	for _, v := range batch {
		var err error
		if s.csv {
			err = s.writeCSV(v)
		} else {
			err = s.writeJSONL(v)
		}
		if err != nil {
			return err
		}
	}
	if s.cw != nil {
		s.cw.Flush()
		if err := s.cw.Error(); err != nil {
			return err
		}
	}
	return s.buf.Flush()
}

// Err returns the failure that stopped the writer, if any.
func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Write enqueues samples without blocking. Once the writer has failed it
// returns that failure.
func (s *FileSink) Write(_ context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	select {
	case s.q <- samples:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the queue and closes the file.
func (s *FileSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.q)
		<-s.closed
		if s.cw != nil {
			s.cw.Flush()
		}
		_ = s.buf.Flush()
		err = s.f.Close()
	})
	return err
}

func (s *FileSink) writeJSONL(v Sample) error {
	obj := map[string]any{
		"timestamp": v.Time.Format(time.RFC3339Nano),
		"logger":    v.Logger,
		"device_id": v.DeviceID,
		"kind":      v.Kind.String(),
		"index":     v.Index,
		"tag":       v.Tag,
		"value":     v.Value,
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := s.buf.Write(b); err != nil {
		return err
	}
	return s.buf.WriteByte('\n')
}

func (s *FileSink) writeCSV(v Sample) error {
	return s.cw.Write([]string{
		v.Time.Format(time.RFC3339Nano),
		v.Logger,
		strconv.Itoa(v.DeviceID),
		v.Kind.String(),
		strconv.Itoa(v.Index),
		v.Tag,
		strconv.FormatFloat(v.Value, 'g', -1, 64),
	})
}

// StoreSink writes each tick as one historian batch.
type StoreSink struct {
	Store historian.Store
	// Owned stores are closed with the sink.
	Owned bool
}

func (s StoreSink) Write(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	b := historian.Batch{Time: samples[0].Time, Values: make([]historian.Value, 0, len(samples))}
	for _, v := range samples {
		dev := v.DeviceID
		if v.Kind == pattern.RefCalculation {
			dev = historian.CalculationDeviceID
		}
		b.Values = append(b.Values, historian.Value{DeviceID: dev, ChannelID: v.Index, Value: v.Value})
	}
	_, err := s.Store.SaveBatch(ctx, b)
	return err
}

func (s StoreSink) Close() error {
	if s.Owned {
		return s.Store.Close()
	}
	return nil
}
