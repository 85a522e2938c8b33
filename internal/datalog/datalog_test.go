package datalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/model"
	"modbus-relay/internal/pattern"
)

type staticSource struct{ snap model.Snapshot }

func (s staticSource) Snapshot() model.Snapshot { return s.snap }

type memorySink struct {
	batches [][]Sample
	closed  bool
}

func (m *memorySink) Write(_ context.Context, s []Sample) error {
	m.batches = append(m.batches, s)
	return nil
}

func (m *memorySink) Close() error { m.closed = true; return nil }

func testSnapshot() model.Snapshot {
	d := model.NewDevice(2, "PLC")
	d.Normalize()
	for i := range d.Channels {
		d.Channels[i].Value = float64(i * 10)
		d.Channels[i].Tag = "T" + string(rune('A'+i))
	}
	return model.Snapshot{
		Devices:      []model.Device{d},
		Calculations: []model.Calculation{{ID: 0, Tag: "sum", Value: 99}},
	}
}

func TestSampleSelectsPatternRefs(t *testing.T) {
	def := model.Logger{Name: "l1", DeviceID: 2, Pattern: "CH1-CH3,EVAL0-EVAL0"}
	j, err := NewJob(def, staticSource{}, &memorySink{})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	at := time.Unix(1700000000, 0)
	got := j.Sample(testSnapshot(), at)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d: %+v", len(got), got)
	}
	for i, want := range []float64{10, 20, 30} {
		if got[i].Kind != pattern.RefChannel || got[i].Index != i+1 || got[i].Value != want {
			t.Fatalf("sample %d: %+v", i, got[i])
		}
	}
	if got[3].Kind != pattern.RefCalculation || got[3].Value != 99 || got[3].Tag != "sum" {
		t.Fatalf("calculation sample: %+v", got[3])
	}
	if !got[0].Time.Equal(at) || got[0].Logger != "l1" {
		t.Fatalf("sample metadata: %+v", got[0])
	}
}

func TestSampleSkipsMissing(t *testing.T) {
	def := model.Logger{Name: "l1", DeviceID: 9, Pattern: "CH1-CH1,EVAL5-EVAL5"}
	j, err := NewJob(def, staticSource{}, &memorySink{})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if got := j.Sample(testSnapshot(), time.Now()); len(got) != 0 {
		t.Fatalf("expected nothing for unknown device and calculation, got %+v", got)
	}
}

func TestNewJobRejectsBadPattern(t *testing.T) {
	if _, err := NewJob(model.Logger{Name: "x", Pattern: "  "}, staticSource{}, &memorySink{}); err == nil {
		t.Fatalf("expected error for empty pattern")
	}
	if _, err := NewJob(model.Logger{Name: "x", Pattern: "foo"}, staticSource{}, &memorySink{}); err == nil {
		t.Fatalf("expected error for pattern without refs")
	}
}

func TestSkipUnchanged(t *testing.T) {
	def := model.Logger{Name: "l1", DeviceID: 2, Pattern: "CH1-CH2", SkipUnchanged: time.Hour}
	j, err := NewJob(def, staticSource{}, &memorySink{})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	snap := testSnapshot()
	if got := j.Sample(snap, time.Now()); len(got) != 2 {
		t.Fatalf("first sample should record everything, got %d", len(got))
	}
	snap.Devices[0].Channels[2].Value = 21
	got := j.Sample(snap, time.Now())
	if len(got) != 1 || got[0].Index != 2 || got[0].Value != 21 {
		t.Fatalf("expected only the changed channel, got %+v", got)
	}
}

func TestRunWritesAndClosesSink(t *testing.T) {
	def := model.Logger{Name: "l1", DeviceID: 2, Pattern: "CH0-CH0", Period: 5 * time.Millisecond}
	sink := &memorySink{}
	j, err := NewJob(def, staticSource{snap: testSnapshot()}, sink)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	j.Run(ctx)
	if !sink.closed {
		t.Fatalf("sink not closed after Run")
	}
	if len(sink.batches) == 0 {
		t.Fatalf("expected at least one tick")
	}
}

func TestFileSinkJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "out.jsonl")
	s, err := NewFileSink(path, 4)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	at := time.Unix(1700000000, 0).UTC()
	if err := s.Write(context.Background(), []Sample{
		{Time: at, Logger: "l1", DeviceID: 2, Kind: pattern.RefChannel, Index: 1, Tag: "a", Value: 1.5},
		{Time: at, Logger: "l1", DeviceID: 2, Kind: pattern.RefCalculation, Index: 0, Tag: "sum", Value: 3},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1]["kind"] != "calculation" || lines[0]["value"].(float64) != 1.5 {
		t.Fatalf("unexpected content %+v", lines)
	}
}

func TestFileSinkCSVHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	for i := 0; i < 2; i++ {
		s, err := NewFileSink(path, 4)
		if err != nil {
			t.Fatalf("NewFileSink: %v", err)
		}
		if err := s.Write(context.Background(), []Sample{{Time: time.Now(), Logger: "l1", Index: i, Value: float64(i)}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "timestamp" || rows[2][4] != "1" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestFileSinkCloseIdempotent(t *testing.T) {
	s, err := NewFileSink(filepath.Join(t.TempDir(), "x.jsonl"), 1)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStoreSinkUsesCalculationDevice(t *testing.T) {
	st, err := historian.OpenSQLite(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sink := StoreSink{Store: st, Owned: true}
	defer sink.Close()
	at := time.Unix(1700000000, 0)
	err = sink.Write(context.Background(), []Sample{
		{Time: at, DeviceID: 2, Kind: pattern.RefChannel, Index: 4, Value: 7},
		{Time: at, DeviceID: 2, Kind: pattern.RefCalculation, Index: 1, Value: 8},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	batches, err := st.Query(context.Background(), historian.Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Values) != 2 {
		t.Fatalf("unexpected batches %+v", batches)
	}
	devs := map[int]bool{}
	for _, v := range batches[0].Values {
		devs[v.DeviceID] = true
	}
	if !devs[2] || !devs[historian.CalculationDeviceID] {
		t.Fatalf("expected device 2 and calculation device, got %v", devs)
	}
}

func TestRunAllSkipsInactive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	defs := []model.Logger{{Name: "off", Kind: model.LoggerFile, Path: "", Active: false, Pattern: "CH0-CH0"}}
	if err := RunAll(ctx, defs, staticSource{}, nil); err != nil {
		t.Fatalf("inactive logger should not be opened: %v", err)
	}
	bad := []model.Logger{{Name: "db", Kind: model.LoggerDatabase, Active: true, Pattern: "CH0-CH0"}}
	if err := RunAll(ctx, bad, staticSource{}, nil); err == nil {
		t.Fatalf("expected error without a store")
	}
}

func TestFileSinkReportsWriteFailure(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "broken.jsonl")
	s, err := NewFileSink(path, 4)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	s.f.Close()
	if err := s.Write(context.Background(), []Sample{{Time: time.Now(), Logger: "l1", Value: 1}}); err != nil {
		t.Fatalf("first Write should enqueue: %v", err)
	}
	select {
	case <-s.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer did not stop after a failed write")
	}
	if s.Err() == nil {
		t.Fatalf("expected a recorded write error")
	}
	err = s.Write(context.Background(), []Sample{{Time: time.Now(), Logger: "l1", Value: 2}})
	if err == nil || errors.Is(err, ErrQueueFull) {
		t.Fatalf("Write after failure = %v, want the write error", err)
	}
	if !strings.Contains(logs.String(), path) {
		t.Fatalf("failure not logged with the path: %q", logs.String())
	}
	_ = s.Close()
}
