// Package datalog runs recording jobs: each samples a pattern-selected set
// of channels from the current snapshot at a fixed period.
package datalog

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/model"
	"modbus-relay/internal/pattern"
	"modbus-relay/internal/utils"
)

// Source provides the current snapshot.
type Source interface {
	Snapshot() model.Snapshot
}

// Job is one active logger.
type Job struct {
	Def   model.Logger
	Refs  []pattern.Ref
	src   Source
	sink  Sink
	cache *utils.ValueCache
	now   func() time.Time
}

// NewJob resolves def.Pattern and binds the job to src and sink.
func NewJob(def model.Logger, src Source, sink Sink) (*Job, error) {
	refs, err := pattern.Resolve(def.Pattern)
	if err != nil {
		return nil, fmt.Errorf("logger %s: %w", def.Name, err)
	}
	j := &Job{Def: def, Refs: refs, src: src, sink: sink, now: time.Now}
	if def.SkipUnchanged > 0 {
		j.cache = utils.NewValueCache(def.SkipUnchanged)
	}
	return j, nil
}

// OpenSink builds the sink for def. Database loggers without a path use
// shared, which the sink does not close.
func OpenSink(def model.Logger, shared historian.Store) (Sink, error) {
	switch def.Kind {
	case model.LoggerFile, "":
		return NewFileSink(def.Path, 0)
	case model.LoggerDatabase:
		if def.Path == "" {
			if shared == nil {
				return nil, fmt.Errorf("logger %s: no database configured", def.Name)
			}
			return StoreSink{Store: shared}, nil
		}
		st, err := historian.OpenSQLite(def.Path)
		if err != nil {
			return nil, err
		}
		return StoreSink{Store: st, Owned: true}, nil
	default:
		return nil, fmt.Errorf("logger %s: unknown kind %q", def.Name, def.Kind)
	}
}

// Sample selects the job's values from snap. Channels missing from the
// device are skipped.
func (j *Job) Sample(snap model.Snapshot, at time.Time) []Sample {
	dev, hasDev := snap.Device(j.Def.DeviceID)
	out := make([]Sample, 0, len(j.Refs))
	for i, r := range j.Refs {
		s := Sample{Time: at, Logger: j.Def.Name, DeviceID: j.Def.DeviceID, Kind: r.Kind, Index: r.Index}
		switch r.Kind {
		case pattern.RefChannel:
			if !hasDev {
				continue
			}
			c, ok := dev.Channel(r.Index)
			if !ok {
				continue
			}
			s.Tag, s.Value = c.Tag, c.Value
		case pattern.RefCalculation:
			c, ok := snap.Calculation(r.Index)
			if !ok {
				continue
			}
			s.Tag, s.Value = c.Tag, c.Value
		}
		if j.cache != nil && j.cache.Unchanged(j.key(i, r), s.Value) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// key includes the ref position so duplicate refs are tracked apart.
func (j *Job) key(pos int, r pattern.Ref) string {
	return j.Def.Name + "|" + strconv.Itoa(pos) + "|" + r.Kind.String() + "|" + strconv.Itoa(r.Index)
}

// Run samples every period until ctx is done, then closes the sink.
func (j *Job) Run(ctx context.Context) {
	defer func() {
		if err := j.sink.Close(); err != nil {
			log.Printf("logger %s: close: %v", j.Def.Name, err)
		}
	}()
	period := j.Def.Period
	if period <= 0 {
		period = time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		samples := j.Sample(j.src.Snapshot(), j.now())
		if err := j.sink.Write(ctx, samples); err != nil {
			log.Printf("logger %s: %v", j.Def.Name, err)
		}
	}
}

// RunAll starts every active logger and waits for them to stop.
func RunAll(ctx context.Context, defs []model.Logger, src Source, shared historian.Store) error {
	var jobs []*Job
	for _, def := range defs {
		if !def.Active {
			continue
		}
		sink, err := OpenSink(def, shared)
		if err != nil {
			for _, j := range jobs {
				j.sink.Close()
			}
			return err
		}
		j, err := NewJob(def, src, sink)
		if err != nil {
			sink.Close()
			for _, j := range jobs {
				j.sink.Close()
			}
			return err
		}
		log.Printf("logger %s: %s", def.Name, pattern.Summary(def.Pattern))
		jobs = append(jobs, j)
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			j.Run(ctx)
		}(j)
	}
	wg.Wait()
	return nil
}
