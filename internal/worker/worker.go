// Package worker runs the polling loop for one device: connect, apply
// pending configuration and writes, read one register window, evaluate
// alarms, publish, sleep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"modbus-relay/internal/mailbox"
	"modbus-relay/internal/metrics"
	"modbus-relay/internal/model"
	"modbus-relay/internal/register"
)

// Device status strings published by the worker.
const (
	StatusConnected = "Connected."
	StatusUpdated   = "Updated."
	errorPrefix     = "Error: "
	writeErrPrefix  = "Write error: "
)

// DefaultMaxReadFailures is how many consecutive failed cycles drop the session.
const DefaultMaxReadFailures = 3

var errReconnect = errors.New("reconnect requested")

// Option configures a Worker.
type Option func(*Worker)

func WithDialer(d Dialer) Option { return func(w *Worker) { w.dialer = d } }

func WithRetry(rp RetryPolicy) Option { return func(w *Worker) { w.retry = rp } }

// WithWritesPerCycle bounds how many queued writes one cycle applies.
func WithWritesPerCycle(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.writesPerCycle = n
		}
	}
}

// WithMaxReadFailures sets the failed-cycle count that forces a reconnect; 0 never does.
func WithMaxReadFailures(n int) Option { return func(w *Worker) { w.maxReadFailures = n } }

// Worker exclusively owns one device's state while running.
type Worker struct {
	dev             model.Device
	box             *mailbox.Mailbox
	dialer          Dialer
	retry           RetryPolicy
	writesPerCycle  int
	maxReadFailures int
	label           string
}

func New(dev model.Device, box *mailbox.Mailbox, opts ...Option) *Worker {
	dev = dev.Clone()
	dev.Normalize()
	w := &Worker{
		dev:             dev,
		box:             box,
		dialer:          ModbusDialer{},
		retry:           DefaultRetryPolicy(),
		writesPerCycle:  1,
		maxReadFailures: DefaultMaxReadFailures,
		label:           strconv.Itoa(dev.ID),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		w.applyUpdate()
		if m, ok := w.box.Control.TryPopFirst(mailbox.IsReconnect); ok {
			w.setEndpoint(m.Endpoint)
			attempt = 0
		}

		sess, err := w.dialer.Dial(ctx, w.dev.Endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.dev.Status = errorPrefix + err.Error()
			log.Printf("worker %d (%s): connect %s: %v", w.dev.ID, w.dev.Name, w.dev.Endpoint, err)
			metrics.IncWorkerCycle(w.label, "connect_error")
			w.publish()
			if !w.retry.Wait(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		w.dev.Status = StatusConnected
		metrics.SetWorkerConnected(w.label, true)
		log.Printf("worker %d (%s): connected to %s", w.dev.ID, w.dev.Name, w.dev.Endpoint)

		err = w.poll(ctx, sess)
		if cerr := sess.Close(); cerr != nil {
			log.Printf("worker %d (%s): close: %v", w.dev.ID, w.dev.Name, cerr)
		}
		metrics.SetWorkerConnected(w.label, false)
		if err != nil && !errors.Is(err, errReconnect) && ctx.Err() == nil {
			log.Printf("worker %d (%s): %v", w.dev.ID, w.dev.Name, err)
		}
	}
}

// poll runs cycles until ctx is done or the session must be reopened.
func (w *Worker) poll(ctx context.Context, c Client) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.applyUpdate() {
			return errReconnect
		}
		if m, ok := w.box.Control.TryPopFirst(mailbox.IsReconnect); ok {
			w.setEndpoint(m.Endpoint)
			return errReconnect
		}
		for i := 0; i < w.writesPerCycle; i++ {
			m, ok := w.box.Control.TryPopFirst(mailbox.IsWrite)
			if !ok {
				break
			}
			w.write(c, m.Write)
		}

		if err := w.read(c); err != nil {
			failures++
			w.dev.Status = errorPrefix + err.Error()
			metrics.IncWorkerCycle(w.label, metrics.ResultError)
		} else {
			failures = 0
			if strings.HasPrefix(w.dev.Status, errorPrefix) {
				w.dev.Status = StatusConnected
			}
			metrics.IncWorkerCycle(w.label, metrics.ResultSuccess)
		}
		w.publish()

		if w.maxReadFailures > 0 && failures >= w.maxReadFailures {
			return fmt.Errorf("%d consecutive read failures, reconnecting", failures)
		}
		if !sleep(ctx, w.dev.Interval()) {
			return ctx.Err()
		}
	}
}

// applyUpdate installs a pending replacement configuration. It reports
// whether the endpoint changed and the session must be reopened.
func (w *Worker) applyUpdate() bool {
	next, ok := w.box.Update.TryTake()
	if !ok {
		return false
	}
	next = next.Clone()
	next.ID = w.dev.ID
	next.Normalize()
	if err := next.Validate(); err != nil {
		log.Printf("worker %d (%s): update rejected: %v", w.dev.ID, w.dev.Name, err)
		return false
	}
	changed := !next.Endpoint.Equal(w.dev.Endpoint)
	w.dev = next
	w.dev.Status = StatusUpdated
	return changed
}

func (w *Worker) setEndpoint(ep model.Endpoint) {
	if err := ep.Validate(); err != nil {
		log.Printf("worker %d (%s): reconnect rejected: %v", w.dev.ID, w.dev.Name, err)
		return
	}
	log.Printf("worker %d (%s): reconnecting to %s", w.dev.ID, w.dev.Name, ep)
	w.dev.Endpoint = ep.Clone()
}

// write applies one operator request. Requests for unknown or read-only
// channels are ignored.
func (w *Worker) write(c Client, req model.WriteRequest) {
	if req.DeviceID != w.dev.ID || req.Channel < 0 || req.Channel >= len(w.dev.Channels) {
		log.Printf("worker %d (%s): write to unknown channel %d ignored", w.dev.ID, w.dev.Name, req.Channel)
		return
	}
	ch := &w.dev.Channels[req.Channel]
	if !ch.Writable() {
		log.Printf("worker %d (%s): write to read-only channel %d ignored", w.dev.ID, w.dev.Name, req.Channel)
		metrics.IncWorkerWrite(w.label, metrics.ResultSkipped)
		return
	}
	if err := writeChannel(c, *ch, req.Value); err != nil {
		ch.Status = writeErrPrefix + err.Error()
		metrics.IncWorkerWrite(w.label, metrics.ResultError)
		return
	}
	if strings.HasPrefix(ch.Status, writeErrPrefix) {
		ch.Status = "Ok."
	}
	metrics.IncWorkerWrite(w.label, metrics.ResultSuccess)
}

func writeChannel(c Client, ch model.Channel, value float64) error {
	op, err := register.EncodeWrite(ch, value)
	if err != nil {
		return err
	}
	switch op.Kind {
	case model.KindInt16:
		_, err = c.WriteSingleRegister(op.Address, op.Register)
	case model.KindReal32:
		_, err = c.WriteMultipleRegisters(op.Address, 2, op.Payload)
	case model.KindBool:
		v := register.CoilOff
		if op.Coil {
			v = register.CoilOn
		}
		_, err = c.WriteSingleCoil(op.Address, v)
	}
	return err
}

// read issues the register and coil bulk reads. A failed read leaves the
// affected values untouched.
func (w *Worker) read(c Client) error {
	chs := w.dev.Channels
	var errs []error
	var decoded []int
	if win, ok := register.ComputeWindow(chs); ok {
		var data []byte
		var err error
		if w.dev.RegisterSpace == model.SpaceInput {
			data, err = c.ReadInputRegisters(win.Start, win.Length)
		} else {
			data, err = c.ReadHoldingRegisters(win.Start, win.Length)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read registers %d+%d: %w", win.Start, win.Length, err))
		} else {
			decoded = append(decoded, register.Decode(win, register.Words(data), chs)...)
		}
	}
	if win, ok := register.ComputeCoilWindow(chs); ok {
		bits, err := c.ReadCoils(win.Start, win.Length)
		if err != nil {
			errs = append(errs, fmt.Errorf("read coils %d+%d: %w", win.Start, win.Length, err))
		} else {
			decoded = append(decoded, register.DecodeCoils(win, bits, chs)...)
		}
	}
	for _, i := range decoded {
		chs[i].EvaluateAlarms()
	}
	return errors.Join(errs...)
}

func (w *Worker) publish() { w.box.Read.Put(w.dev.Clone()) }
