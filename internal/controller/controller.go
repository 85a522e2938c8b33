// Package controller runs one worker per device and aggregates their
// snapshots. It is the only writer of worker mailboxes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"modbus-relay/internal/mailbox"
	"modbus-relay/internal/model"
	"modbus-relay/internal/worker"
)

var ErrUnknownDevice = errors.New("unknown device")

// Option configures a Controller.
type Option func(*Controller)

// WithWorkerOptions is applied to every worker the controller starts.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(c *Controller) { c.workerOpts = append(c.workerOpts, opts...) }
}

// WithGracePeriod bounds how long Run waits for workers after ctx is done.
func WithGracePeriod(d time.Duration) Option { return func(c *Controller) { c.grace = d } }

type Controller struct {
	mu      sync.Mutex
	order   []int
	devices map[int]model.Device
	boxes   map[int]*mailbox.Mailbox
	calcs   map[int]model.Calculation

	workerOpts []worker.Option
	grace      time.Duration
}

// New validates devices and prepares a mailbox for each.
func New(devices []model.Device, opts ...Option) (*Controller, error) {
	c := &Controller{
		devices: make(map[int]model.Device, len(devices)),
		boxes:   make(map[int]*mailbox.Mailbox, len(devices)),
		calcs:   make(map[int]model.Calculation),
		grace:   5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	for _, d := range devices {
		d = d.Clone()
		d.Normalize()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.devices[d.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %d", d.ID)
		}
		c.order = append(c.order, d.ID)
		c.devices[d.ID] = d
		c.boxes[d.ID] = mailbox.New()
	}
	return c, nil
}

// Run starts the workers and blocks until ctx is done and they have exited
// or the grace period has passed.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	workers := make([]*worker.Worker, 0, len(c.order))
	for _, id := range c.order {
		workers = append(workers, worker.New(c.devices[id], c.boxes[id], c.workerOpts...))
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	log.Printf("controller: started %d workers", len(workers))

	<-ctx.Done()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(c.grace):
		log.Printf("controller: timeout waiting for workers to stop")
	}
	return nil
}

// Snapshot takes the newest published state of every device. Devices that
// have published nothing since the last call keep their previous state.
func (c *Controller) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := model.Snapshot{Devices: make([]model.Device, 0, len(c.order))}
	for _, id := range c.order {
		if d, ok := c.boxes[id].Read.TryTake(); ok {
			c.devices[id] = d
		}
		snap.Devices = append(snap.Devices, c.devices[id].Clone())
	}
	snap.Calculations = c.calculationsLocked()
	return snap
}

// Devices returns the last known state of every device without draining.
func (c *Controller) Devices() []model.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Device, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.devices[id].Clone())
	}
	return out
}

// Write queues req for the owning worker. Access mode is enforced by the worker.
func (c *Controller) Write(req model.WriteRequest) error {
	box, err := c.box(req.DeviceID)
	if err != nil {
		return err
	}
	box.Control.Push(mailbox.WriteChannel(req))
	return nil
}

// Reconnect asks device id to reopen its session against ep.
func (c *Controller) Reconnect(id int, ep model.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.boxes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	d := c.devices[id]
	d.Endpoint = ep.Clone()
	c.devices[id] = d
	box.Control.Push(mailbox.Reconnect(ep))
	return nil
}

// UpdateDevice replaces a device's configuration. It takes effect at the
// worker's next cycle; a changed endpoint reopens the session.
func (c *Controller) UpdateDevice(dev model.Device) error {
	dev = dev.Clone()
	dev.Normalize()
	if err := dev.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.boxes[dev.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, dev.ID)
	}
	c.devices[dev.ID] = dev
	box.Update.Put(dev)
	return nil
}

// SetCalculation stores a computed value exposed under the EVAL namespace.
func (c *Controller) SetCalculation(calc model.Calculation) {
	c.mu.Lock()
	c.calcs[calc.ID] = calc
	c.mu.Unlock()
}

func (c *Controller) calculationsLocked() []model.Calculation {
	if len(c.calcs) == 0 {
		return nil
	}
	out := make([]model.Calculation, 0, len(c.calcs))
	for _, calc := range c.calcs {
		out = append(out, calc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) box(id int) (*mailbox.Mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	return box, nil
}
