// Package servermgr runs one simulated Modbus TCP device per configured
// TCP endpoint.
package servermgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"modbus-relay/internal/model"
	"modbus-relay/internal/modbus"
)

// Manager owns the simulators started from a device list.
type Manager struct {
	Devices []model.Device
	// ListenRetries is how many extra listen attempts a busy port gets.
	ListenRetries int
	// Ready, when set, is called once every simulator that could listen is up.
	Ready func()

	mu      sync.Mutex
	servers map[int]*modbus.Server
}

func NewManager(devices []model.Device) *Manager {
	return &Manager{Devices: devices, servers: make(map[int]*modbus.Server)}
}

// Server returns the simulator for a device id while the manager runs.
func (m *Manager) Server(id int) (*modbus.Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	return s, ok
}

// Run starts every TCP simulator and blocks until ctx is canceled.
// Serial devices are skipped.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var started sync.WaitGroup
	sem := make(chan struct{}, 16) // cap concurrent starts

	for _, dev := range m.Devices {
		if dev.Endpoint.Kind() != model.EndpointTCP {
			log.Printf("simulator %d (%s): %s endpoint not simulated (skipping)", dev.ID, dev.Name, dev.Endpoint.Kind())
			continue
		}
		wg.Add(1)
		started.Add(1)
		go func(d model.Device) {
			defer wg.Done()
			server, ok := m.start(ctx, sem, d)
			started.Done()
			if !ok {
				return
			}
			<-ctx.Done()
			server.Close()
			m.mu.Lock()
			delete(m.servers, d.ID)
			m.mu.Unlock()
			log.Printf("simulator %d (%s) stopped", d.ID, d.Name)
		}(dev)
	}

	if m.Ready != nil {
		go func() {
			started.Wait()
			m.Ready()
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (m *Manager) start(ctx context.Context, sem chan struct{}, d model.Device) (*modbus.Server, bool) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, false
	}

	addr := d.Endpoint.TCP.HostPort()
	retry := m.ListenRetries
	if retry < 0 {
		retry = 0
	}
	var server *modbus.Server
	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		server = modbus.NewServer()
		if err = server.Listen(addr); err == nil {
			break
		}
		if attempt == retry {
			log.Printf("simulator %d (%s): listen %s failed: %v", d.ID, d.Name, addr, err)
			return nil, false
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, false
		}
	}
	if err := modbus.Seed(server, d); err != nil {
		log.Printf("simulator %d (%s): seed: %v", d.ID, d.Name, err)
	}

	m.mu.Lock()
	m.servers[d.ID] = server
	m.mu.Unlock()
	log.Printf("simulator %d (%s) listening on %s", d.ID, d.Name, server.Addr())
	return server, true
}

// Describe lists the simulated endpoints, one per line.
func Describe(devices []model.Device) string {
	var out string
	for _, d := range devices {
		if d.Endpoint.Kind() == model.EndpointTCP {
			out += fmt.Sprintf("%d\t%s\t%s\n", d.ID, d.Name, d.Endpoint)
		}
	}
	return out
}
