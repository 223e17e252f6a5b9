package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

// Manager owns the set of backend Connections: add/remove/start/stop/restart
// plus change notification for the CapabilityIndex and VirtualEndpoint to
// subscribe to (spec.md §4.3).
//
// Grounded on the teacher's internal/aggregator/manager.go registration
// bookkeeping, generalized from muster's fixed ServiceClass-backed registry
// to a plain add/remove map driven by backend config.
type Manager struct {
	selfAddr string

	mu          sync.RWMutex
	connections map[string]*Connection
	sink        hub.EventSink
	clock       hub.Clock
	random      hub.Random

	listenersMu sync.Mutex
	listeners   []func()
}

// New constructs a Manager. selfAddr is the hub's own listen address, used
// to detect backend configs that self-reference the hub (spec.md §4.3, §9).
func New(selfAddr string, sink hub.EventSink, clock hub.Clock, random hub.Random) *Manager {
	return &Manager{
		selfAddr:    selfAddr,
		connections: make(map[string]*Connection),
		sink:        sink,
		clock:       clock,
		random:      random,
	}
}

// OnChanged registers a listener invoked after any add/remove/state change
// that a connected backend's capability set might be affected by.
func (m *Manager) OnChanged(fn func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify() {
	m.listenersMu.Lock()
	listeners := append([]func(){}, m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (m *Manager) isSelfReference(cfg hub.BackendConfig) bool {
	return m.selfAddr != "" && cfg.URL != "" && cfg.URL == m.selfAddr
}

// Add registers a new backend and begins connecting it (unless disabled).
// Re-adding an existing name replaces the prior connection after stopping it.
func (m *Manager) Add(ctx context.Context, cfg hub.BackendConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("backend config missing name")
	}

	m.mu.Lock()
	if existing, ok := m.connections[cfg.Name]; ok {
		m.mu.Unlock()
		existing.Stop()
		m.mu.Lock()
	}

	conn := New(cfg, m.sink, m.clock, m.random, m.isSelfReference(cfg))
	m.connections[cfg.Name] = conn
	m.mu.Unlock()

	if !cfg.Disabled && conn.FailureReason() != hub.FailureSelfReference {
		conn.Start(ctx)
	}
	m.notify()
	return nil
}

// Remove stops and forgets the named backend.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if ok {
		delete(m.connections, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Stop()
	m.notify()
}

// Restart stops and re-starts the named backend's connection loop, resetting
// its backoff state.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	conn.Stop()
	conn.Start(ctx)
	m.notify()
	return nil
}

// Get returns the named Connection, or false if unknown.
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[name]
	return c, ok
}

// List returns a snapshot of all registered connections.
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

// StartAll starts every non-disabled, non-self-referencing connection. Used
// at hub bootstrap after the backend config file has been fully loaded.
func (m *Manager) StartAll(ctx context.Context) {
	for _, c := range m.List() {
		if c.State() == hub.StateDisabled || c.FailureReason() == hub.FailureSelfReference {
			continue
		}
		c.Start(ctx)
	}
}

// StopAll stops every connection, used on hub shutdown.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, c := range m.List() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
	logging.Info("connection", "all backend connections stopped")
}
