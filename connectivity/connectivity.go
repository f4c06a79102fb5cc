// Package connectivity reports whether the device is online and notifies
// subscribers on transitions. It reflects the platform's connectivity signal
// directly — no probing, no retries.
package connectivity

import (
	"log/slog"
	"sync"
)

// Oracle is the read side consumed by sync decisions.
type Oracle interface {
	Online() bool
}

// Listener receives the new state on every edge transition.
type Listener func(online bool)

// Monitor holds the current online state and fans out edge transitions. The
// embedding application feeds it the platform signal via Set.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int
	logger    *slog.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:    online,
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the platform's connectivity state. Listeners fire only on an
// actual edge, outside the lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition listener and returns an unsubscribe
// function.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
