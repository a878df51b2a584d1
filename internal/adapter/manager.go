package adapter

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/monitoring"
)

// Role tells the Manager which side of the domain an adapter sits on.
type Role int

const (
	RoleIncoming Role = iota
	RoleOutgoing
)

func (r Role) String() string {
	switch r {
	case RoleIncoming:
		return "incoming"
	case RoleOutgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// StartupError reports the adapter that prevented the Manager from starting.
// Every adapter started before it has been stopped again.
type StartupError struct {
	Adapter string
	Role    Role
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s adapter %q: %v", e.Role, e.Adapter, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

type entry struct {
	role    Role
	adapter Adapter
}

// Manager owns a set of adapters. Outgoing adapters start before incoming
// ones so that nothing is received before it can be published; Stop runs in
// the reverse order.
type Manager struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	entries []entry
	started []entry
	active  bool
}

// NewManager creates an empty Manager.
func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{log: monitoring.OrNop(log).Named("adapters")}
}

// Register adds an adapter. It fails once the Manager has been started.
func (m *Manager) Register(role Role, a Adapter) error {
	if a == nil {
		return errors.New("adapter manager: nil adapter")
	}
	if role != RoleIncoming && role != RoleOutgoing {
		return errors.Newf("adapter manager: unknown role %s", role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return errors.Newf("adapter manager: cannot register %q while running", a.Name())
	}
	m.entries = append(m.entries, entry{role: role, adapter: a})
	return nil
}

// Start starts every outgoing adapter, then every incoming adapter, each
// group in registration order. On the first failure the adapters already
// started are stopped in reverse order and a *StartupError is returned.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return errors.New("adapter manager: already running")
	}

	order := make([]entry, 0, len(m.entries))
	for _, want := range []Role{RoleOutgoing, RoleIncoming} {
		for _, e := range m.entries {
			if e.role == want {
				order = append(order, e)
			}
		}
	}

	m.started = m.started[:0]
	for _, e := range order {
		if err := e.adapter.Start(); err != nil {
			m.log.Errorw("adapter failed to start, rolling back",
				"adapter", e.adapter.Name(), "role", e.role.String(), "started", len(m.started), "error", err)
			m.stopStartedLocked()
			return &StartupError{Adapter: e.adapter.Name(), Role: e.role, Err: err}
		}
		m.started = append(m.started, e)
	}
	m.active = true
	m.log.Infow("adapters started", "count", len(m.started))
	return nil
}

// Stop stops the started adapters in reverse start order. It is safe to
// call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.stopStartedLocked()
	m.active = false
	m.log.Infow("adapters stopped")
}

func (m *Manager) stopStartedLocked() {
	for i := len(m.started) - 1; i >= 0; i-- {
		m.started[i].adapter.Stop()
	}
	m.started = m.started[:0]
}

// RunningCount returns how many registered adapters report IsRunning.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.adapter.IsRunning() {
			n++
		}
	}
	return n
}

// AdapterStatus describes one registered adapter.
type AdapterStatus struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Running bool   `json:"running"`
}

// Status lists the registered adapters in registration order.
func (m *Manager) Status() []AdapterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AdapterStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, AdapterStatus{Name: e.adapter.Name(), Role: e.role.String(), Running: e.adapter.IsRunning()})
	}
	return out
}
