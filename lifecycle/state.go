package lifecycle

import (
	"sync"
	"time"
)

// State is the runtime state of one server process.
type State struct {
	Name      string
	Status    string // "stopped" | "starting" | "running" | "stopping" | "failed"
	PID       *int
	StartedAt *time.Time
	LastError string
}

// UptimeSeconds returns how long the server has been up, or 0.
func (s *State) UptimeSeconds() int64 {
	if s.StartedAt == nil || s.Status != "running" {
		return 0
	}
	return int64(time.Since(*s.StartedAt).Seconds())
}

// TransitionListener observes every state change.
type TransitionListener func(name, from, to string)

// stateManager tracks per-server state and fans transitions out to
// listeners (RCON pool eviction, event broadcast).
type stateManager struct {
	mu        sync.RWMutex
	servers   map[string]*State
	listeners []TransitionListener
}

func newStateManager() *stateManager {
	return &stateManager{servers: make(map[string]*State)}
}

func (m *stateManager) onTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// get returns a copy of the server's state; unknown servers are stopped.
func (m *stateManager) get(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.servers[name]; ok {
		return *s
	}
	return State{Name: name, Status: "stopped"}
}

// transition moves a server between states if its current state is one of
// from. Returns the previous status and whether the move happened.
func (m *stateManager) transition(name, to string, from ...string) (string, bool) {
	m.mu.Lock()
	s, ok := m.servers[name]
	if !ok {
		s = &State{Name: name, Status: "stopped"}
		m.servers[name] = s
	}
	current := s.Status
	allowed := len(from) == 0
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return current, false
	}
	s.Status = to
	if to == "stopped" || to == "failed" {
		s.PID = nil
		s.StartedAt = nil
	}
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(name, current, to)
	}
	return current, true
}

// setRunning records the PID and start time alongside the running status.
func (m *stateManager) setRunning(name string, pid int) {
	now := time.Now().UTC()
	m.mu.Lock()
	if s, ok := m.servers[name]; ok {
		s.PID = &pid
		s.StartedAt = &now
	}
	m.mu.Unlock()
	m.transition(name, "running", "starting")
}

func (m *stateManager) setError(name, msg string) {
	m.mu.Lock()
	if s, ok := m.servers[name]; ok {
		s.LastError = msg
	}
	m.mu.Unlock()
}

func (m *stateManager) list() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, *s)
	}
	return out
}
