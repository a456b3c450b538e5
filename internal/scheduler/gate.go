// Package scheduler drives periodic probes and guards the probe/login phases.
package scheduler

import "sync"

// Phase is the engine's current activity.
type Phase string

const (
	// PhaseIdle means no probe or login is running.
	PhaseIdle Phase = "idle"
	// PhaseProbing means a connectivity probe is in flight.
	PhaseProbing Phase = "probing"
	// PhaseLoggingIn means a portal login is in flight.
	PhaseLoggingIn Phase = "logging_in"
)

// validTransitions defines the allowed phase transitions.
var validTransitions = map[Phase][]Phase{
	PhaseIdle: {
		PhaseProbing,
		PhaseLoggingIn, // manual login skips detection
	},
	PhaseProbing: {
		PhaseLoggingIn,
		PhaseIdle,
	},
	PhaseLoggingIn: {
		PhaseIdle,
	},
}

// IsValidTransition checks if moving from one phase to another is allowed.
func IsValidTransition(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Ticket identifies one pass through the gate. A ticket becomes stale when
// the gate is released or reset, after which every call made with it is ignored.
type Ticket struct {
	Generation uint64
}

// Gate admits at most one probe or login at a time.
type Gate struct {
	mu    sync.Mutex
	phase Phase
	gen   uint64
}

// NewGate creates an idle gate.
func NewGate() *Gate {
	return &Gate{phase: PhaseIdle}
}

// Phase returns the current phase.
func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// TryEnter moves an idle gate into phase. It returns false without any
// side effect if the gate is busy.
func (g *Gate) TryEnter(phase Phase) (Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseIdle || !IsValidTransition(PhaseIdle, phase) {
		return Ticket{}, false
	}
	g.gen++
	g.phase = phase
	return Ticket{Generation: g.gen}, true
}

// Advance moves the holder of t to phase. Stale tickets and invalid
// transitions are rejected.
func (g *Gate) Advance(t Ticket, phase Phase) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.Generation != g.gen || g.phase == PhaseIdle {
		return false
	}
	if !IsValidTransition(g.phase, phase) {
		return false
	}
	g.phase = phase
	return true
}

// Release returns the gate to idle if t is still current.
func (g *Gate) Release(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.Generation != g.gen || g.phase == PhaseIdle {
		return false
	}
	g.phase = PhaseIdle
	return true
}

// Valid reports whether t still holds the gate.
func (g *Gate) Valid(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.Generation == g.gen && g.phase != PhaseIdle
}

// Reset forces the gate idle and invalidates every outstanding ticket.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.phase = PhaseIdle
}
