package engine

import (
	"errors"
	"sync"
	"time"

	"insiderwatch/internal/config"
)

type GateState int

const (
	GateArmed GateState = iota
	GatePending
	GateSuppressed
)

func (s GateState) String() string {
	switch s {
	case GatePending:
		return "pending"
	case GateSuppressed:
		return "suppressed"
	}
	return "armed"
}

var ErrResetDisabled = errors.New("cooldown reset disabled by policy")

// Gate decides whether an employee may produce another alert. Employees are
// Armed until a dispatch is confirmed, then Suppressed until the reset
// policy re-arms them. Pending marks a dispatch in flight.
type Gate struct {
	mu         sync.Mutex
	policy     string
	ttl        time.Duration
	now        func() time.Time
	pending    map[string]struct{}
	suppressed map[string]time.Time
}

func NewGate(cfg config.CooldownConfig) *Gate {
	g := &Gate{
		now:        func() time.Time { return time.Now().UTC() },
		pending:    make(map[string]struct{}),
		suppressed: make(map[string]time.Time),
	}
	g.SetPolicy(cfg)
	return g
}

func (g *Gate) SetPolicy(cfg config.CooldownConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = cfg.Policy
	if g.policy == "" {
		g.policy = config.CooldownManual
	}
	g.ttl = cfg.TTL
}

func (g *Gate) State(employeeID string) GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(employeeID)
}

// Admit reports whether employeeID is Armed. It does not change state.
func (g *Gate) Admit(employeeID string) bool {
	return g.State(employeeID) == GateArmed
}

func (g *Gate) stateLocked(id string) GateState {
	if _, ok := g.pending[id]; ok {
		return GatePending
	}
	since, ok := g.suppressed[id]
	if !ok {
		return GateArmed
	}
	if g.policy == config.CooldownExpire && g.ttl > 0 && g.now().Sub(since) >= g.ttl {
		delete(g.suppressed, id)
		return GateArmed
	}
	return GateSuppressed
}

// claim moves an Armed employee to Pending. It returns the prior state and
// whether the caller now owns the dispatch.
func (g *Gate) claim(employeeID string) (GateState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(employeeID)
	if st != GateArmed {
		return st, false
	}
	g.pending[employeeID] = struct{}{}
	return st, true
}

func (g *Gate) suppress(employeeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, employeeID)
	g.suppressed[employeeID] = g.now()
}

func (g *Gate) release(employeeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, employeeID)
}

// Reset re-arms one employee. A dispatch in flight is left alone.
func (g *Gate) Reset(employeeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.policy == config.CooldownNever {
		return ErrResetDisabled
	}
	delete(g.suppressed, employeeID)
	return nil
}

func (g *Gate) ResetAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.policy == config.CooldownNever {
		return ErrResetDisabled
	}
	g.suppressed = make(map[string]time.Time)
	return nil
}

// Suppressed lists suppressed employees with the time each was suppressed.
func (g *Gate) Suppressed() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Time, len(g.suppressed))
	for id := range g.suppressed {
		if g.stateLocked(id) == GateSuppressed {
			out[id] = g.suppressed[id]
		}
	}
	return out
}

// clear re-arms everyone on a pipeline reset. Under the never policy
// suppression lasts for the process lifetime and survives the reset.
func (g *Gate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.policy == config.CooldownNever {
		return
	}
	g.suppressed = make(map[string]time.Time)
}
