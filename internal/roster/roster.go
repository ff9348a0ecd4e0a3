package roster

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/convoq-io/convoq/pkg/protocol"
)

var (
	// ErrAgentNotFound is returned when the agent ID is unknown.
	ErrAgentNotFound = errors.New("roster: agent not found")
	// ErrAtCapacity is returned by IncrementWorkload when the agent is full.
	ErrAtCapacity = errors.New("roster: agent at capacity")
)

// Roster is the agent directory. It is the only holder of agent state; all
// mutation goes through its entry points, and workload counters are reserved
// for the assignment coordinator.
type Roster struct {
	mu       sync.RWMutex
	agents   map[string]*protocol.Agent
	degraded bool
	logger   *slog.Logger
}

// New creates an empty roster.
func New(logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		agents: make(map[string]*protocol.Agent),
		logger: logger,
	}
}

// Upsert adds or replaces an agent. Workload is preserved across updates so
// a presence refresh cannot reset the counter.
func (r *Roster) Upsert(a protocol.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[a.ID]; ok {
		a.CurrentWorkload = existing.CurrentWorkload
		a.LastAssignedAt = existing.LastAssignedAt
	}
	r.agents[a.ID] = &a
	r.logger.Info("agent upserted", "agent", a.ID, "status", a.Status)
}

// Remove deletes an agent from the roster.
func (r *Roster) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(r.agents, agentID)
	r.logger.Info("agent removed", "agent", agentID)
	return nil
}

// Get returns a copy of the agent.
func (r *Roster) Get(agentID string) (protocol.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return protocol.Agent{}, false
	}
	return *a, true
}

// SetStatus updates an agent's presence status.
func (r *Roster) SetStatus(agentID string, status protocol.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.Status = status
	r.logger.Info("agent status changed", "agent", agentID, "status", status)
	return nil
}

// IncrementWorkload reserves one workload slot. It re-validates the cap under
// the roster lock, so a stale match can never push an agent over capacity.
func (r *Roster) IncrementWorkload(agentID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.CurrentWorkload >= a.MaxWorkload {
		return fmt.Errorf("%w: %s (%d/%d)", ErrAtCapacity, agentID, a.CurrentWorkload, a.MaxWorkload)
	}
	a.CurrentWorkload++
	a.LastAssignedAt = now
	return nil
}

// DecrementWorkload releases one workload slot. The counter never goes below
// zero; an underflow is logged and clamped, not propagated.
func (r *Roster) DecrementWorkload(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.CurrentWorkload == 0 {
		r.logger.Warn("workload decrement below zero, clamping", "agent", agentID)
		return nil
	}
	a.CurrentWorkload--
	return nil
}

// SetDegraded marks the roster as degraded when the agent-presence
// collaborator is unreachable. A degraded roster reports zero available
// agents, so every new conversation fails open into the queue.
func (r *Roster) SetDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if degraded != r.degraded {
		if degraded {
			r.logger.Warn("roster degraded, treating all agents as unavailable")
		} else {
			r.logger.Info("roster recovered from degraded mode")
		}
	}
	r.degraded = degraded
}

// Degraded reports whether the roster is in degraded mode.
func (r *Roster) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Snapshot returns copies of all agents, sorted by ID for determinism.
// A degraded roster returns no agents.
func (r *Roster) Snapshot() []protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.degraded {
		return nil
	}
	agents := make([]protocol.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, *a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// AvailableCount returns the number of agents able to take work right now.
func (r *Roster) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.degraded {
		return 0
	}
	n := 0
	for _, a := range r.agents {
		if a.Status == protocol.AgentAvailable && a.HasCapacity() {
			n++
		}
	}
	return n
}

// RecomputeWorkloads rewrites every workload counter from the authoritative
// set of active assignments (agent ID → assigned conversation count) and
// returns the IDs of agents whose counter had drifted.
func (r *Roster) RecomputeWorkloads(assignments map[string]int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var repaired []string
	for id, a := range r.agents {
		actual := assignments[id]
		if a.CurrentWorkload != actual {
			r.logger.Warn("workload drift repaired",
				"agent", id, "counter", a.CurrentWorkload, "actual", actual)
			a.CurrentWorkload = actual
			repaired = append(repaired, id)
		}
	}
	sort.Strings(repaired)
	return repaired
}
