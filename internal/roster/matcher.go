package roster

import (
	"errors"
	"sort"

	"github.com/convoq-io/convoq/pkg/protocol"
)

// ErrNoAgentAvailable is returned when no agent satisfies the requirements.
var ErrNoAgentAvailable = errors.New("roster: no agent available")

// Match selects the best agent for the requirements from a roster snapshot.
// It is a pure function: it never mutates state, so the caller must commit
// the selection through the assignment coordinator, which re-validates
// capacity at commit time.
//
// Selection order:
//  1. The preferred agent, if eligible (continuity preference).
//  2. Among eligible agents: highest performance score, then lowest current
//     workload, then longest idle.
func Match(agents []protocol.Agent, req protocol.AgentRequirements) (protocol.Agent, error) {
	if req.PreferredAgentID != "" {
		for _, a := range agents {
			if a.ID == req.PreferredAgentID && eligible(a, req) {
				return a, nil
			}
		}
	}

	var candidates []protocol.Agent
	for _, a := range agents {
		if eligible(a, req) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return protocol.Agent{}, ErrNoAgentAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PerformanceScore != b.PerformanceScore {
			return a.PerformanceScore > b.PerformanceScore
		}
		if a.CurrentWorkload != b.CurrentWorkload {
			return a.CurrentWorkload < b.CurrentWorkload
		}
		// Longest idle: zero LastAssignedAt sorts first.
		return a.LastAssignedAt.Before(b.LastAssignedAt)
	})
	return candidates[0], nil
}

func eligible(a protocol.Agent, req protocol.AgentRequirements) bool {
	return a.Status == protocol.AgentAvailable &&
		a.HasCapacity() &&
		a.CanHandle(req.Skills, req.Language)
}
