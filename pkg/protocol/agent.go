package protocol

import (
	"slices"
	"time"
)

// AgentStatus is an agent's presence state.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

// Agent is a human agent known to the roster.
type Agent struct {
	ID               string      `json:"id"`
	Name             string      `json:"name,omitempty"`
	Skills           []string    `json:"skills"`
	Languages        []string    `json:"languages"`
	Status           AgentStatus `json:"status"`
	CurrentWorkload  int         `json:"current_workload"`
	MaxWorkload      int         `json:"max_workload"`
	PerformanceScore float64     `json:"performance_score"`
	LastAssignedAt   time.Time   `json:"last_assigned_at,omitempty"`
}

// HasCapacity reports whether the agent can take another conversation.
func (a Agent) HasCapacity() bool {
	return a.CurrentWorkload < a.MaxWorkload
}

// CanHandle reports whether the agent covers every required skill and
// speaks the required language. An empty language requirement matches
// any agent; an agent with no languages listed is assumed to handle any.
func (a Agent) CanHandle(skills []string, language string) bool {
	for _, sk := range skills {
		if !slices.Contains(a.Skills, sk) {
			return false
		}
	}
	if language == "" || len(a.Languages) == 0 {
		return true
	}
	return slices.Contains(a.Languages, language)
}

// AgentRequirements describes what the matcher should look for.
type AgentRequirements struct {
	Skills           []string `json:"skills,omitempty"`
	Language         string   `json:"language,omitempty"`
	Urgency          int      `json:"urgency"`
	PreferredAgentID string   `json:"preferred_agent_id,omitempty"`
}
