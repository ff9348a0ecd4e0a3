package protocol

import "time"

// State represents the lifecycle state of a conversation.
type State string

const (
	StateAutomated State = "automated"
	StateQueued    State = "queued"
	StateAssigned  State = "assigned"
	StateEscalated State = "escalated"
	StateResolved  State = "resolved"
	StateArchived  State = "archived"
)

// Active reports whether the conversation still belongs to the routing core.
// Resolved and archived conversations are owned by the context store.
func (s State) Active() bool {
	switch s {
	case StateAutomated, StateQueued, StateAssigned, StateEscalated:
		return true
	}
	return false
}

// Assignable reports whether a conversation in this state may be handed
// to an agent.
func (s State) Assignable() bool {
	switch s {
	case StateAutomated, StateQueued, StateEscalated:
		return true
	}
	return false
}

// Conversation is a customer conversation tracked by the routing core.
type Conversation struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Channels           []string   `json:"channels"`
	State              State      `json:"state"`
	UrgencyScore       int        `json:"urgency_score"`
	ScoreLowConfidence bool       `json:"score_low_confidence,omitempty"`
	Escalated          bool       `json:"escalated"`
	AutomationAttempts int        `json:"automation_attempts"`
	LastSentiment      float64    `json:"last_sentiment,omitempty"`
	AssignedAgentID    string     `json:"assigned_agent_id,omitempty"`
	Topic              string     `json:"topic,omitempty"`
	RequiredSkills     []string   `json:"required_skills,omitempty"`
	Language           string     `json:"language,omitempty"`
	PreferredAgentID   string     `json:"preferred_agent_id,omitempty"`
	EnqueuedAt         *time.Time `json:"enqueued_at,omitempty"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	GreetedAt          *time.Time `json:"greeted_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
}

// Requirements rebuilds the matcher requirements captured at routing time,
// so a later dispatch out of the queue matches on the same skills, language,
// and continuity preference as the original signals asked for.
func (c *Conversation) Requirements() AgentRequirements {
	return AgentRequirements{
		Skills:           c.RequiredSkills,
		Language:         c.Language,
		Urgency:          c.UrgencyScore,
		PreferredAgentID: c.PreferredAgentID,
	}
}

// Transition records a single state change of a conversation, with cause.
type Transition struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           State     `json:"from"`
	To             State     `json:"to"`
	Cause          string    `json:"cause"`
	Actor          string    `json:"actor,omitempty"` // agent ID or "_system"
	Timestamp      time.Time `json:"timestamp"`
}
