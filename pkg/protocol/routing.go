package protocol

import "time"

// Decision is the outcome kind of a routing pass.
type Decision string

const (
	DecisionAutomate    Decision = "automate"
	DecisionAssignAgent Decision = "assign_agent"
	DecisionQueue       Decision = "queue"
)

// RoutingDecision is returned to collaborators after a conversation is routed.
type RoutingDecision struct {
	ConversationID    string        `json:"conversation_id"`
	Decision          Decision      `json:"decision"`
	AgentID           string        `json:"agent_id,omitempty"`
	EstimatedWaitTime time.Duration `json:"estimated_wait_time,omitempty"`
	UrgencyScore      int           `json:"urgency_score"`
	Reasoning         string        `json:"reasoning"`
}

// QueueStatus summarizes the priority queue for collaborators.
type QueueStatus struct {
	TotalQueued     int           `json:"total_queued"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
	QueuedByUrgency map[int]int   `json:"queued_by_urgency"`
}

// EventType identifies a routing core event.
type EventType string

const (
	EventTransition  EventType = "transition"
	EventAssignment  EventType = "assignment"
	EventEscalation  EventType = "escalation"
	EventResolution  EventType = "resolution"
	EventSLABreach   EventType = "sla_breach"
	EventQueueRepair EventType = "queue_repair"
)

// Event is published to the analytics and webhook collaborators on every
// state change the core makes.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	PriorState     State     `json:"prior_state,omitempty"`
	NewState       State     `json:"new_state,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Cause          string    `json:"cause"`
	Timestamp      time.Time `json:"timestamp"`
}
