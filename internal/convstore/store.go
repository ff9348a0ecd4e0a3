package convstore

import (
	"errors"

	"github.com/convoq-io/convoq/pkg/protocol"
)

// ErrNotFound is returned when a conversation ID is unknown.
var ErrNotFound = errors.New("convstore: conversation not found")

// Store is the persistence interface for conversations and their transition
// audit log. The store is the authoritative conversation-state set: the queue
// and the roster workload counters can both be rebuilt from it.
type Store interface {
	// Save creates or updates a conversation.
	Save(c *protocol.Conversation) error
	// Get retrieves a conversation by ID.
	Get(id string) (*protocol.Conversation, error)
	// List returns conversations matching the filter.
	List(filter Filter) ([]*protocol.Conversation, error)
	// ActiveAssignments returns assigned-conversation counts per agent.
	ActiveAssignments() (map[string]int, error)
	// RecordTransition appends a state change to the audit log.
	RecordTransition(tr protocol.Transition) error
	// Transitions returns a conversation's audit log, oldest first.
	Transitions(conversationID string) ([]protocol.Transition, error)
}

// Filter constrains conversation list queries.
type Filter struct {
	State      *protocol.State
	CustomerID string
	AgentID    string // matches assigned_agent_id
	Limit      int    // 0 = no limit
}
