package dispatch

import (
	"errors"
	"slices"

	"github.com/convoq-io/convoq/pkg/protocol"
)

var (
	// ErrAlreadyAssigned is returned when Assign is called for a
	// conversation that is not in an assignable state. It guards against
	// duplicate dispatch events for the same conversation.
	ErrAlreadyAssigned = errors.New("dispatch: conversation not assignable")
	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("dispatch: invalid transition")
	// ErrConversationClosed is returned when a signal arrives for a
	// resolved or archived conversation.
	ErrConversationClosed = errors.New("dispatch: conversation closed")
)

// allowedTransitions is the conversation lifecycle. Note the deliberate
// absence of any edge out of Escalated except to Assigned: an escalated
// conversation can never fall back to automation.
var allowedTransitions = map[protocol.State][]protocol.State{
	protocol.StateAutomated: {protocol.StateQueued, protocol.StateAssigned, protocol.StateEscalated, protocol.StateResolved},
	protocol.StateQueued:    {protocol.StateAssigned, protocol.StateEscalated, protocol.StateResolved},
	protocol.StateEscalated: {protocol.StateAssigned},
	protocol.StateAssigned:  {protocol.StateResolved, protocol.StateQueued},
	protocol.StateResolved:  {protocol.StateArchived},
	protocol.StateArchived:  nil,
}

// CanTransition reports whether the lifecycle permits from → to. The empty
// state (a brand new conversation) may enter any initial active state.
func CanTransition(from, to protocol.State) bool {
	if from == "" {
		return to.Active()
	}
	return slices.Contains(allowedTransitions[from], to)
}

// eventTypeFor classifies a transition for publishing.
func eventTypeFor(to protocol.State) protocol.EventType {
	switch to {
	case protocol.StateAssigned:
		return protocol.EventAssignment
	case protocol.StateEscalated:
		return protocol.EventEscalation
	case protocol.StateResolved:
		return protocol.EventResolution
	}
	return protocol.EventTransition
}
