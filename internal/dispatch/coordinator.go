package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convoq-io/convoq/internal/convstore"
	"github.com/convoq-io/convoq/internal/event"
	"github.com/convoq-io/convoq/internal/queue"
	"github.com/convoq-io/convoq/internal/roster"
	"github.com/convoq-io/convoq/pkg/protocol"
)

// Coordinator owns every conversation state transition. It keeps the store,
// the queue, and the roster workload counters consistent: an agent is
// associated with at most one assignment per conversation, a workload slot
// is taken before the assignment is persisted, and a queue entry never
// outlives its conversation's queued state.
type Coordinator struct {
	store  convstore.Store
	roster *roster.Roster
	queue  *queue.Queue
	events event.Publisher
	logger *slog.Logger
	locks  *convLocks
	now    func() time.Time
}

// NewCoordinator creates a Coordinator. events may be nil.
func NewCoordinator(store convstore.Store, r *roster.Roster, q *queue.Queue, events event.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = event.Nop{}
	}
	return &Coordinator{
		store:  store,
		roster: r,
		queue:  q,
		events: events,
		logger: logger,
		locks:  newConvLocks(),
		now:    time.Now,
	}
}

// Assign atomically transitions the conversation to Assigned and takes a
// workload slot on the agent. The agent's capacity is re-validated under the
// roster lock at commit time, so a match made against a stale snapshot fails
// here with roster.ErrAtCapacity instead of overloading the agent.
func (co *Coordinator) Assign(ctx context.Context, conversationID, agentID, cause string) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	return co.assignLocked(ctx, c, agentID, cause)
}

func (co *Coordinator) assignLocked(ctx context.Context, c *protocol.Conversation, agentID, cause string) error {
	// A brand-new conversation has no state yet and may be assigned directly.
	if c.State != "" && !c.State.Assignable() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyAssigned, c.ID, c.State)
	}

	now := co.now()
	if err := co.roster.IncrementWorkload(agentID, now); err != nil {
		return err
	}

	prior := c.State
	c.State = protocol.StateAssigned
	c.AssignedAgentID = agentID
	c.AssignedAt = &now
	c.GreetedAt = nil
	c.LastActivityAt = now

	if err := co.store.Save(c); err != nil {
		// Roll back the reserved slot so the counter stays consistent
		// with the persisted assignment set.
		co.roster.DecrementWorkload(agentID)
		c.State = prior
		c.AssignedAgentID = ""
		c.AssignedAt = nil
		return fmt.Errorf("dispatch: assign %s: %w", c.ID, err)
	}

	co.queue.Remove(c.ID)
	co.audit(ctx, c.ID, prior, protocol.StateAssigned, cause, agentID)
	co.logger.Info("conversation assigned", "conversation", c.ID, "agent", agentID, "cause", cause)
	return nil
}

// Release ends an assignment. With resolved=true the conversation moves to
// Resolved; otherwise (agent disconnect, SLA action) it returns to the queue
// with its current urgency.
func (co *Coordinator) Release(ctx context.Context, conversationID string, resolved bool, cause, actor string) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	return co.releaseLocked(ctx, c, resolved, cause, actor)
}

func (co *Coordinator) releaseLocked(ctx context.Context, c *protocol.Conversation, resolved bool, cause, actor string) error {
	if c.State != protocol.StateAssigned {
		return fmt.Errorf("%w: release from %s", ErrInvalidTransition, c.State)
	}

	agentID := c.AssignedAgentID
	now := co.now()
	to := protocol.StateQueued
	if resolved {
		to = protocol.StateResolved
	}

	c.State = to
	c.AssignedAgentID = ""
	c.AssignedAt = nil
	c.LastActivityAt = now
	if resolved {
		c.ResolvedAt = &now
	} else {
		c.EnqueuedAt = &now
	}

	if err := co.store.Save(c); err != nil {
		c.State = protocol.StateAssigned
		c.AssignedAgentID = agentID
		return fmt.Errorf("dispatch: release %s: %w", c.ID, err)
	}

	if err := co.roster.DecrementWorkload(agentID); err != nil {
		co.logger.Warn("workload decrement failed", "agent", agentID, "error", err)
	}
	if !resolved {
		if err := co.queue.Enqueue(queue.Entry{
			ConversationID: c.ID,
			UrgencyScore:   c.UrgencyScore,
			EnqueuedAt:     now,
		}); err != nil {
			co.logger.Error("re-enqueue after release failed", "conversation", c.ID, "error", err)
		}
	}

	co.audit(ctx, c.ID, protocol.StateAssigned, to, cause, actor)
	co.logger.Info("conversation released", "conversation", c.ID, "agent", agentID, "resolved", resolved, "cause", cause)
	return nil
}

// Escalate forces the conversation onto the human path. Escalation is
// one-way: once set, the conversation can only leave through an agent.
// Escalating an already assigned conversation is a no-op (it is already
// with a human). boost raises the urgency score, clamped to 10.
func (co *Coordinator) Escalate(ctx context.Context, conversationID, cause string, boost int) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	return co.escalateLocked(ctx, c, cause, boost)
}

func (co *Coordinator) escalateLocked(ctx context.Context, c *protocol.Conversation, cause string, boost int) error {
	switch c.State {
	case protocol.StateAssigned:
		return nil
	case protocol.StateEscalated:
		// Already escalated; a boost still reorders the queue.
		if boost > 0 {
			c.UrgencyScore = min(10, c.UrgencyScore+boost)
			if err := co.store.Save(c); err != nil {
				return fmt.Errorf("dispatch: escalate %s: %w", c.ID, err)
			}
			co.queue.Reprioritize(c.ID, c.UrgencyScore)
		}
		return nil
	}
	if !CanTransition(c.State, protocol.StateEscalated) {
		return fmt.Errorf("%w: escalate from %s", ErrInvalidTransition, c.State)
	}

	now := co.now()
	prior := c.State
	c.State = protocol.StateEscalated
	c.Escalated = true
	c.UrgencyScore = min(10, c.UrgencyScore+boost)
	c.LastActivityAt = now
	if c.EnqueuedAt == nil {
		c.EnqueuedAt = &now
	}

	if err := co.store.Save(c); err != nil {
		c.State = prior
		return fmt.Errorf("dispatch: escalate %s: %w", c.ID, err)
	}

	// An escalated conversation must never be lost: guarantee a live
	// queue entry so the matcher keeps seeing it.
	if co.queue.Contains(c.ID) {
		co.queue.Reprioritize(c.ID, c.UrgencyScore)
	} else if err := co.queue.Enqueue(queue.Entry{
		ConversationID: c.ID,
		UrgencyScore:   c.UrgencyScore,
		EnqueuedAt:     *c.EnqueuedAt,
	}); err != nil {
		co.logger.Error("enqueue on escalation failed", "conversation", c.ID, "error", err)
	}

	co.audit(ctx, c.ID, prior, protocol.StateEscalated, cause, "")
	co.logger.Info("conversation escalated", "conversation", c.ID, "cause", cause, "score", c.UrgencyScore)
	return nil
}

// Reprioritize persists a new urgency score and repositions any live queue
// entry. The score has to reach the store first: a rebuilt queue only knows
// what the store knows.
func (co *Coordinator) Reprioritize(conversationID string, score int) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	score = max(1, min(10, score))
	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	if c.UrgencyScore == score {
		return nil
	}
	c.UrgencyScore = score
	if err := co.store.Save(c); err != nil {
		return fmt.Errorf("dispatch: reprioritize %s: %w", conversationID, err)
	}
	co.queue.Reprioritize(conversationID, score)
	return nil
}

// Resolve closes a conversation that is not currently assigned (automation
// resolution, customer abandonment). Any live queue entry is removed so no
// partial assignment is left dangling.
func (co *Coordinator) Resolve(ctx context.Context, conversationID, cause, actor string) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}

	if c.State == protocol.StateAssigned {
		return co.releaseLocked(ctx, c, true, cause, actor)
	}
	if !CanTransition(c.State, protocol.StateResolved) {
		return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, c.State)
	}

	now := co.now()
	prior := c.State
	c.State = protocol.StateResolved
	c.ResolvedAt = &now
	c.LastActivityAt = now

	if err := co.store.Save(c); err != nil {
		c.State = prior
		return fmt.Errorf("dispatch: resolve %s: %w", c.ID, err)
	}
	co.queue.Remove(c.ID)
	co.audit(ctx, c.ID, prior, protocol.StateResolved, cause, actor)
	return nil
}

// Archive moves a resolved conversation to Archived, handing ownership back
// to the context store.
func (co *Coordinator) Archive(ctx context.Context, conversationID, cause string) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	if !CanTransition(c.State, protocol.StateArchived) {
		return fmt.Errorf("%w: archive from %s", ErrInvalidTransition, c.State)
	}

	prior := c.State
	c.State = protocol.StateArchived
	if err := co.store.Save(c); err != nil {
		c.State = prior
		return fmt.Errorf("dispatch: archive %s: %w", c.ID, err)
	}
	co.audit(ctx, c.ID, prior, protocol.StateArchived, cause, "")
	return nil
}

// MarkGreeted records the agent's first response, satisfying the greeting
// SLA. A non-empty agentID must match the assigned agent: one agent cannot
// satisfy another's greeting window.
func (co *Coordinator) MarkGreeted(ctx context.Context, conversationID, agentID string) error {
	co.locks.lock(conversationID)
	defer co.locks.unlock(conversationID)

	c, err := co.store.Get(conversationID)
	if err != nil {
		return err
	}
	if c.State != protocol.StateAssigned {
		return fmt.Errorf("%w: greet in %s", ErrInvalidTransition, c.State)
	}
	if agentID != "" && agentID != c.AssignedAgentID {
		return fmt.Errorf("%w: greeting from %s but %s is assigned to %s",
			ErrInvalidTransition, agentID, c.ID, c.AssignedAgentID)
	}
	if c.GreetedAt != nil {
		return nil
	}
	now := co.now()
	c.GreetedAt = &now
	c.LastActivityAt = now
	if err := co.store.Save(c); err != nil {
		c.GreetedAt = nil
		return fmt.Errorf("dispatch: greet %s: %w", c.ID, err)
	}
	return nil
}

// audit persists the transition and publishes the matching event. Audit
// failures are logged, never propagated: the state change has already
// committed and must not be rolled back for observability.
func (co *Coordinator) audit(ctx context.Context, conversationID string, from, to protocol.State, cause, actor string) {
	now := co.now()
	tr := protocol.Transition{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Cause:          cause,
		Actor:          actor,
		Timestamp:      now,
	}
	if err := co.store.RecordTransition(tr); err != nil {
		co.logger.Error("transition audit failed", "conversation", conversationID, "error", err)
	}

	ev := protocol.Event{
		ID:             uuid.NewString(),
		Type:           eventTypeFor(to),
		ConversationID: conversationID,
		PriorState:     from,
		NewState:       to,
		AgentID:        actor,
		Cause:          cause,
		Timestamp:      now,
	}
	if err := co.events.Publish(ctx, ev); err != nil {
		co.logger.Warn("event publish failed", "conversation", conversationID, "type", ev.Type, "error", err)
	}
}
