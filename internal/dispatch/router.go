package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/internal/convstore"
	"github.com/convoq-io/convoq/internal/queue"
	"github.com/convoq-io/convoq/internal/roster"
	"github.com/convoq-io/convoq/internal/scoring"
	"github.com/convoq-io/convoq/pkg/protocol"
)

const assignRetryInterval = 25 * time.Millisecond

// Router turns signal bundles into routing decisions. Every pass re-scores
// the conversation, evaluates the escalation triggers, and either hands the
// conversation to automation, commits an assignment through the coordinator,
// or parks it in the priority queue.
type Router struct {
	scorer *scoring.Scorer
	coord  *Coordinator
	policy config.Policy
	logger *slog.Logger
}

// NewRouter creates a Router on top of the coordinator.
func NewRouter(scorer *scoring.Scorer, coord *Coordinator, policy config.Policy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		scorer: scorer,
		coord:  coord,
		policy: policy,
		logger: logger,
	}
}

// Route processes a signal bundle for a new or active conversation. It is
// called on every contributing signal change — first contact, new message,
// sentiment movement — and the score is always recomputed, never reused.
func (r *Router) Route(ctx context.Context, bundle protocol.SignalBundle) (*protocol.RoutingDecision, error) {
	convID := bundle.Message.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	r.coord.locks.lock(convID)
	defer r.coord.locks.unlock(convID)

	now := r.coord.now()
	c, err := r.coord.store.Get(convID)
	isNew := false
	switch {
	case errors.Is(err, convstore.ErrNotFound):
		isNew = true
		c = &protocol.Conversation{
			ID:             convID,
			CustomerID:     bundle.Message.CustomerID,
			CreatedAt:      now,
			LastActivityAt: now,
		}
	case err != nil:
		return nil, err
	}
	if !isNew && !c.State.Active() {
		return nil, fmt.Errorf("%w: %s is %s", ErrConversationClosed, convID, c.State)
	}

	// Re-score from the fresh signals.
	res := r.scorer.Score(ctx, bundle, c.UrgencyScore)
	prevSentiment := c.LastSentiment
	sentimentDropped := !isNew && prevSentiment-bundle.Sentiment.Score > r.policy.SentimentDropEscalation

	c.UrgencyScore = res.Score
	c.ScoreLowConfidence = res.LowConfidence
	c.LastSentiment = bundle.Sentiment.Score
	c.LastActivityAt = now
	if bundle.Topic != "" {
		c.Topic = bundle.Topic
	}
	if ch := bundle.Message.Channel; ch != "" && !slices.Contains(c.Channels, ch) {
		c.Channels = append(c.Channels, ch)
	}
	// Capture the matcher requirements on the conversation so a later
	// dispatch out of the queue matches on the same constraints.
	if len(bundle.Skills) > 0 {
		c.RequiredSkills = bundle.Skills
	}
	if bundle.Profile.PreferredLanguage != "" {
		c.Language = bundle.Profile.PreferredLanguage
	}
	if bundle.Profile.PreferredAgentID != "" {
		c.PreferredAgentID = bundle.Profile.PreferredAgentID
	}

	escalateCause := r.escalationCause(c, bundle, sentimentDropped)

	decision := &protocol.RoutingDecision{
		ConversationID: convID,
		UrgencyScore:   res.Score,
	}
	req := c.Requirements()

	switch {
	case c.State == protocol.StateAssigned:
		// Already with a human: record the fresh signals, nothing to route.
		if err := r.coord.store.Save(c); err != nil {
			return nil, fmt.Errorf("dispatch: route %s: %w", convID, err)
		}
		decision.Decision = protocol.DecisionAssignAgent
		decision.AgentID = c.AssignedAgentID
		decision.Reasoning = join(res.Reasoning, "already assigned")
		return decision, nil

	case escalateCause != "" || c.Escalated:
		if err := r.coord.store.Save(c); err != nil {
			return nil, fmt.Errorf("dispatch: route %s: %w", convID, err)
		}
		if c.State != protocol.StateEscalated {
			cause := escalateCause
			if cause == "" {
				cause = "previously escalated"
			}
			if err := r.coord.escalateLocked(ctx, c, cause, 0); err != nil {
				return nil, err
			}
		} else {
			r.coord.queue.Reprioritize(c.ID, c.UrgencyScore)
		}
		if agentID, err := r.tryAssignLocked(ctx, c, req, "escalation"); err == nil {
			decision.Decision = protocol.DecisionAssignAgent
			decision.AgentID = agentID
			decision.Reasoning = join(res.Reasoning, escalateCause, "agent matched")
			return decision, nil
		}
		// escalateLocked guaranteed the queue entry; the conversation
		// waits on the forced human path.
		decision.Decision = protocol.DecisionQueue
		decision.EstimatedWaitTime = r.estimateWait(convID)
		decision.Reasoning = join(res.Reasoning, escalateCause, "no agent available")
		return decision, nil

	case r.automationEligible(c, bundle, res):
		prior := c.State
		c.State = protocol.StateAutomated
		c.AutomationAttempts++
		if err := r.coord.store.Save(c); err != nil {
			return nil, fmt.Errorf("dispatch: route %s: %w", convID, err)
		}
		if prior != protocol.StateAutomated {
			r.coord.audit(ctx, convID, prior, protocol.StateAutomated, "automation eligible", "")
		}
		decision.Decision = protocol.DecisionAutomate
		decision.Reasoning = join(res.Reasoning,
			fmt.Sprintf("intent confidence %.2f above threshold, urgency below ceiling", bundle.Intent.Confidence))
		return decision, nil

	default:
		// Human handling without forced escalation: try an immediate
		// assignment, fall back to the queue.
		if agentID, err := r.tryAssignLocked(ctx, c, req, "matched"); err == nil {
			decision.Decision = protocol.DecisionAssignAgent
			decision.AgentID = agentID
			decision.Reasoning = join(res.Reasoning, "agent matched")
			return decision, nil
		}
		if err := r.enqueueLocked(ctx, c, "no agent available"); err != nil {
			return nil, err
		}
		decision.Decision = protocol.DecisionQueue
		decision.EstimatedWaitTime = r.estimateWait(convID)
		decision.Reasoning = join(res.Reasoning, "queued for next available agent")
		return decision, nil
	}
}

// AutomationFailed records a failed automation attempt. At the attempt limit
// the conversation escalates to the human path.
func (r *Router) AutomationFailed(ctx context.Context, conversationID, cause string) error {
	r.coord.locks.lock(conversationID)
	defer r.coord.locks.unlock(conversationID)

	c, err := r.coord.store.Get(conversationID)
	if err != nil {
		return err
	}
	if c.State != protocol.StateAutomated {
		return fmt.Errorf("%w: automation failure in %s", ErrInvalidTransition, c.State)
	}

	c.AutomationAttempts++
	c.LastActivityAt = r.coord.now()
	if err := r.coord.store.Save(c); err != nil {
		return fmt.Errorf("dispatch: automation failed %s: %w", conversationID, err)
	}

	if c.AutomationAttempts >= r.policy.MaxAutomationAttempts {
		return r.coord.escalateLocked(ctx, c,
			fmt.Sprintf("automation failed %d times: %s", c.AutomationAttempts, cause), 0)
	}
	return nil
}

// Abandon handles a customer leaving: the queue entry is removed and the
// conversation is closed without stranding a partial assignment.
func (r *Router) Abandon(ctx context.Context, conversationID string) error {
	return r.coord.Resolve(ctx, conversationID, "customer abandoned", "")
}

// DispatchQueued pops queue entries and assigns them while agents are
// available. Called by the supervisor whenever capacity may have freed up.
// Entries that still cannot be placed are pushed back untouched.
func (r *Router) DispatchQueued(ctx context.Context, requirements func(c *protocol.Conversation) protocol.AgentRequirements) int {
	dispatched := 0
	for {
		entry, err := r.coord.queue.Peek()
		if err != nil {
			return dispatched
		}

		r.coord.locks.lock(entry.ConversationID)
		c, err := r.coord.store.Get(entry.ConversationID)
		if err != nil {
			r.coord.locks.unlock(entry.ConversationID)
			if errors.Is(err, convstore.ErrNotFound) {
				// Queue entry without a backing conversation: drop it.
				r.logger.Error("queued conversation missing from store",
					"conversation", entry.ConversationID, "error", err)
				r.coord.queue.Remove(entry.ConversationID)
				continue
			}
			// Transient store failure: leave the entry in place so the
			// conversation is retried on the next sweep.
			r.logger.Error("queued conversation read failed",
				"conversation", entry.ConversationID, "error", err)
			return dispatched
		}
		if !c.State.Assignable() {
			// The store is authoritative; an entry for a conversation
			// that already moved on is stale.
			r.coord.queue.Remove(entry.ConversationID)
			r.coord.locks.unlock(entry.ConversationID)
			continue
		}

		req := c.Requirements()
		if requirements != nil {
			req = requirements(c)
		}
		_, err = r.tryAssignLocked(ctx, c, req, "dispatched from queue")
		r.coord.locks.unlock(entry.ConversationID)
		if err != nil {
			return dispatched
		}
		dispatched++
	}
}

// tryAssignLocked matches and commits, retrying the bounded match-then-commit
// race: if the chosen agent filled up between snapshot and commit, a fresh
// match is attempted up to the configured retry budget.
func (r *Router) tryAssignLocked(ctx context.Context, c *protocol.Conversation, req protocol.AgentRequirements, cause string) (string, error) {
	var agentID string
	operation := func() error {
		a, err := roster.Match(r.coord.roster.Snapshot(), req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := r.coord.assignLocked(ctx, c, a.ID, cause); err != nil {
			if errors.Is(err, roster.ErrAtCapacity) {
				return err
			}
			return backoff.Permanent(err)
		}
		agentID = a.ID
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(assignRetryInterval), uint64(r.policy.AssignRetries)),
		ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return "", err
	}
	return agentID, nil
}

// enqueueLocked parks the conversation in the queue, transitioning to Queued
// if it is not already waiting.
func (r *Router) enqueueLocked(ctx context.Context, c *protocol.Conversation, cause string) error {
	now := r.coord.now()
	prior := c.State

	if c.State != protocol.StateQueued && c.State != protocol.StateEscalated {
		if !CanTransition(c.State, protocol.StateQueued) {
			return fmt.Errorf("%w: enqueue from %s", ErrInvalidTransition, c.State)
		}
		c.State = protocol.StateQueued
	}
	if c.EnqueuedAt == nil {
		c.EnqueuedAt = &now
	}
	if err := r.coord.store.Save(c); err != nil {
		c.State = prior
		return fmt.Errorf("dispatch: enqueue %s: %w", c.ID, err)
	}

	if r.coord.queue.Contains(c.ID) {
		r.coord.queue.Reprioritize(c.ID, c.UrgencyScore)
	} else if err := r.coord.queue.Enqueue(queue.Entry{
		ConversationID: c.ID,
		UrgencyScore:   c.UrgencyScore,
		EnqueuedAt:     *c.EnqueuedAt,
	}); err != nil {
		return fmt.Errorf("dispatch: enqueue %s: %w", c.ID, err)
	}

	if prior != c.State {
		r.coord.audit(ctx, c.ID, prior, protocol.StateQueued, cause, "")
	}
	return nil
}

// escalationCause returns the first matching escalation trigger, or "".
func (r *Router) escalationCause(c *protocol.Conversation, bundle protocol.SignalBundle, sentimentDropped bool) string {
	content := strings.ToLower(bundle.Message.Content)
	for _, kw := range r.policy.EscalationKeywords {
		if strings.Contains(content, kw) {
			return fmt.Sprintf("escalation keyword %q", kw)
		}
	}
	if bundle.Intent.Category == "escalation" {
		return "intent classified as escalation"
	}
	if c.AutomationAttempts >= r.policy.MaxAutomationAttempts {
		return fmt.Sprintf("automation attempts exhausted (%d)", c.AutomationAttempts)
	}
	if c.UrgencyScore > r.policy.AutomationScoreCeiling {
		return fmt.Sprintf("urgency %d above ceiling %d", c.UrgencyScore, r.policy.AutomationScoreCeiling)
	}
	if sentimentDropped {
		return fmt.Sprintf("sentiment deteriorated beyond %.2f", r.policy.SentimentDropEscalation)
	}
	return ""
}

// automationEligible applies the initial-routing rule: high intent
// confidence, urgency below the ceiling, attempts left, and a trustworthy
// score. Low-confidence scores bias toward human handling rather than
// silent automation.
func (r *Router) automationEligible(c *protocol.Conversation, bundle protocol.SignalBundle, res scoring.Result) bool {
	if c.State != "" && c.State != protocol.StateAutomated {
		return false
	}
	return bundle.Intent.Confidence > r.policy.AutomationConfidence &&
		res.Score < r.policy.AutomationScoreCeiling &&
		!res.LowConfidence &&
		c.AutomationAttempts < r.policy.MaxAutomationAttempts
}

// estimateWait derives a wait estimate from queue position and agent
// throughput, for customer notification.
func (r *Router) estimateWait(conversationID string) time.Duration {
	pos := r.coord.queue.Position(conversationID)
	if pos < 0 {
		pos = r.coord.queue.Len()
	}
	agents := r.coord.roster.AvailableCount()
	if agents < 1 {
		agents = 1
	}
	return r.policy.AvgHandleTime() * time.Duration(pos+1) / time.Duration(agents)
}

// QueueStatus reports the queue summary exposed to collaborators.
func (r *Router) QueueStatus() protocol.QueueStatus {
	return r.coord.queue.Status()
}

func join(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
