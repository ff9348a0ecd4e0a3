package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/internal/convstore"
	"github.com/convoq-io/convoq/internal/dispatch"
	"github.com/convoq-io/convoq/internal/event"
	"github.com/convoq-io/convoq/internal/queue"
	"github.com/convoq-io/convoq/internal/roster"
	"github.com/convoq-io/convoq/pkg/protocol"
)

// Supervisor runs the periodic safety net: greeting-SLA enforcement,
// dispatching queued conversations as capacity frees up, recovering
// assignments stranded on offline agents, archiving resolved conversations,
// and repairing queue and workload drift against the store.
type Supervisor struct {
	store  convstore.Store
	coord  *dispatch.Coordinator
	router *dispatch.Router
	roster *roster.Roster
	queue  *queue.Queue
	events event.Publisher
	policy config.Policy
	logger *slog.Logger

	cron *cron.Cron
	now  func() time.Time

	mu       sync.Mutex
	notified map[string]time.Time // conversation → first breach notification
}

// New creates a Supervisor. events may be nil.
func New(store convstore.Store, coord *dispatch.Coordinator, router *dispatch.Router, r *roster.Roster, q *queue.Queue, events event.Publisher, policy config.Policy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = event.Nop{}
	}
	return &Supervisor{
		store:    store,
		coord:    coord,
		router:   router,
		roster:   r,
		queue:    q,
		events:   events,
		policy:   policy,
		logger:   logger,
		cron:     cron.New(),
		now:      time.Now,
		notified: make(map[string]time.Time),
	}
}

// Start registers the sweep on the configured schedule and blocks until the
// context is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.policy.SupervisorSchedule, func() {
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("supervisor: invalid schedule %q: %w", s.policy.SupervisorSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("supervisor started", "schedule", s.policy.SupervisorSchedule)

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info("supervisor stopped")
	return ctx.Err()
}

// Tick runs one full supervision sweep. Exposed so the daemon can force a
// sweep at startup before the first scheduled run.
func (s *Supervisor) Tick(ctx context.Context) {
	s.recoverOfflineAgents(ctx)
	s.enforceGreetingSLA(ctx)
	s.repairWorkloads()
	s.repairQueue(ctx)
	s.router.DispatchQueued(ctx, nil)
	s.archiveResolved(ctx)
}

// enforceGreetingSLA finds assigned conversations whose agent has not sent a
// first response inside the greeting window. Each breach is published once;
// with auto-escalation enabled the conversation is also pulled back to the
// queue with a priority boost.
func (s *Supervisor) enforceGreetingSLA(ctx context.Context) {
	assigned := protocol.StateAssigned
	convs, err := s.store.List(convstore.Filter{State: &assigned})
	if err != nil {
		s.logger.Error("sla sweep: list assigned failed", "error", err)
		return
	}

	now := s.now()
	deadline := s.policy.GreetingSLA()
	live := make(map[string]bool, len(convs))

	for _, c := range convs {
		live[c.ID] = true
		if c.GreetedAt != nil || c.AssignedAt == nil {
			continue
		}
		overdue := now.Sub(*c.AssignedAt)
		if overdue <= deadline {
			continue
		}
		if s.alreadyNotified(c.ID) {
			continue
		}

		s.logger.Warn("greeting SLA breached",
			"conversation", c.ID, "agent", c.AssignedAgentID, "overdue", overdue-deadline)
		ev := protocol.Event{
			ID:             uuid.NewString(),
			Type:           protocol.EventSLABreach,
			ConversationID: c.ID,
			AgentID:        c.AssignedAgentID,
			Cause:          fmt.Sprintf("no greeting %s after assignment", overdue.Round(time.Second)),
			Timestamp:      now,
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("sla breach publish failed", "conversation", c.ID, "error", err)
		}
		s.markNotified(c.ID, now)

		if s.policy.AutoEscalateOnSLABreach {
			if err := s.coord.Release(ctx, c.ID, false, "greeting SLA breached", ""); err != nil {
				s.logger.Error("sla release failed", "conversation", c.ID, "error", err)
				continue
			}
			if err := s.coord.Escalate(ctx, c.ID, "greeting SLA breached", 1); err != nil {
				s.logger.Error("sla escalate failed", "conversation", c.ID, "error", err)
			}
		}
	}

	// Drop notification markers for conversations that left Assigned.
	s.mu.Lock()
	for id := range s.notified {
		if !live[id] {
			delete(s.notified, id)
		}
	}
	s.mu.Unlock()
}

// recoverOfflineAgents releases conversations whose agent went offline or
// disappeared from the roster, so customers are not stuck waiting on a chair
// nobody sits in. Released conversations rejoin the queue with a boost and
// are re-matched in the same sweep.
func (s *Supervisor) recoverOfflineAgents(ctx context.Context) {
	assigned := protocol.StateAssigned
	convs, err := s.store.List(convstore.Filter{State: &assigned})
	if err != nil {
		s.logger.Error("offline sweep: list assigned failed", "error", err)
		return
	}

	for _, c := range convs {
		a, ok := s.roster.Get(c.AssignedAgentID)
		if ok && a.Status != protocol.AgentOffline {
			continue
		}
		s.logger.Warn("recovering conversation from offline agent",
			"conversation", c.ID, "agent", c.AssignedAgentID)
		if err := s.coord.Release(ctx, c.ID, false, "agent went offline", ""); err != nil {
			s.logger.Error("offline recovery release failed", "conversation", c.ID, "error", err)
			continue
		}
		// Persist the boost so it survives a queue rebuild.
		if err := s.coord.Reprioritize(c.ID, c.UrgencyScore+1); err != nil {
			s.logger.Error("offline recovery boost failed", "conversation", c.ID, "error", err)
		}
	}
}

// archiveResolved moves conversations resolved longer than the retention
// window ago to Archived.
func (s *Supervisor) archiveResolved(ctx context.Context) {
	resolved := protocol.StateResolved
	convs, err := s.store.List(convstore.Filter{State: &resolved})
	if err != nil {
		s.logger.Error("archive sweep: list resolved failed", "error", err)
		return
	}

	cutoff := s.now().Add(-s.policy.ArchiveAfter())
	for _, c := range convs {
		if c.ResolvedAt == nil || c.ResolvedAt.After(cutoff) {
			continue
		}
		if err := s.coord.Archive(ctx, c.ID, "retention sweep"); err != nil {
			s.logger.Error("archive failed", "conversation", c.ID, "error", err)
		}
	}
}

// repairQueue verifies heap and index agreement, then checks the queue
// membership against the authoritative conversation set, and rebuilds from
// the store on any divergence: every queued or escalated conversation gets
// exactly one entry back, and stale entries are dropped.
func (s *Supervisor) repairQueue(ctx context.Context) {
	entries, err := s.queueEntriesFromStore()
	if err != nil {
		s.logger.Error("queue repair: store read failed", "error", err)
		return
	}

	var cause string
	if err := s.queue.CheckIntegrity(); err != nil {
		cause = err.Error()
	} else {
		cause = s.queueDivergence(entries)
	}
	if cause == "" {
		return
	}
	s.logger.Error("queue diverged from store, rebuilding", "cause", cause)
	s.queue.Rebuild(entries)

	ev := protocol.Event{
		ID:        uuid.NewString(),
		Type:      protocol.EventQueueRepair,
		Cause:     fmt.Sprintf("queue rebuilt from store with %d entries", len(entries)),
		Timestamp: s.now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("queue repair publish failed", "error", err)
	}
}

// RestoreQueue rebuilds the in-memory queue from the store. Called once at
// daemon startup so waiting conversations survive restarts.
func (s *Supervisor) RestoreQueue() (int, error) {
	entries, err := s.queueEntriesFromStore()
	if err != nil {
		return 0, err
	}
	s.queue.Rebuild(entries)
	return len(entries), nil
}

// queueDivergence compares the queue membership against the entries the
// store says should be waiting. It returns an empty string when they agree.
func (s *Supervisor) queueDivergence(want []queue.Entry) string {
	queued := make(map[string]bool)
	for _, e := range s.queue.Snapshot() {
		queued[e.ConversationID] = true
	}
	for _, e := range want {
		if !queued[e.ConversationID] {
			return fmt.Sprintf("conversation %s is waiting in the store but has no queue entry", e.ConversationID)
		}
		delete(queued, e.ConversationID)
	}
	for id := range queued {
		return fmt.Sprintf("queue entry %s has no waiting conversation in the store", id)
	}
	return ""
}

func (s *Supervisor) queueEntriesFromStore() ([]queue.Entry, error) {
	var entries []queue.Entry
	for _, state := range []protocol.State{protocol.StateQueued, protocol.StateEscalated} {
		st := state
		convs, err := s.store.List(convstore.Filter{State: &st})
		if err != nil {
			return nil, fmt.Errorf("supervisor: list %s: %w", state, err)
		}
		for _, c := range convs {
			enqueued := c.CreatedAt
			if c.EnqueuedAt != nil {
				enqueued = *c.EnqueuedAt
			}
			entries = append(entries, queue.Entry{
				ConversationID: c.ID,
				UrgencyScore:   c.UrgencyScore,
				EnqueuedAt:     enqueued,
			})
		}
	}
	return entries, nil
}

// repairWorkloads reconciles roster workload counters with the persisted
// assignment set.
func (s *Supervisor) repairWorkloads() {
	assignments, err := s.store.ActiveAssignments()
	if err != nil {
		s.logger.Error("workload sweep: active assignments failed", "error", err)
		return
	}
	if repaired := s.roster.RecomputeWorkloads(assignments); len(repaired) > 0 {
		s.logger.Warn("workload drift repaired", "agents", repaired)
	}
}

func (s *Supervisor) alreadyNotified(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notified[conversationID]
	return ok
}

func (s *Supervisor) markNotified(conversationID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[conversationID] = at
}
