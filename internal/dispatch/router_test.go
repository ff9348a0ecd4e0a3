package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/internal/queue"
	"github.com/convoq-io/convoq/internal/scoring"
	"github.com/convoq-io/convoq/pkg/protocol"
)

type stubHistory struct {
	contacts []protocol.ContactRecord
	err      error
}

func (s stubHistory) RecentContacts(context.Context, string, time.Time) ([]protocol.ContactRecord, error) {
	return s.contacts, s.err
}

func newRouterHarness(t *testing.T, history scoring.HistoryLookup) (*Router, *harness) {
	t.Helper()
	h := newHarness(t)
	policy := config.DefaultPolicy()
	scorer := scoring.New(policy, history, nil)
	return NewRouter(scorer, h.coord, policy, nil), h
}

func bundle(convID, content string) protocol.SignalBundle {
	return protocol.SignalBundle{
		Message: protocol.UnifiedMessage{
			ID:             "msg-1",
			ConversationID: convID,
			CustomerID:     "cust-1",
			Channel:        "chat",
			Content:        content,
			Timestamp:      time.Now(),
		},
		Intent:  protocol.IntentResult{Category: "inquiry", Confidence: 0.95},
		Profile: protocol.CustomerProfile{CustomerID: "cust-1", Tier: "low"},
	}
}

func TestRouteAutomates(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})

	d, err := r.Route(context.Background(), bundle("conv-1", "how do I reset my password"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision != protocol.DecisionAutomate {
		t.Fatalf("decision = %s, want automate (reasoning: %s)", d.Decision, d.Reasoning)
	}

	c, err := h.store.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.State != protocol.StateAutomated {
		t.Errorf("state = %s, want automated", c.State)
	}
	if c.AutomationAttempts != 1 {
		t.Errorf("attempts = %d, want 1", c.AutomationAttempts)
	}
}

func TestRouteNeverAutomatesHighUrgency(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})

	b := bundle("conv-1", "my account is locked and I am furious")
	b.Intent = protocol.IntentResult{Category: "escalation", Confidence: 0.99}
	b.Sentiment = protocol.SentimentResult{Score: -0.7}
	b.Profile.Tier = "vip"

	d, err := r.Route(context.Background(), b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision == protocol.DecisionAutomate {
		t.Fatal("urgency above ceiling was handed to automation")
	}
	if d.UrgencyScore <= config.DefaultPolicy().AutomationScoreCeiling {
		t.Fatalf("score = %d, expected above ceiling", d.UrgencyScore)
	}

	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateEscalated {
		t.Errorf("state = %s, want escalated", c.State)
	}
	if !h.queue.Contains("conv-1") {
		t.Error("escalated conversation missing from queue")
	}
}

func TestRouteAssignsWhenAgentAvailable(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.addAgent(t, "agent-1", 5)

	b := bundle("conv-1", "billing question about my invoice")
	b.Intent.Confidence = 0.5 // not confident enough to automate

	d, err := r.Route(context.Background(), b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision != protocol.DecisionAssignAgent {
		t.Fatalf("decision = %s, want assign_agent (reasoning: %s)", d.Decision, d.Reasoning)
	}
	if d.AgentID != "agent-1" {
		t.Errorf("agent = %q, want agent-1", d.AgentID)
	}

	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateAssigned {
		t.Errorf("state = %s, want assigned", c.State)
	}
	a, _ := h.roster.Get("agent-1")
	if a.CurrentWorkload != 1 {
		t.Errorf("workload = %d, want 1", a.CurrentWorkload)
	}
}

func TestRouteQueuesWhenNoAgent(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})

	b := bundle("conv-1", "billing question about my invoice")
	b.Intent.Confidence = 0.5

	d, err := r.Route(context.Background(), b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision != protocol.DecisionQueue {
		t.Fatalf("decision = %s, want queue", d.Decision)
	}
	if d.EstimatedWaitTime <= 0 {
		t.Errorf("estimated wait = %v, want positive", d.EstimatedWaitTime)
	}

	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateQueued {
		t.Errorf("state = %s, want queued", c.State)
	}
	if c.EnqueuedAt == nil {
		t.Error("EnqueuedAt not set")
	}
	if !h.queue.Contains("conv-1") {
		t.Error("conversation not in queue")
	}
}

func TestRouteEscalationKeyword(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})

	// High intent confidence and low urgency, but the explicit demand
	// for a human overrides automation eligibility.
	d, err := r.Route(context.Background(), bundle("conv-1", "I want to speak to a human please"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision == protocol.DecisionAutomate {
		t.Fatal("escalation keyword still routed to automation")
	}

	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateEscalated {
		t.Errorf("state = %s, want escalated", c.State)
	}
	if !c.Escalated {
		t.Error("Escalated flag not set")
	}
}

func TestRouteSentimentDropEscalates(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	ctx := context.Background()

	b := bundle("conv-1", "how do I reset my password")
	b.Sentiment = protocol.SentimentResult{Score: 0.4}
	if _, err := r.Route(ctx, b); err != nil {
		t.Fatalf("first Route: %v", err)
	}

	b2 := bundle("conv-1", "this still does not work")
	b2.Sentiment = protocol.SentimentResult{Score: -0.1}
	d, err := r.Route(ctx, b2)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if d.Decision == protocol.DecisionAutomate {
		t.Fatal("sharp sentiment drop still routed to automation")
	}

	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateEscalated {
		t.Errorf("state = %s, want escalated", c.State)
	}
	if c.LastSentiment != -0.1 {
		t.Errorf("last sentiment = %v, want -0.1", c.LastSentiment)
	}
}

func TestRouteLowConfidenceScoreAvoidsAutomation(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{err: errors.New("history service down")})

	d, err := r.Route(context.Background(), bundle("conv-1", "how do I reset my password"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Decision == protocol.DecisionAutomate {
		t.Fatal("low-confidence score was handed to automation")
	}

	c, _ := h.store.Get("conv-1")
	if !c.ScoreLowConfidence {
		t.Error("low-confidence flag not persisted")
	}
}

func TestRouteClosedConversation(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	now := time.Now()
	if err := h.store.Save(&protocol.Conversation{
		ID:         "conv-1",
		State:      protocol.StateResolved,
		ResolvedAt: &now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := r.Route(context.Background(), bundle("conv-1", "hello again"))
	if !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("err = %v, want ErrConversationClosed", err)
	}
}

func TestRouteAlreadyAssigned(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.addAgent(t, "agent-1", 5)
	ctx := context.Background()

	b := bundle("conv-1", "billing question")
	b.Intent.Confidence = 0.5
	if _, err := r.Route(ctx, b); err != nil {
		t.Fatalf("first Route: %v", err)
	}

	b2 := bundle("conv-1", "here is the invoice number")
	b2.Sentiment = protocol.SentimentResult{Score: 0.2}
	d, err := r.Route(ctx, b2)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if d.Decision != protocol.DecisionAssignAgent || d.AgentID != "agent-1" {
		t.Fatalf("decision = %s/%s, want assign_agent/agent-1", d.Decision, d.AgentID)
	}

	c, _ := h.store.Get("conv-1")
	if c.LastSentiment != 0.2 {
		t.Errorf("last sentiment = %v, want 0.2", c.LastSentiment)
	}
	a, _ := h.roster.Get("agent-1")
	if a.CurrentWorkload != 1 {
		t.Errorf("workload = %d after repeat signal, want 1", a.CurrentWorkload)
	}
}

func TestRoutePreferredAgent(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.roster.Upsert(protocol.Agent{
		ID: "agent-1", Status: protocol.AgentAvailable, MaxWorkload: 5, PerformanceScore: 0.99,
	})
	h.roster.Upsert(protocol.Agent{
		ID: "agent-2", Status: protocol.AgentAvailable, MaxWorkload: 5, PerformanceScore: 0.70,
	})

	b := bundle("conv-1", "billing question")
	b.Intent.Confidence = 0.5
	b.Profile.PreferredAgentID = "agent-2"

	d, err := r.Route(context.Background(), b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.AgentID != "agent-2" {
		t.Errorf("agent = %q, want preferred agent-2 over higher performer", d.AgentID)
	}
}

func TestRouteGeneratesConversationID(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})

	d, err := r.Route(context.Background(), bundle("", "how do I reset my password"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.ConversationID == "" {
		t.Fatal("no conversation ID generated")
	}
	if _, err := h.store.Get(d.ConversationID); err != nil {
		t.Errorf("generated conversation not persisted: %v", err)
	}
}

func TestAutomationFailedEscalatesAtLimit(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	ctx := context.Background()

	d, err := r.Route(ctx, bundle("conv-1", "how do I reset my password"))
	if err != nil || d.Decision != protocol.DecisionAutomate {
		t.Fatalf("Route: %v, decision %s", err, d.Decision)
	}

	if err := r.AutomationFailed(ctx, "conv-1", "no answer found"); err != nil {
		t.Fatalf("AutomationFailed: %v", err)
	}
	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateAutomated {
		t.Fatalf("state = %s after 2 attempts, want still automated", c.State)
	}

	if err := r.AutomationFailed(ctx, "conv-1", "no answer found"); err != nil {
		t.Fatalf("AutomationFailed at limit: %v", err)
	}
	c, _ = h.store.Get("conv-1")
	if c.State != protocol.StateEscalated {
		t.Errorf("state = %s at attempt limit, want escalated", c.State)
	}
	if !h.queue.Contains("conv-1") {
		t.Error("escalated conversation missing from queue")
	}
}

func TestRouteConcurrentCapacityOneWinner(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.addAgent(t, "agent-1", 1)

	decide := func(convID string, out chan<- protocol.Decision) {
		b := bundle(convID, "billing question")
		b.Intent.Confidence = 0.5
		d, err := r.Route(context.Background(), b)
		if err != nil {
			t.Errorf("Route %s: %v", convID, err)
			out <- ""
			return
		}
		out <- d.Decision
	}

	out := make(chan protocol.Decision, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"conv-1", "conv-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			decide(id, out)
		}(id)
	}
	wg.Wait()
	close(out)

	assigned, queued := 0, 0
	for d := range out {
		switch d {
		case protocol.DecisionAssignAgent:
			assigned++
		case protocol.DecisionQueue:
			queued++
		}
	}
	if assigned != 1 || queued != 1 {
		t.Errorf("assigned=%d queued=%d, want exactly one of each", assigned, queued)
	}
	a, _ := h.roster.Get("agent-1")
	if a.CurrentWorkload != 1 {
		t.Errorf("workload = %d, want 1", a.CurrentWorkload)
	}
}

func TestDispatchQueued(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.seedQueued(t, "conv-low", 4)
	h.seedQueued(t, "conv-high", 9)
	h.addAgent(t, "agent-1", 2)

	n := r.DispatchQueued(context.Background(), nil)
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	for _, id := range []string{"conv-low", "conv-high"} {
		c, _ := h.store.Get(id)
		if c.State != protocol.StateAssigned {
			t.Errorf("%s state = %s, want assigned", id, c.State)
		}
	}

	// The higher-urgency conversation must have been placed first.
	trs, _ := h.store.Transitions("conv-high")
	trsLow, _ := h.store.Transitions("conv-low")
	if len(trs) == 0 || len(trsLow) == 0 {
		t.Fatal("missing assignment transitions")
	}
	if trs[0].Timestamp.After(trsLow[0].Timestamp) {
		t.Error("lower-urgency conversation dispatched first")
	}
}

func TestDispatchQueuedKeepsEntryOnTransientStoreError(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.seedQueued(t, "conv-1", 6)
	h.addAgent(t, "agent-1", 2)
	h.store.getErr = errors.New("database is locked")

	if n := r.DispatchQueued(context.Background(), nil); n != 0 {
		t.Fatalf("dispatched = %d, want 0", n)
	}
	if !h.queue.Contains("conv-1") {
		t.Fatal("queue entry dropped on a transient store failure")
	}

	// The fault cleared; the next sweep places the conversation.
	if n := r.DispatchQueued(context.Background(), nil); n != 1 {
		t.Fatalf("dispatched after recovery = %d, want 1", n)
	}
	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateAssigned {
		t.Errorf("state = %s, want assigned", c.State)
	}
}

func TestDispatchQueuedDropsMissingConversation(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	if err := h.queue.Enqueue(queue.Entry{ConversationID: "ghost", UrgencyScore: 9, EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.seedQueued(t, "conv-1", 5)
	h.addAgent(t, "agent-1", 1)

	if n := r.DispatchQueued(context.Background(), nil); n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}
	if h.queue.Contains("ghost") {
		t.Error("entry without a backing conversation survived")
	}
	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateAssigned {
		t.Errorf("state = %s, want assigned", c.State)
	}
}

func TestDispatchQueuedHonorsStoredSkills(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	ctx := context.Background()

	b := bundle("conv-1", "billing question about my invoice")
	b.Intent.Confidence = 0.5
	b.Skills = []string{"billing"}
	dec, err := r.Route(ctx, b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Decision != protocol.DecisionQueue {
		t.Fatalf("decision = %s, want queue", dec.Decision)
	}

	h.roster.Upsert(protocol.Agent{
		ID:               "agent-ship",
		Skills:           []string{"shipping"},
		Status:           protocol.AgentAvailable,
		MaxWorkload:      2,
		PerformanceScore: 0.9,
	})
	if n := r.DispatchQueued(ctx, nil); n != 0 {
		t.Fatal("conversation requiring billing went to an agent without the skill")
	}
	if !h.queue.Contains("conv-1") {
		t.Fatal("conversation lost its queue entry")
	}

	h.roster.Upsert(protocol.Agent{
		ID:               "agent-bill",
		Skills:           []string{"billing"},
		Status:           protocol.AgentAvailable,
		MaxWorkload:      2,
		PerformanceScore: 0.9,
	})
	if n := r.DispatchQueued(ctx, nil); n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}
	c, _ := h.store.Get("conv-1")
	if c.AssignedAgentID != "agent-bill" {
		t.Errorf("assigned agent = %q, want agent-bill", c.AssignedAgentID)
	}
}

func TestRouteDegradedRosterQueues(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.addAgent(t, "agent-1", 5)
	h.roster.SetDegraded(true)

	b := bundle("conv-1", "hello, I need help with my order")
	b.Intent.Confidence = 0.5
	dec, err := r.Route(context.Background(), b)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Decision != protocol.DecisionQueue {
		t.Fatalf("decision = %s, want queue", dec.Decision)
	}
	if !h.queue.Contains("conv-1") {
		t.Error("conversation not queued")
	}
	a, _ := h.roster.Get("agent-1")
	if a.CurrentWorkload != 0 {
		t.Errorf("degraded roster still took an assignment, workload = %d", a.CurrentWorkload)
	}
}

func TestDispatchQueuedStopsWithoutCapacity(t *testing.T) {
	r, h := newRouterHarness(t, stubHistory{})
	h.seedQueued(t, "conv-1", 9)
	h.seedQueued(t, "conv-2", 4)
	h.addAgent(t, "agent-1", 1)

	if n := r.DispatchQueued(context.Background(), nil); n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}
	c, _ := h.store.Get("conv-1")
	if c.State != protocol.StateAssigned {
		t.Errorf("head state = %s, want assigned", c.State)
	}
	if !h.queue.Contains("conv-2") {
		t.Error("remaining conversation lost its queue entry")
	}
}
