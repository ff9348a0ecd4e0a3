package convstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/convoq-io/convoq/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id string) *protocol.Conversation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &protocol.Conversation{
		ID:             id,
		CustomerID:     "cust-1",
		Channels:       []string{"chat"},
		State:          protocol.StateQueued,
		UrgencyScore:   7,
		Topic:          "billing",
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)

	c := testConversation("c-001")
	enq := time.Now().UTC().Truncate(time.Millisecond)
	c.EnqueuedAt = &enq
	c.RequiredSkills = []string{"billing", "refunds"}
	c.Language = "de"
	c.PreferredAgentID = "agent-7"

	if err := s.Save(c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get("c-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CustomerID != "cust-1" {
		t.Errorf("customer_id = %q", got.CustomerID)
	}
	if got.State != protocol.StateQueued {
		t.Errorf("state = %q", got.State)
	}
	if got.UrgencyScore != 7 {
		t.Errorf("urgency_score = %d", got.UrgencyScore)
	}
	if got.EnqueuedAt == nil || !got.EnqueuedAt.Equal(enq) {
		t.Errorf("enqueued_at = %v, want %v", got.EnqueuedAt, enq)
	}
	if got.AssignedAt != nil {
		t.Errorf("assigned_at = %v, want nil", got.AssignedAt)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "chat" {
		t.Errorf("channels = %v", got.Channels)
	}
	if len(got.RequiredSkills) != 2 || got.RequiredSkills[0] != "billing" {
		t.Errorf("required_skills = %v", got.RequiredSkills)
	}
	if got.Language != "de" {
		t.Errorf("language = %q", got.Language)
	}
	if got.PreferredAgentID != "agent-7" {
		t.Errorf("preferred_agent_id = %q", got.PreferredAgentID)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveUpsert(t *testing.T) {
	s := newTestStore(t)

	c := testConversation("c-001")
	s.Save(c)

	c.State = protocol.StateAssigned
	c.AssignedAgentID = "agent-1"
	c.UrgencyScore = 9
	c.Escalated = true
	if err := s.Save(c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := s.Get("c-001")
	if got.State != protocol.StateAssigned {
		t.Errorf("state = %q", got.State)
	}
	if got.AssignedAgentID != "agent-1" {
		t.Errorf("assigned_agent_id = %q", got.AssignedAgentID)
	}
	if !got.Escalated {
		t.Error("escalated flag lost on upsert")
	}
}

func TestListByState(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		c := testConversation(fmt.Sprintf("q-%d", i))
		s.Save(c)
	}
	assigned := testConversation("a-0")
	assigned.State = protocol.StateAssigned
	assigned.AssignedAgentID = "agent-1"
	s.Save(assigned)

	queued := protocol.StateQueued
	got, err := s.List(Filter{State: &queued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("queued count = %d", len(got))
	}

	got, err = s.List(Filter{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a-0" {
		t.Errorf("agent filter returned %v", got)
	}

	got, _ = s.List(Filter{Limit: 2})
	if len(got) != 2 {
		t.Errorf("limit 2 returned %d", len(got))
	}
}

func TestActiveAssignments(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 2; i++ {
		c := testConversation(fmt.Sprintf("a1-%d", i))
		c.State = protocol.StateAssigned
		c.AssignedAgentID = "agent-1"
		s.Save(c)
	}
	c := testConversation("a2-0")
	c.State = protocol.StateAssigned
	c.AssignedAgentID = "agent-2"
	s.Save(c)
	s.Save(testConversation("q-0")) // queued, not counted

	counts, err := s.ActiveAssignments()
	if err != nil {
		t.Fatalf("active assignments: %v", err)
	}
	if counts["agent-1"] != 2 || counts["agent-2"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if len(counts) != 2 {
		t.Errorf("expected 2 agents, got %d", len(counts))
	}
}

func TestTransitions(t *testing.T) {
	s := newTestStore(t)
	s.Save(testConversation("c-001"))

	base := time.Now().UTC().Truncate(time.Millisecond)
	trs := []protocol.Transition{
		{ID: "t1", ConversationID: "c-001", From: protocol.StateAutomated, To: protocol.StateQueued, Cause: "low confidence", Timestamp: base},
		{ID: "t2", ConversationID: "c-001", From: protocol.StateQueued, To: protocol.StateAssigned, Cause: "matched", Actor: "agent-1", Timestamp: base.Add(time.Second)},
	}
	for _, tr := range trs {
		if err := s.RecordTransition(tr); err != nil {
			t.Fatalf("record transition: %v", err)
		}
	}

	got, err := s.Transitions("c-001")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("transition count = %d", len(got))
	}
	if got[0].To != protocol.StateQueued || got[1].To != protocol.StateAssigned {
		t.Errorf("transition order wrong: %v", got)
	}
	if got[1].Actor != "agent-1" {
		t.Errorf("actor = %q", got[1].Actor)
	}
}
