package protocol

import "testing"

func TestCanHandle(t *testing.T) {
	ag := Agent{
		Skills:    []string{"billing", "refunds"},
		Languages: []string{"en", "de"},
	}

	t.Run("skill superset matches", func(t *testing.T) {
		if !ag.CanHandle([]string{"billing"}, "en") {
			t.Error("expected billing/en to match")
		}
		if !ag.CanHandle([]string{"billing", "refunds"}, "de") {
			t.Error("expected billing+refunds/de to match")
		}
	})

	t.Run("missing skill rejects", func(t *testing.T) {
		if ag.CanHandle([]string{"billing", "hardware"}, "en") {
			t.Error("expected hardware requirement to reject")
		}
	})

	t.Run("language mismatch rejects", func(t *testing.T) {
		if ag.CanHandle([]string{"billing"}, "fr") {
			t.Error("expected fr to reject")
		}
	})

	t.Run("empty requirements match any agent", func(t *testing.T) {
		if !ag.CanHandle(nil, "") {
			t.Error("expected empty requirements to match")
		}
	})

	t.Run("agent with no languages handles any", func(t *testing.T) {
		polyglot := Agent{Skills: []string{"billing"}}
		if !polyglot.CanHandle([]string{"billing"}, "sv") {
			t.Error("expected agent with no language list to match")
		}
	})
}

func TestHasCapacity(t *testing.T) {
	ag := Agent{CurrentWorkload: 4, MaxWorkload: 5}
	if !ag.HasCapacity() {
		t.Error("expected capacity at 4/5")
	}
	ag.CurrentWorkload = 5
	if ag.HasCapacity() {
		t.Error("expected no capacity at 5/5")
	}
}

func TestStateHelpers(t *testing.T) {
	active := []State{StateAutomated, StateQueued, StateAssigned, StateEscalated}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("expected %s to be active", s)
		}
	}
	for _, s := range []State{StateResolved, StateArchived} {
		if s.Active() {
			t.Errorf("expected %s to be inactive", s)
		}
	}

	for _, s := range []State{StateAutomated, StateQueued, StateEscalated} {
		if !s.Assignable() {
			t.Errorf("expected %s to be assignable", s)
		}
	}
	for _, s := range []State{StateAssigned, StateResolved, StateArchived} {
		if s.Assignable() {
			t.Errorf("expected %s to not be assignable", s)
		}
	}
}
