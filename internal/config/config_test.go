package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convoq-io/convoq/pkg/protocol"
)

const validJSON = `{
  "core": {
    "id": "test-core",
    "data_dir": "/tmp/convoq-test"
  },
  "policy": {
    "base_score": 5,
    "max_workload": 4,
    "greeting_sla_seconds": 15
  },
  "agents": [
    {
      "id": "agent-1",
      "name": "Dana",
      "skills": ["billing"],
      "languages": ["en"],
      "performance_score": 0.9
    }
  ],
  "events": {
    "brokers": ["localhost:9092"],
    "topic": "convoq.events"
  },
  "api": {
    "host": "0.0.0.0",
    "port": 8080,
    "api_key": "dashboard-key"
  }
}`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(validJSON), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Core.ID != "test-core" {
		t.Errorf("core.id = %q", cfg.Core.ID)
	}
	if cfg.Policy.MaxWorkload != 4 {
		t.Errorf("max_workload = %d", cfg.Policy.MaxWorkload)
	}
	if cfg.Policy.GreetingSLASeconds != 15 {
		t.Errorf("greeting_sla_seconds = %d", cfg.Policy.GreetingSLASeconds)
	}
	// Unset policy fields keep their defaults
	if cfg.Policy.AutomationConfidence != 0.85 {
		t.Errorf("automation_confidence = %v", cfg.Policy.AutomationConfidence)
	}
	if cfg.Policy.IntentAdjustments["escalation"] != 3 {
		t.Errorf("intent escalation adjustment = %d", cfg.Policy.IntentAdjustments["escalation"])
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("agents count = %d", len(cfg.Agents))
	}
	// Agent defaults filled from policy
	if cfg.Agents[0].MaxWorkload != 4 {
		t.Errorf("agents[0].max_workload = %d", cfg.Agents[0].MaxWorkload)
	}
	if cfg.Agents[0].Status != protocol.AgentOffline {
		t.Errorf("agents[0].status = %q", cfg.Agents[0].Status)
	}
	if cfg.Events.Topic != "convoq.events" {
		t.Errorf("events.topic = %q", cfg.Events.Topic)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing core id",
			mutate:  func(c *Config) { c.Core.ID = "" },
			wantErr: "core.id is required",
		},
		{
			name:    "base score out of range",
			mutate:  func(c *Config) { c.Policy.BaseScore = 11 },
			wantErr: "base_score",
		},
		{
			name:    "zero workload cap",
			mutate:  func(c *Config) { c.Policy.MaxWorkload = 0 },
			wantErr: "max_workload",
		},
		{
			name:    "agent performance out of range",
			mutate:  func(c *Config) { c.Agents = []protocol.Agent{{ID: "a", PerformanceScore: 1.5}} },
			wantErr: "performance_score",
		},
		{
			name:    "brokers without topic",
			mutate:  func(c *Config) { c.Events = EventsConfig{Brokers: []string{"localhost:9092"}} },
			wantErr: "events.topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Core:   CoreConfig{ID: "c", DataDir: "/tmp"},
				Policy: DefaultPolicy(),
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONVOQ_CORE_ID", "env-core")
	t.Setenv("CONVOQ_API_PORT", "9999")
	t.Setenv("CONVOQ_KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("CONVOQ_MAX_WORKLOAD", "7")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Core.ID != "env-core" {
		t.Errorf("core.id = %q", cfg.Core.ID)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("api.port = %d", cfg.API.Port)
	}
	if len(cfg.Events.Brokers) != 2 || cfg.Events.Brokers[1] != "b2:9092" {
		t.Errorf("brokers = %v", cfg.Events.Brokers)
	}
	if cfg.Events.Topic != "convoq.events" {
		t.Errorf("topic = %q", cfg.Events.Topic)
	}
	if cfg.Policy.MaxWorkload != 7 {
		t.Errorf("max_workload = %d", cfg.Policy.MaxWorkload)
	}
}

func TestDefaultPolicyValid(t *testing.T) {
	cfg := &Config{
		Core:   CoreConfig{ID: "c", DataDir: "/tmp"},
		Policy: DefaultPolicy(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}
}
