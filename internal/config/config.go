package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/convoq-io/convoq/pkg/protocol"
)

// Config is the top-level convoq configuration.
type Config struct {
	Core   CoreConfig       `json:"core"`
	Policy Policy           `json:"policy"`
	Agents []protocol.Agent `json:"agents"`
	Events EventsConfig     `json:"events"`
	API    APIConfig        `json:"api"`
}

// CoreConfig holds daemon-level settings.
type CoreConfig struct {
	ID      string `json:"id"`
	DataDir string `json:"data_dir"`
}

// Policy holds every routing threshold the scorer, state machine and
// supervisor consult. Deployments override these per-tenant; nothing in the
// core hard-codes them.
type Policy struct {
	// Scoring
	BaseScore              int            `json:"base_score"`
	SentimentCriticalBelow float64        `json:"sentiment_critical_below"`
	SentimentNegativeBelow float64        `json:"sentiment_negative_below"`
	SentimentPositiveAbove float64        `json:"sentiment_positive_above"`
	IntentAdjustments      map[string]int `json:"intent_adjustments"`
	TierAdjustments        map[string]int `json:"tier_adjustments"`
	RepeatSameIssueDays    int            `json:"repeat_same_issue_days"`
	RepeatRecentDays       int            `json:"repeat_recent_days"`
	UrgencyKeywords        []string       `json:"urgency_keywords"`
	BusinessHoursStart     int            `json:"business_hours_start"` // local hour, inclusive
	BusinessHoursEnd       int            `json:"business_hours_end"`   // local hour, exclusive

	// Automation and escalation
	AutomationConfidence    float64  `json:"automation_confidence"`
	AutomationScoreCeiling  int      `json:"automation_score_ceiling"`
	MaxAutomationAttempts   int      `json:"max_automation_attempts"`
	SentimentDropEscalation float64  `json:"sentiment_drop_escalation"`
	EscalationKeywords      []string `json:"escalation_keywords"`

	// Agents and assignment
	MaxWorkload   int `json:"max_workload"`
	AssignRetries int `json:"assign_retries"`

	// Supervision
	GreetingSLASeconds      int    `json:"greeting_sla_seconds"`
	AutoEscalateOnSLABreach bool   `json:"auto_escalate_on_sla_breach"`
	AvgHandleTimeSeconds    int    `json:"avg_handle_time_seconds"`
	ArchiveAfterHours       int    `json:"archive_after_hours"`
	SupervisorSchedule      string `json:"supervisor_schedule"`
}

// EventsConfig holds event publishing settings. Empty brokers disables Kafka.
type EventsConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// GreetingSLA returns the greeting deadline as a duration.
func (p Policy) GreetingSLA() time.Duration {
	return time.Duration(p.GreetingSLASeconds) * time.Second
}

// AvgHandleTime returns the average handle time as a duration.
func (p Policy) AvgHandleTime() time.Duration {
	return time.Duration(p.AvgHandleTimeSeconds) * time.Second
}

// ArchiveAfter returns the resolved-to-archived inactivity window.
func (p Policy) ArchiveAfter() time.Duration {
	return time.Duration(p.ArchiveAfterHours) * time.Hour
}

// DefaultPolicy returns the stock routing policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseScore:              5,
		SentimentCriticalBelow: -0.5,
		SentimentNegativeBelow: -0.3,
		SentimentPositiveAbove: 0.5,
		IntentAdjustments: map[string]int{
			"escalation": 3,
			"complaint":  2,
			"request":    1,
			"inquiry":    0,
			"feedback":   0,
		},
		TierAdjustments: map[string]int{
			"vip":    2,
			"high":   1,
			"medium": 0,
			"low":    0,
		},
		RepeatSameIssueDays: 7,
		RepeatRecentDays:    30,
		UrgencyKeywords: []string{
			"urgent", "asap", "immediately", "right now", "emergency",
		},
		BusinessHoursStart:      9,
		BusinessHoursEnd:        17,
		AutomationConfidence:    0.85,
		AutomationScoreCeiling:  8,
		MaxAutomationAttempts:   3,
		SentimentDropEscalation: 0.3,
		EscalationKeywords: []string{
			"speak to a human", "real person", "agent", "manager", "supervisor",
		},
		MaxWorkload:             5,
		AssignRetries:           3,
		GreetingSLASeconds:      10,
		AutoEscalateOnSLABreach: false,
		AvgHandleTimeSeconds:    300,
		ArchiveAfterHours:       24,
		SupervisorSchedule:      "@every 5s",
	}
}

// Load reads configuration from a JSON file. Absent policy fields fall back
// to the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{Policy: DefaultPolicy()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyAgentDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a minimal config from environment variables with the
// CONVOQ_ prefix. The routing policy is the default policy.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Core: CoreConfig{
			ID:      getenv("CONVOQ_CORE_ID", "default"),
			DataDir: getenv("CONVOQ_DATA_DIR", "/data"),
		},
		Policy: DefaultPolicy(),
		API: APIConfig{
			Host: getenv("CONVOQ_API_HOST", "0.0.0.0"),
			Port: getenvInt("CONVOQ_API_PORT", 8080),
			Key:  os.Getenv("CONVOQ_API_KEY"),
		},
	}

	if brokers := os.Getenv("CONVOQ_KAFKA_BROKERS"); brokers != "" {
		cfg.Events.Brokers = splitList(brokers)
		cfg.Events.Topic = getenv("CONVOQ_KAFKA_TOPIC", "convoq.events")
	}

	if cap := getenvInt("CONVOQ_MAX_WORKLOAD", 0); cap > 0 {
		cfg.Policy.MaxWorkload = cap
	}

	return cfg, nil
}

// Validate checks for required fields and coherent policy values.
func (c *Config) Validate() error {
	var errs []string

	if c.Core.ID == "" {
		errs = append(errs, "core.id is required")
	}
	if c.Core.DataDir == "" {
		errs = append(errs, "core.data_dir is required")
	}

	p := c.Policy
	if p.BaseScore < 1 || p.BaseScore > 10 {
		errs = append(errs, "policy.base_score must be within [1,10]")
	}
	if p.MaxWorkload < 1 {
		errs = append(errs, "policy.max_workload must be at least 1")
	}
	if p.AutomationConfidence <= 0 || p.AutomationConfidence > 1 {
		errs = append(errs, "policy.automation_confidence must be within (0,1]")
	}
	if p.AutomationScoreCeiling < 1 || p.AutomationScoreCeiling > 10 {
		errs = append(errs, "policy.automation_score_ceiling must be within [1,10]")
	}
	if p.GreetingSLASeconds <= 0 {
		errs = append(errs, "policy.greeting_sla_seconds must be positive")
	}

	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		}
		if a.MaxWorkload < 0 {
			errs = append(errs, fmt.Sprintf("agents[%d].max_workload must not be negative", i))
		}
		if a.PerformanceScore < 0 || a.PerformanceScore > 1 {
			errs = append(errs, fmt.Sprintf("agents[%d].performance_score must be within [0,1]", i))
		}
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, "events.topic is required when brokers are set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// applyAgentDefaults fills per-agent gaps from the policy.
func applyAgentDefaults(cfg *Config) {
	for i := range cfg.Agents {
		if cfg.Agents[i].MaxWorkload == 0 {
			cfg.Agents[i].MaxWorkload = cfg.Policy.MaxWorkload
		}
		if cfg.Agents[i].Status == "" {
			cfg.Agents[i].Status = protocol.AgentOffline
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}
