package protocol

import "time"

// UnifiedMessage is a channel-normalized customer message, produced by the
// ingestion collaborators.
type UnifiedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id"`
	Channel        string    `json:"channel"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// IntentResult is the intent classifier's verdict on a message.
type IntentResult struct {
	Category   string  `json:"category"` // escalation, complaint, request, inquiry, feedback
	Confidence float64 `json:"confidence"`
}

// SentimentResult is the sentiment model's verdict, in [-1, 1].
type SentimentResult struct {
	Score     float64 `json:"score"`
	Magnitude float64 `json:"magnitude,omitempty"`
}

// CustomerProfile is the slice of the customer record the core consumes.
type CustomerProfile struct {
	CustomerID        string `json:"customer_id"`
	Tier              string `json:"tier"` // vip, high, medium, low
	PreferredLanguage string `json:"preferred_language,omitempty"`
	PreferredAgentID  string `json:"preferred_agent_id,omitempty"`
}

// ContactRecord is a prior contact from the history lookup.
type ContactRecord struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalBundle is everything the router needs to score and route one
// conversation: the latest message plus the classifier outputs and profile.
type SignalBundle struct {
	Message   UnifiedMessage  `json:"message"`
	Intent    IntentResult    `json:"intent"`
	Sentiment SentimentResult `json:"sentiment"`
	Profile   CustomerProfile `json:"profile"`
	Topic     string          `json:"topic,omitempty"`  // issue topic, derived upstream
	Skills    []string        `json:"skills,omitempty"` // required agent skills, derived upstream
}
