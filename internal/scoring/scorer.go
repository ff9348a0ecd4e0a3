package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/pkg/protocol"
)

const (
	minScore = 1
	maxScore = 10
)

// Factor is one applied scoring rule, kept for auditability. It explains the
// score but is never itself consulted by routing.
type Factor struct {
	Name      string `json:"name"`
	Delta     int    `json:"delta"`
	Rationale string `json:"rationale"`
}

// Result is a computed urgency score with its explanation.
type Result struct {
	Score         int      `json:"score"`
	Factors       []Factor `json:"factors"`
	Reasoning     string   `json:"reasoning"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
}

// HistoryLookup is the contact-history slice of the context store collaborator.
type HistoryLookup interface {
	RecentContacts(ctx context.Context, customerID string, since time.Time) ([]protocol.ContactRecord, error)
}

// Scorer computes urgency scores from conversation signals. Scoring is
// deterministic given the signals, the policy, and the clock; it is
// re-invoked on every signal change and never memoized.
type Scorer struct {
	policy  config.Policy
	history HistoryLookup
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Scorer. history may be nil when no context store is wired;
// the repeat-contact factor is then skipped and results are flagged
// low-confidence.
func New(policy config.Policy, history HistoryLookup, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		policy:  policy,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// Score computes the urgency score for the given signal bundle.
// lastKnownScore is the conversation's previous score, or 0 if none; it is
// the fallback when the history lookup is unavailable.
func (s *Scorer) Score(ctx context.Context, bundle protocol.SignalBundle, lastKnownScore int) Result {
	var factors []Factor
	score := s.policy.BaseScore
	factors = append(factors, Factor{
		Name:      "base",
		Delta:     s.policy.BaseScore,
		Rationale: "baseline urgency",
	})

	add := func(name string, delta int, rationale string) {
		score += delta
		factors = append(factors, Factor{Name: name, Delta: delta, Rationale: rationale})
	}

	// Sentiment
	switch sent := bundle.Sentiment.Score; {
	case sent < s.policy.SentimentCriticalBelow:
		add("sentiment", 2, fmt.Sprintf("strongly negative sentiment (%.2f)", sent))
	case sent < s.policy.SentimentNegativeBelow:
		add("sentiment", 1, fmt.Sprintf("negative sentiment (%.2f)", sent))
	case sent > s.policy.SentimentPositiveAbove:
		add("sentiment", -1, fmt.Sprintf("positive sentiment (%.2f)", sent))
	}

	// Intent category
	if delta, ok := s.policy.IntentAdjustments[bundle.Intent.Category]; ok && delta != 0 {
		add("intent", delta, fmt.Sprintf("intent classified as %s", bundle.Intent.Category))
	}

	// Customer value
	if delta, ok := s.policy.TierAdjustments[bundle.Profile.Tier]; ok && delta != 0 {
		add("customer_value", delta, fmt.Sprintf("%s tier customer", bundle.Profile.Tier))
	}

	// Repeat contact
	lowConfidence := false
	if s.history == nil {
		lowConfidence = true
	} else {
		now := s.now()
		since := now.AddDate(0, 0, -s.policy.RepeatRecentDays)
		contacts, err := s.history.RecentContacts(ctx, bundle.Profile.CustomerID, since)
		if err != nil {
			s.logger.Warn("history lookup unavailable, falling back",
				"customer", bundle.Profile.CustomerID, "error", err)
			if lastKnownScore >= minScore && lastKnownScore <= maxScore {
				return Result{
					Score:         lastKnownScore,
					Factors:       []Factor{{Name: "last_known", Delta: lastKnownScore, Rationale: "history lookup unavailable, reusing last known score"}},
					Reasoning:     "history lookup unavailable, reusing last known score",
					LowConfidence: true,
				}
			}
			lowConfidence = true
		} else if delta, rationale := s.repeatContactDelta(contacts, bundle.Topic, now); delta != 0 {
			add("repeat_contact", delta, rationale)
		}
	}

	// Time sensitivity
	if containsAny(bundle.Message.Content, s.policy.UrgencyKeywords) {
		add("urgency_keywords", 2, "message contains urgency keywords")
	}
	if s.afterHours() {
		add("after_hours", 1, "contact outside business hours")
	}

	clamped := clamp(score, minScore, maxScore)
	if clamped != score {
		factors = append(factors, Factor{
			Name:      "clamp",
			Delta:     clamped - score,
			Rationale: fmt.Sprintf("raw score %d clamped to [%d,%d]", score, minScore, maxScore),
		})
	}

	return Result{
		Score:         clamped,
		Factors:       factors,
		Reasoning:     summarize(factors),
		LowConfidence: lowConfidence,
	}
}

// repeatContactDelta scores repeat contacts: a prior contact on the same
// topic inside the same-issue window counts double a merely recent one.
func (s *Scorer) repeatContactDelta(contacts []protocol.ContactRecord, topic string, now time.Time) (int, string) {
	sameIssueCutoff := now.AddDate(0, 0, -s.policy.RepeatSameIssueDays)
	recent := false
	for _, c := range contacts {
		if topic != "" && c.Topic == topic && c.Timestamp.After(sameIssueCutoff) {
			return 2, fmt.Sprintf("repeat contact about %q within %d days", topic, s.policy.RepeatSameIssueDays)
		}
		recent = true
	}
	if recent {
		return 1, fmt.Sprintf("repeat contact within %d days", s.policy.RepeatRecentDays)
	}
	return 0, ""
}

func (s *Scorer) afterHours() bool {
	hour := s.now().Hour()
	return hour < s.policy.BusinessHoursStart || hour >= s.policy.BusinessHoursEnd
}

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func summarize(factors []Factor) string {
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s (%+d)", f.Rationale, f.Delta))
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
