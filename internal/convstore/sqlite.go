package convstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/convoq-io/convoq/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			customer_id          TEXT NOT NULL,
			channels             TEXT NOT NULL DEFAULT '[]',
			state                TEXT NOT NULL,
			urgency_score        INTEGER NOT NULL DEFAULT 5,
			score_low_confidence INTEGER NOT NULL DEFAULT 0,
			escalated            INTEGER NOT NULL DEFAULT 0,
			automation_attempts  INTEGER NOT NULL DEFAULT 0,
			last_sentiment       REAL NOT NULL DEFAULT 0,
			assigned_agent_id    TEXT NOT NULL DEFAULT '',
			topic                TEXT NOT NULL DEFAULT '',
			required_skills      TEXT NOT NULL DEFAULT '[]',
			language             TEXT NOT NULL DEFAULT '',
			preferred_agent_id   TEXT NOT NULL DEFAULT '',
			enqueued_at          TEXT,
			assigned_at          TEXT,
			greeted_at           TEXT,
			resolved_at          TEXT,
			created_at           TEXT NOT NULL,
			last_activity_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transitions (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			from_state      TEXT NOT NULL,
			to_state        TEXT NOT NULL,
			cause           TEXT NOT NULL,
			actor           TEXT NOT NULL DEFAULT '',
			timestamp       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);
		CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(customer_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id);
		CREATE INDEX IF NOT EXISTS idx_transitions_conversation ON transitions(conversation_id);
	`)
	if err != nil {
		return fmt.Errorf("convstore: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(c *protocol.Conversation) error {
	channels, _ := json.Marshal(c.Channels)
	skills, _ := json.Marshal(c.RequiredSkills)

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, customer_id, channels, state, urgency_score, score_low_confidence,
			escalated, automation_attempts, last_sentiment, assigned_agent_id, topic,
			required_skills, language, preferred_agent_id,
			enqueued_at, assigned_at, greeted_at, resolved_at, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id=excluded.customer_id, channels=excluded.channels, state=excluded.state,
			urgency_score=excluded.urgency_score, score_low_confidence=excluded.score_low_confidence,
			escalated=excluded.escalated, automation_attempts=excluded.automation_attempts,
			last_sentiment=excluded.last_sentiment,
			assigned_agent_id=excluded.assigned_agent_id, topic=excluded.topic,
			required_skills=excluded.required_skills, language=excluded.language,
			preferred_agent_id=excluded.preferred_agent_id,
			enqueued_at=excluded.enqueued_at, assigned_at=excluded.assigned_at,
			greeted_at=excluded.greeted_at, resolved_at=excluded.resolved_at,
			last_activity_at=excluded.last_activity_at
	`, c.ID, c.CustomerID, string(channels), string(c.State), c.UrgencyScore, boolInt(c.ScoreLowConfidence),
		boolInt(c.Escalated), c.AutomationAttempts, c.LastSentiment, c.AssignedAgentID, c.Topic,
		string(skills), c.Language, c.PreferredAgentID,
		timePtr(c.EnqueuedAt), timePtr(c.AssignedAt), timePtr(c.GreetedAt), timePtr(c.ResolvedAt),
		c.CreatedAt.Format(time.RFC3339Nano), c.LastActivityAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("convstore: save: %w", err)
	}
	return nil
}

const conversationColumns = `id, customer_id, channels, state, urgency_score, score_low_confidence,
	escalated, automation_attempts, last_sentiment, assigned_agent_id, topic,
	required_skills, language, preferred_agent_id,
	enqueued_at, assigned_at, greeted_at, resolved_at, created_at, last_activity_at`

func (s *SQLiteStore) Get(id string) (*protocol.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("convstore: get: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE 1=1"
	var args []any

	if filter.State != nil {
		query += " AND state = ?"
		args = append(args, string(*filter.State))
	}
	if filter.CustomerID != "" {
		query += " AND customer_id = ?"
		args = append(args, filter.CustomerID)
	}
	if filter.AgentID != "" {
		query += " AND assigned_agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: list: %w", err)
	}
	defer rows.Close()

	var convs []*protocol.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("convstore: list scan: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) ActiveAssignments() (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT assigned_agent_id, COUNT(*) FROM conversations
		WHERE state = ? AND assigned_agent_id != ''
		GROUP BY assigned_agent_id
	`, string(protocol.StateAssigned))
	if err != nil {
		return nil, fmt.Errorf("convstore: active assignments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("convstore: active assignments scan: %w", err)
		}
		counts[agentID] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) RecordTransition(tr protocol.Transition) error {
	_, err := s.db.Exec(`
		INSERT INTO transitions (id, conversation_id, from_state, to_state, cause, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.ConversationID, string(tr.From), string(tr.To), tr.Cause, tr.Actor,
		tr.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("convstore: record transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Transitions(conversationID string) ([]protocol.Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, from_state, to_state, cause, actor, timestamp
		FROM transitions WHERE conversation_id = ? ORDER BY timestamp
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convstore: transitions: %w", err)
	}
	defer rows.Close()

	var trs []protocol.Transition
	for rows.Next() {
		var tr protocol.Transition
		var from, to, ts string
		if err := rows.Scan(&tr.ID, &tr.ConversationID, &from, &to, &tr.Cause, &tr.Actor, &ts); err != nil {
			return nil, fmt.Errorf("convstore: transitions scan: %w", err)
		}
		tr.From = protocol.State(from)
		tr.To = protocol.State(to)
		tr.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanConversation(row scannable) (*protocol.Conversation, error) {
	var c protocol.Conversation
	var channelsJSON, skillsJSON, state, createdAt, lastActivity string
	var lowConf, escalated int
	var enqueuedAt, assignedAt, greetedAt, resolvedAt *string

	err := row.Scan(&c.ID, &c.CustomerID, &channelsJSON, &state, &c.UrgencyScore, &lowConf,
		&escalated, &c.AutomationAttempts, &c.LastSentiment, &c.AssignedAgentID, &c.Topic,
		&skillsJSON, &c.Language, &c.PreferredAgentID,
		&enqueuedAt, &assignedAt, &greetedAt, &resolvedAt, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}

	c.State = protocol.State(state)
	c.ScoreLowConfidence = lowConf != 0
	c.Escalated = escalated != 0
	json.Unmarshal([]byte(channelsJSON), &c.Channels)
	if c.Channels == nil {
		c.Channels = []string{}
	}
	json.Unmarshal([]byte(skillsJSON), &c.RequiredSkills)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivity)
	c.EnqueuedAt = parseTimePtr(enqueuedAt)
	c.AssignedAt = parseTimePtr(assignedAt)
	c.GreetedAt = parseTimePtr(greetedAt)
	c.ResolvedAt = parseTimePtr(resolvedAt)
	return &c, nil
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
