package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/convoq-io/convoq/internal/convstore"
	"github.com/convoq-io/convoq/internal/dispatch"
	"github.com/convoq-io/convoq/internal/logbuf"
	"github.com/convoq-io/convoq/internal/roster"
	"github.com/convoq-io/convoq/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// CoreService is the interface the API server needs from the routing core.
type CoreService interface {
	Route(ctx context.Context, bundle protocol.SignalBundle) (*protocol.RoutingDecision, error)
	Resolve(ctx context.Context, conversationID, cause, actor string) error
	Greeted(ctx context.Context, conversationID, agentID string) error
	QueueStatus() protocol.QueueStatus

	Agents() []protocol.Agent
	Agent(id string) (protocol.Agent, bool)
	SetAgentStatus(id string, status protocol.AgentStatus) error
	RosterDegraded() bool
	SetRosterDegraded(degraded bool)

	Conversations(filter convstore.Filter) ([]*protocol.Conversation, error)
	Conversation(id string) (*protocol.Conversation, []protocol.Transition, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the convoq REST API server.
type Server struct {
	svc    CoreService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc CoreService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueueStatus))
	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("PUT /api/agents/{id}/status", s.requireAuth(s.handleSetAgentStatus))
	mux.HandleFunc("GET /api/roster/degraded", s.requireAuth(s.handleGetRosterDegraded))
	mux.HandleFunc("PUT /api/roster/degraded", s.requireAuth(s.handleSetRosterDegraded))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("POST /api/conversations/{id}/resolve", s.requireAuth(s.handleResolve))
	mux.HandleFunc("POST /api/conversations/{id}/greeted", s.requireAuth(s.handleGreeted))
	mux.HandleFunc("POST /api/signals", s.requireAuth(s.handlePostSignals))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.QueueStatus())
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Agents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := s.svc.Agent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type setStatusRequest struct {
	Status protocol.AgentStatus `json:"status"`
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	switch req.Status {
	case protocol.AgentAvailable, protocol.AgentBusy, protocol.AgentOffline:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	if err := s.svc.SetAgentStatus(id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type degradedRequest struct {
	Degraded bool `json:"degraded"`
}

func (s *Server) handleGetRosterDegraded(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, degradedRequest{Degraded: s.svc.RosterDegraded()})
}

// handleSetRosterDegraded is how the agent-presence collaborator reports an
// outage of its upstream directory. A degraded roster fails open: new
// conversations queue instead of being matched against stale presence.
func (s *Server) handleSetRosterDegraded(w http.ResponseWriter, r *http.Request) {
	var req degradedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	s.svc.SetRosterDegraded(req.Degraded)
	writeJSON(w, http.StatusOK, degradedRequest{Degraded: req.Degraded})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter := convstore.Filter{}
	if state := r.URL.Query().Get("state"); state != "" {
		st := protocol.State(state)
		filter.State = &st
	}
	if customer := r.URL.Query().Get("customer"); customer != "" {
		filter.CustomerID = customer
	}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		filter.AgentID = agent
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	convs, err := s.svc.Conversations(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type conversationResponse struct {
	*protocol.Conversation
	Transitions []protocol.Transition `json:"transitions"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, transitions, err := s.svc.Conversation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: c, Transitions: transitions})
}

type resolveRequest struct {
	Cause string `json:"cause"`
	Actor string `json:"actor"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Cause == "" {
		req.Cause = "resolved via api"
	}
	if err := s.svc.Resolve(r.Context(), id, req.Cause, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type greetedRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleGreeted(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req greetedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := s.svc.Greeted(r.Context(), id, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePostSignals(w http.ResponseWriter, r *http.Request) {
	var bundle protocol.SignalBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if bundle.Message.CustomerID == "" && bundle.Message.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_id or customer_id is required"})
		return
	}

	decision, err := s.svc.Route(r.Context(), bundle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, convstore.ErrNotFound), errors.Is(err, roster.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrConversationClosed),
		errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrAlreadyAssigned):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
