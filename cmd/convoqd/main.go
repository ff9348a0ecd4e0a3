package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	apiPkg "github.com/convoq-io/convoq/internal/api"
	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/internal/convstore"
	"github.com/convoq-io/convoq/internal/dispatch"
	"github.com/convoq-io/convoq/internal/event"
	"github.com/convoq-io/convoq/internal/logbuf"
	"github.com/convoq-io/convoq/internal/queue"
	"github.com/convoq-io/convoq/internal/roster"
	"github.com/convoq-io/convoq/internal/scoring"
	"github.com/convoq-io/convoq/internal/supervisor"
	"github.com/convoq-io/convoq/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Local .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("convoqd starting", "core_id", cfg.Core.ID)

	// Conversation store
	os.MkdirAll(cfg.Core.DataDir, 0o755)
	dbPath := cfg.Core.DataDir + "/conversations.db"
	store, err := convstore.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open conversation store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Event publishers: in-process bus always, Kafka when brokers are set.
	bus := event.NewBus(logger.With("component", "bus"))
	publishers := event.Multi{bus}
	if len(cfg.Events.Brokers) > 0 {
		kafka := event.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, logger.With("component", "kafka"))
		defer kafka.Close()
		publishers = append(publishers, kafka)
		logger.Info("kafka publisher enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	// Roster seeded from config; presence updates come in over the API.
	ros := roster.New(logger.With("component", "roster"))
	for _, a := range cfg.Agents {
		ros.Upsert(a)
	}

	q := queue.New()
	coord := dispatch.NewCoordinator(store, ros, q, publishers, logger.With("component", "dispatch"))
	scorer := scoring.New(cfg.Policy, &storeHistory{store: store}, logger.With("component", "scoring"))
	router := dispatch.NewRouter(scorer, coord, cfg.Policy, logger.With("component", "router"))
	sup := supervisor.New(store, coord, router, ros, q, publishers, cfg.Policy, logger.With("component", "supervisor"))

	// Rebuild the queue from the store so waiting conversations survive a
	// restart, then run one sweep to reconcile workloads immediately.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := sup.RestoreQueue(); err != nil {
		logger.Error("queue restore failed", "error", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("queue restored", "entries", n)
	}
	sup.Tick(ctx)

	go safeGo(logger, "supervisor", func() { sup.Start(ctx) })

	svc := &coreService{store: store, roster: ros, coord: coord, router: router}
	apiSrv := apiPkg.NewServer(svc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("convoqd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// coreService implements api.CoreService on the routing components.
type coreService struct {
	store  convstore.Store
	roster *roster.Roster
	coord  *dispatch.Coordinator
	router *dispatch.Router
}

func (s *coreService) Route(ctx context.Context, bundle protocol.SignalBundle) (*protocol.RoutingDecision, error) {
	return s.router.Route(ctx, bundle)
}

func (s *coreService) Resolve(ctx context.Context, conversationID, cause, actor string) error {
	return s.coord.Resolve(ctx, conversationID, cause, actor)
}

func (s *coreService) Greeted(ctx context.Context, conversationID, agentID string) error {
	return s.coord.MarkGreeted(ctx, conversationID, agentID)
}

func (s *coreService) QueueStatus() protocol.QueueStatus {
	return s.router.QueueStatus()
}

func (s *coreService) Agents() []protocol.Agent {
	return s.roster.Snapshot()
}

func (s *coreService) Agent(id string) (protocol.Agent, bool) {
	return s.roster.Get(id)
}

func (s *coreService) SetAgentStatus(id string, status protocol.AgentStatus) error {
	return s.roster.SetStatus(id, status)
}

func (s *coreService) RosterDegraded() bool {
	return s.roster.Degraded()
}

func (s *coreService) SetRosterDegraded(degraded bool) {
	s.roster.SetDegraded(degraded)
}

func (s *coreService) Conversations(filter convstore.Filter) ([]*protocol.Conversation, error) {
	return s.store.List(filter)
}

func (s *coreService) Conversation(id string) (*protocol.Conversation, []protocol.Transition, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	trs, err := s.store.Transitions(id)
	if err != nil {
		return nil, nil, err
	}
	return c, trs, nil
}

// storeHistory answers repeat-contact lookups from the conversation store:
// a customer's prior conversations are their contact history.
type storeHistory struct {
	store convstore.Store
}

func (h *storeHistory) RecentContacts(_ context.Context, customerID string, since time.Time) ([]protocol.ContactRecord, error) {
	convs, err := h.store.List(convstore.Filter{CustomerID: customerID})
	if err != nil {
		return nil, err
	}
	var contacts []protocol.ContactRecord
	for _, c := range convs {
		// Only closed conversations count as prior contacts; the one
		// being routed is still active.
		if c.State.Active() || c.CreatedAt.Before(since) {
			continue
		}
		contacts = append(contacts, protocol.ContactRecord{
			Topic:     c.Topic,
			Timestamp: c.CreatedAt,
		})
	}
	return contacts, nil
}
