package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/convoq-io/convoq/internal/config"
	"github.com/convoq-io/convoq/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "queue":
		cmdQueue()
	case "agents":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: convoqctl agents <list|show|status>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdAgentsList()
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: convoqctl agents show <id>")
				os.Exit(1)
			}
			cmdAgentsShow(os.Args[3])
		case "status":
			if len(os.Args) < 5 {
				fmt.Fprintln(os.Stderr, "usage: convoqctl agents status <id> <available|busy|offline>")
				os.Exit(1)
			}
			cmdAgentsStatus(os.Args[3], os.Args[4])
		case "degraded":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: convoqctl agents degraded <true|false>")
				os.Exit(1)
			}
			cmdAgentsDegraded(os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown agents subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "conversations":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: convoqctl conversations <list|show|resolve>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdConversationsList(os.Args[3:])
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: convoqctl conversations show <id>")
				os.Exit(1)
			}
			cmdConversationsShow(os.Args[3])
		case "resolve":
			cmdConversationsResolve(os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "unknown conversations subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "route":
		cmdRoute(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: convoqctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdQueue() {
	body, err := apiGet("/api/queue")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var status protocol.QueueStatus
	if err := json.Unmarshal(body, &status); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Printf("queued: %d  avg wait: %s\n", status.TotalQueued, status.AverageWaitTime)
	for score := 10; score >= 1; score-- {
		if n := status.QueuedByUrgency[score]; n > 0 {
			fmt.Printf("  urgency %2d: %d\n", score, n)
		}
	}
}

func cmdAgentsList() {
	body, err := apiGet("/api/agents")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var agents []protocol.Agent
	json.Unmarshal(body, &agents)
	for _, a := range agents {
		fmt.Printf("%-20s %-10s %d/%d\n", a.ID, a.Status, a.CurrentWorkload, a.MaxWorkload)
	}
}

func cmdAgentsShow(id string) {
	body, err := apiGet("/api/agents/" + id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdAgentsStatus(id, status string) {
	payload, _ := json.Marshal(map[string]string{"status": status})
	body, err := apiSend("PUT", "/api/agents/"+id+"/status", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdAgentsDegraded(value string) {
	degraded, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: convoqctl agents degraded <true|false>")
		os.Exit(1)
	}
	payload, _ := json.Marshal(map[string]bool{"degraded": degraded})
	body, err := apiSend("PUT", "/api/roster/degraded", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdConversationsList(args []string) {
	fs := flag.NewFlagSet("conversations list", flag.ExitOnError)
	state := fs.String("state", "", "Filter by state (automated|queued|assigned|escalated|resolved|archived)")
	customer := fs.String("customer", "", "Filter by customer")
	agentID := fs.String("agent", "", "Filter by assigned agent")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *state != "" {
		query += "&state=" + *state
	}
	if *customer != "" {
		query += "&customer=" + *customer
	}
	if *agentID != "" {
		query += "&agent=" + *agentID
	}

	body, err := apiGet("/api/conversations" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var convs []protocol.Conversation
	json.Unmarshal(body, &convs)
	for _, c := range convs {
		fmt.Printf("%-36s %-10s urgency %2d  agent %s\n", c.ID, c.State, c.UrgencyScore, orDash(c.AssignedAgentID))
	}
}

func cmdConversationsShow(id string) {
	body, err := apiGet("/api/conversations/" + id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdConversationsResolve(args []string) {
	fs := flag.NewFlagSet("conversations resolve", flag.ExitOnError)
	cause := fs.String("cause", "resolved via convoqctl", "Resolution cause")
	actor := fs.String("actor", "", "Resolving agent ID")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoqctl conversations resolve [flags] <id>")
		os.Exit(1)
	}
	id := fs.Arg(0)

	payload, _ := json.Marshal(map[string]string{"cause": *cause, "actor": *actor})
	body, err := apiSend("POST", "/api/conversations/"+id+"/resolve", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

// cmdRoute submits a signal bundle for routing, the same call the channel
// ingestion services make.
func cmdRoute(args []string) {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	convID := fs.String("conversation", "", "Conversation ID (empty starts a new one)")
	customer := fs.String("customer", "", "Customer ID")
	channel := fs.String("channel", "chat", "Channel")
	content := fs.String("message", "", "Message content")
	intent := fs.String("intent", "inquiry", "Intent category")
	confidence := fs.Float64("confidence", 0.5, "Intent confidence")
	sentiment := fs.Float64("sentiment", 0, "Sentiment score in [-1,1]")
	tier := fs.String("tier", "", "Customer tier")
	topic := fs.String("topic", "", "Issue topic")
	fs.Parse(args)

	if *content == "" {
		fmt.Fprintln(os.Stderr, "error: --message is required")
		os.Exit(1)
	}

	bundle := protocol.SignalBundle{
		Message: protocol.UnifiedMessage{
			ConversationID: *convID,
			CustomerID:     *customer,
			Channel:        *channel,
			Content:        *content,
			Timestamp:      time.Now(),
		},
		Intent:    protocol.IntentResult{Category: *intent, Confidence: *confidence},
		Sentiment: protocol.SentimentResult{Score: *sentiment},
		Profile:   protocol.CustomerProfile{CustomerID: *customer, Tier: *tier},
		Topic:     *topic,
	}
	payload, _ := json.Marshal(bundle)

	body, err := apiSend("POST", "/api/signals", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}
	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiSend("GET", path, nil)
}

func apiSend(method, path string, payload []byte) ([]byte, error) {
	base := envOr("CONVOQ_API_URL", "http://localhost:8080")

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("CONVOQ_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printUsage() {
	fmt.Println("convoqctl — conversation routing CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                        Check daemon health")
	fmt.Println("  queue                         Show queue status")
	fmt.Println("  agents list                   List agents with workload")
	fmt.Println("  agents show <id>              Show agent details")
	fmt.Println("  agents status <id> <status>   Set agent presence")
	fmt.Println("  agents degraded <true|false>  Toggle roster degraded mode (fail open)")
	fmt.Println("  conversations list            List conversations (--state, --customer, --agent, --limit)")
	fmt.Println("  conversations show <id>       Show a conversation with its transitions")
	fmt.Println("  conversations resolve <id>    Resolve a conversation (--cause, --actor)")
	fmt.Println("  route                         Submit a signal bundle (--message, --customer, ...)")
	fmt.Println("  logs                          Tail daemon logs (--level, --limit)")
	fmt.Println("  config validate <path>        Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CONVOQ_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  CONVOQ_API_KEY   API key for authentication")
}
