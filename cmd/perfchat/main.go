package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/concierge/internal/protocol"
)

type options struct {
	baseURL        string
	projectID      string
	userID         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

var defaultQueries = []string{
	"What plot sizes are available?",
	"Show me the clubhouse.",
	"How far is the airport?",
	"What amenities are included?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "concierge base URL")
	fs.StringVar(&cfg.projectID, "project", "krupal-habitat", "project id to chat with")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 45000, "timeout waiting for a turn result in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "queries separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.projectID) == "" {
		return options{}, fmt.Errorf("project is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultQueries...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty queries")
		}
	}
	return cfg, nil
}

type wsEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL, err := chatURL(cfg.baseURL, cfg.projectID, cfg.userID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionReset}); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}

	latencies := make([]time.Duration, 0, cfg.turns)
	outcomes := map[string]int{}
	for i := 0; i < cfg.turns; i++ {
		query := cfg.texts[i%len(cfg.texts)]
		requestID := fmt.Sprintf("perf-%d", i+1)
		started := time.Now()
		if err := conn.WriteJSON(protocol.ClientQuery{
			Type:      protocol.TypeClientQuery,
			RequestID: requestID,
			QueryText: query,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		env, err := awaitResult(conn, requestID, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await result: %w", i+1, err)
		}
		elapsed := time.Since(started)
		latencies = append(latencies, elapsed)
		outcome := env.Outcome
		if env.Type == string(protocol.TypeErrorEvent) {
			outcome = "error:" + env.Code
		}
		outcomes[outcome]++
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d %q -> %s in %s\n", i+1, cfg.turns, query, outcome, elapsed.Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Printf("perfchat: turns=%d p50=%s p95=%s max=%s outcomes=%v\n",
		len(latencies),
		percentile(latencies, 50).Round(time.Millisecond),
		percentile(latencies, 95).Round(time.Millisecond),
		percentile(latencies, 100).Round(time.Millisecond),
		outcomes,
	)
	return printServerStages(ctx, cfg.baseURL)
}

// awaitResult skips system events until the result for requestID arrives.
func awaitResult(conn *websocket.Conn, requestID string, timeout time.Duration) (wsEnvelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return wsEnvelope{}, err
		}
		switch env.Type {
		case string(protocol.TypeTurnResult), string(protocol.TypeErrorEvent):
			if env.RequestID == requestID || env.RequestID == "" {
				return env, nil
			}
		}
	}
}

func printServerStages(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("fetch stage latency: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("stage latency HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("perfchat: server stages %s\n", out)
	return nil
}

func chatURL(baseURL, projectID, userID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/projects/" + url.PathEscape(projectID) + "/chat/ws"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
