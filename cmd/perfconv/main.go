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
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/parakeet/internal/protocol"
	"github.com/antoniostano/parakeet/internal/session"
)

// perfconv drives a running `parakeet serve` through its control websocket:
// start, wait for the first committed turn, stop, repeat. It reports the
// client-side latencies and the server's rolling latency window.

type options struct {
	baseURL     string
	runs        int
	turnTimeout time.Duration
	interRun    time.Duration
	verbose     bool
}

type runResult struct {
	toListening time.Duration
	toFirstTurn time.Duration
	toIdle      time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfconv: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfconv: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("perfconv", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "parakeet control server base URL")
	fs.IntVar(&cfg.runs, "runs", 5, "number of start/stop cycles")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 20*time.Second, "timeout waiting for the first committed turn")
	fs.DurationVar(&cfg.interRun, "inter-run", 250*time.Millisecond, "delay between cycles")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-run progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.runs <= 0 {
		return options{}, fmt.Errorf("runs must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	if cfg.interRun < 0 {
		cfg.interRun = 0
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.runs)*(cfg.turnTimeout+5*time.Second))
	defer cancel()

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	states := make(chan protocol.ConversationState, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, states, readErr)

	results := make([]runResult, 0, cfg.runs)
	for i := 0; i < cfg.runs; i++ {
		res, err := runOnce(conn, states, readErr, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("perfconv: run=%d listening=%s first_turn=%s idle=%s\n", i+1, res.toListening, res.toFirstTurn, res.toIdle)
		}
		time.Sleep(cfg.interRun)
	}

	printSummary(os.Stdout, results)
	return printServerWindow(ctx, cfg.baseURL)
}

func runOnce(conn *websocket.Conn, states <-chan protocol.ConversationState, readErr <-chan error, timeout time.Duration) (runResult, error) {
	var res runResult
	drain(states)
	begin := time.Now()
	if err := sendControl(conn, protocol.ActionStart); err != nil {
		return res, err
	}
	startHistory := -1

	err := awaitState(states, readErr, timeout, func(st protocol.ConversationState) (bool, error) {
		if st.Status == session.StatusError {
			return false, fmt.Errorf("conversation failed: %s", st.LastError)
		}
		if res.toListening == 0 && st.Status == session.StatusListening {
			res.toListening = time.Since(begin)
			startHistory = len(st.History)
		}
		return startHistory >= 0 && len(st.History) > startHistory, nil
	})
	if err != nil {
		return res, err
	}
	res.toFirstTurn = time.Since(begin)

	stopAt := time.Now()
	if err := sendControl(conn, protocol.ActionStop); err != nil {
		return res, err
	}
	err = awaitState(states, readErr, 5*time.Second, func(st protocol.ConversationState) (bool, error) {
		return st.Status == session.StatusIdle, nil
	})
	res.toIdle = time.Since(stopAt)
	return res, err
}

func awaitState(states <-chan protocol.ConversationState, readErr <-chan error, timeout time.Duration, done func(protocol.ConversationState) (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st := <-states:
			ok, err := done(st)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		case err := <-readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func drain(states <-chan protocol.ConversationState) {
	for {
		select {
		case <-states:
		default:
			return
		}
	}
}

func readLoop(conn *websocket.Conn, states chan<- protocol.ConversationState, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeConversationState:
			var st protocol.ConversationState
			if err := json.Unmarshal(data, &st); err == nil {
				states <- st
			}
		case protocol.TypeErrorEvent:
			var ev protocol.ErrorEvent
			if err := json.Unmarshal(data, &ev); err == nil {
				fmt.Fprintf(os.Stderr, "perfconv: server error code=%s detail=%s\n", ev.Code, ev.Detail)
			}
		}
	}
}

func sendControl(conn *websocket.Conn, action string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(protocol.ClientControl{
		Type:   protocol.TypeClientControl,
		Action: action,
		TSMs:   time.Now().UnixMilli(),
	})
}

func wsURLFor(baseURL string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversation/ws"
	return u.String(), nil
}

type percentiles struct {
	p50, p95, max time.Duration
}

func summarize(values []time.Duration) percentiles {
	if len(values) == 0 {
		return percentiles{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	at := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1)+0.5)]
	}
	return percentiles{p50: at(0.50), p95: at(0.95), max: sorted[len(sorted)-1]}
}

func printSummary(w io.Writer, results []runResult) {
	pick := func(f func(runResult) time.Duration) percentiles {
		vals := make([]time.Duration, 0, len(results))
		for _, r := range results {
			vals = append(vals, f(r))
		}
		return summarize(vals)
	}
	rows := []struct {
		name string
		p    percentiles
	}{
		{"start_to_listening", pick(func(r runResult) time.Duration { return r.toListening })},
		{"start_to_first_turn", pick(func(r runResult) time.Duration { return r.toFirstTurn })},
		{"stop_to_idle", pick(func(r runResult) time.Duration { return r.toIdle })},
	}
	fmt.Fprintf(w, "perfconv: %d runs\n", len(results))
	for _, row := range rows {
		fmt.Fprintf(w, "  %-20s p50=%-10s p95=%-10s max=%s\n", row.name, row.p.p50, row.p.p95, row.p.max)
	}
}

func printServerWindow(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	fmt.Printf("server latency window: %s\n", strings.TrimSpace(string(body)))
	return nil
}
