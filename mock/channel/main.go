// Command channel runs a headless relay channel endpoint that simulates a
// browser tab attached to the gateway. It is used for E2E/load testing
// without a real browser: it registers over the WebSocket handshake and
// answers every dispatched generation with a canned streamed reply.
//
// Environment:
//
//	GATEWAY_WS        — handshake URL (default ws://localhost:8080/ws)
//	CLIENT_KEY        — the client key to register under (default mock-key-0123456789)
//	MOCK_LATENCY_MS   — delay between streamed fragments (default 50)
//	MOCK_STREAM_WORDS — words per generated reply (default 20)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
)

const lorem = "the quick brown fox jumps over the lazy dog and keeps on running through the quiet green field"

type config struct {
	url       string
	key       string
	latency   time.Duration
	wordCount int
}

func loadConfig() config {
	c := config{
		url:       "ws://localhost:8080/ws",
		key:       "mock-key-0123456789",
		latency:   50 * time.Millisecond,
		wordCount: 20,
	}
	if v := os.Getenv("GATEWAY_WS"); v != "" {
		c.url = v
	}
	if v := os.Getenv("CLIENT_KEY"); v != "" {
		c.key = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.wordCount = n
		}
	}
	return c
}

// command mirrors the gateway's outbound channel frames.
type command struct {
	Type string `json:"type"`
}

type event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// endpoint is one registered mock channel. Writes are serialized; at most
// one generation runs at a time and stop_generation cancels it.
type endpoint struct {
	conn    *websocket.Conn
	log     *slog.Logger
	latency time.Duration
	words   []string

	writeMu sync.Mutex

	genMu  sync.Mutex
	cancel context.CancelFunc
}

func main() {
	cfg := loadConfig()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := cfg.url + "?key=" + cfg.key
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Error("dial failed", "url", cfg.url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	words := strings.Fields(lorem)
	for len(words) < cfg.wordCount {
		words = append(words, words...)
	}

	ep := &endpoint{
		conn:    conn,
		log:     log,
		latency: cfg.latency,
		words:   words[:cfg.wordCount],
	}

	log.Info("channel registered", "url", cfg.url)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	ep.serve(ctx)
}

// serve handles inbound commands until the connection dies.
func (e *endpoint) serve(ctx context.Context) {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.log.Info("connection closed", "error", err)
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			e.log.Warn("bad frame", "error", err)
			continue
		}

		switch cmd.Type {
		case "start_generate":
			e.startGeneration(ctx)
		case "stop_generation":
			e.stopGeneration()
		default:
			e.log.Debug("ignoring frame", "type", cmd.Type)
		}
	}
}

func (e *endpoint) startGeneration(ctx context.Context) {
	e.genMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	genCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.genMu.Unlock()

	go e.generate(genCtx)
}

func (e *endpoint) stopGeneration() {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// generate streams the canned reply word by word, then signals done.
func (e *endpoint) generate(ctx context.Context) {
	for i, w := range e.words {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.latency):
		}

		fragment := w
		if i < len(e.words)-1 {
			fragment += " "
		}
		if err := e.send(event{Type: "message", Content: fragment}); err != nil {
			e.log.Warn("send failed", "error", err)
			return
		}
	}
	if err := e.send(event{Type: "done"}); err != nil {
		e.log.Warn("send done failed", "error", err)
	}
}

func (e *endpoint) send(ev event) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := e.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", ev.Type, err)
	}
	return nil
}
