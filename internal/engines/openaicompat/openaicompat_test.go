package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

func newTestEngine(srv *httptest.Server) *Engine {
	return New("openai", "mock-api-key", srv.URL)
}

func baseRequest() *engines.GenerationRequest {
	return &engines.GenerationRequest{
		Messages: []engines.Message{{Role: "user", Content: "Hello"}},
		Settings: engines.DefaultSettings(),
	}
}

func TestEngine_Name(t *testing.T) {
	e := New("groq", "key", "https://api.groq.com/openai/v1")
	if e.Name() != "groq" {
		t.Fatalf("expected 'groq', got %q", e.Name())
	}
}

func TestEngine_Complete(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "gpt-4o" {
			t.Errorf("expected model 'gpt-4o', got %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "Hello" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	e := newTestEngine(srv)
	resp, err := e.Complete(context.Background(), "gpt-4o", baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", resp.Model)
	}
}

func TestEngine_Complete_ForwardsZeroSamplingValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// An explicit temperature of 0 must reach the backend, not be
		// mistaken for "unset" and dropped.
		for _, field := range []string{"temperature", "top_p"} {
			raw, ok := body[field]
			if !ok {
				t.Errorf("request is missing %q", field)
				continue
			}
			if string(raw) != "0" {
				t.Errorf("%s = %s, want 0", field, raw)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":0,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	req := &engines.GenerationRequest{
		Messages: []engines.Message{{Role: "user", Content: "Hello"}},
		Settings: engines.Settings{Temperature: 0, TopP: 0, MaxTokens: 64},
	}

	e := newTestEngine(srv)
	if _, err := e.Complete(context.Background(), "gpt-4o", req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngine_CompleteStream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	e := newTestEngine(srv)

	var got []string
	err := e.CompleteStream(context.Background(), "gpt-4o", baseRequest(), func(fragment string) {
		got = append(got, fragment)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(got, "") != "Hello world" {
		t.Errorf("expected 'Hello world', got %q from %v", strings.Join(got, ""), got)
	}
}

func TestEngine_Complete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	e := newTestEngine(srv)
	_, err := e.Complete(context.Background(), "gpt-4o", baseRequest())
	if err == nil {
		t.Fatal("expected an error")
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected an *EngineError, got %T: %v", err, err)
	}
	if ee.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", ee.HTTPStatus())
	}
}
