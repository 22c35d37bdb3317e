// Package proxy is the gateway HTTP surface.
//
// The Gateway binds the completion relay, the session registry, the failover
// engine, the transcript dedup log and the rate limiter to fasthttp routes.
//
// Key design constraints:
//   - Logger, metrics and rate limiter are optional and nil-safe.
//   - Streaming responses are SSE; the relay drives the chunk lifecycle.
//   - Client keys never appear in logs or error bodies unobfuscated.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relaymesh/relay-gateway/internal/dedup"
	"github.com/relaymesh/relay-gateway/internal/engines"
	"github.com/relaymesh/relay-gateway/internal/failover"
	"github.com/relaymesh/relay-gateway/internal/logger"
	"github.com/relaymesh/relay-gateway/internal/metrics"
	"github.com/relaymesh/relay-gateway/internal/ratelimit"
	"github.com/relaymesh/relay-gateway/internal/relay"
	"github.com/relaymesh/relay-gateway/internal/session"
	"github.com/relaymesh/relay-gateway/pkg/apierr"
)

// Options holds optional Gateway dependencies. All fields may be left zero.
type Options struct {
	// Logger is the structured logger for handler diagnostics.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Disabled when nil.
	Metrics *metrics.Registry

	// Limiter applies per-(credential, path) rate limiting. Disabled when nil.
	Limiter ratelimit.Limiter

	// RequestLogger is the async per-call record sink. Disabled when nil.
	RequestLogger *logger.Logger

	// CORSOrigins is the allowed-origin list; empty means allow all.
	CORSOrigins []string

	// MinKeyLength is the minimum accepted client key length.
	// Default: session.MinKeyLength.
	MinKeyLength int
}

// Gateway is the HTTP front of the relay — all dependencies are injected via
// the constructor so they can be replaced with fakes in unit tests.
type Gateway struct {
	registry *session.Registry
	relay    *relay.Relay
	engine   *failover.Engine
	dedup    *dedup.Log

	limiter   ratelimit.Limiter
	reqLogger *logger.Logger
	metrics   *metrics.Registry
	baseCtx   context.Context
	log       *slog.Logger

	upgrader    websocket.FastHTTPUpgrader
	corsOrigins []string
	minKeyLen   int
	startedAt   time.Time
}

// New creates a Gateway. engine may be nil when no backend engines are
// configured; the relay path works without any.
func New(
	baseCtx context.Context,
	registry *session.Registry,
	rly *relay.Relay,
	engine *failover.Engine,
	dedupLog *dedup.Log,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("proxy: context must not be nil")
	}
	if registry == nil || rly == nil || dedupLog == nil {
		panic("proxy: registry, relay and dedup log are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	minKeyLen := opts.MinKeyLength
	if minKeyLen < 1 {
		minKeyLen = session.MinKeyLength
	}

	return &Gateway{
		registry:  registry,
		relay:     rly,
		engine:    engine,
		dedup:     dedupLog,
		limiter:   opts.Limiter,
		reqLogger: opts.RequestLogger,
		metrics:   opts.Metrics,
		baseCtx:   baseCtx,
		log:       log,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser extensions and local pages attach from arbitrary
			// origins; the key query parameter is the credential.
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
		corsOrigins: opts.CORSOrigins,
		minKeyLen:   minKeyLen,
		startedAt:   time.Now(),
	}
}

// ── Inbound / outbound types ──────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest is the chat-completion body shared by the relay and the
	// engine-routed endpoints. Sampling fields are pointers so an explicit
	// zero can be told apart from an omitted field.
	inboundRequest struct {
		Messages          []inboundMessage `json:"messages"`
		Temperature       *float64         `json:"temperature"`
		MaxTokens         *int             `json:"max_tokens"`
		TopP              *float64         `json:"top_p"`
		FrequencyPenalty  *float64         `json:"frequency_penalty"`
		PresencePenalty   *float64         `json:"presence_penalty"`
		RepetitionPenalty *float64         `json:"repetition_penalty"`
		Stream            *bool            `json:"stream"`
		NonStream         bool             `json:"non_stream"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	completionResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model,omitempty"`
		Choices []outboundChoice `json:"choices"`
	}
)

// streaming reports the requested delivery mode. Streaming is the default;
// either stream:false or non_stream:true selects the aggregated mode.
func (r *inboundRequest) streaming() bool {
	if r.NonStream {
		return false
	}
	if r.Stream != nil {
		return *r.Stream
	}
	return true
}

func (r *inboundRequest) toGeneration() *engines.GenerationRequest {
	s := engines.DefaultSettings()
	if r.Temperature != nil {
		s.Temperature = *r.Temperature
	}
	if r.MaxTokens != nil {
		s.MaxTokens = *r.MaxTokens
	}
	if r.TopP != nil {
		s.TopP = *r.TopP
	}
	if r.FrequencyPenalty != nil {
		s.FrequencyPenalty = *r.FrequencyPenalty
	}
	if r.PresencePenalty != nil {
		s.PresencePenalty = *r.PresencePenalty
	}
	if r.RepetitionPenalty != nil {
		s.RepetitionPenalty = *r.RepetitionPenalty
	}

	msgs := make([]engines.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = engines.Message{Role: m.Role, Content: m.Content}
	}
	return &engines.GenerationRequest{Messages: msgs, Settings: s}
}

func parseBody(ctx *fasthttp.RequestCtx) (*inboundRequest, bool) {
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return nil, false
	}
	if len(req.Messages) == 0 {
		apierr.WriteBadRequest(ctx, "field 'messages' must not be empty")
		return nil, false
	}
	return &req, true
}

// ── Relay completions: POST /v1/chat/completions ─────────────────────────────

func (g *Gateway) handleRelayCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "relay_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the body stream writer
		}
		g.metrics.DecInFlight()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	key := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if key == "" {
		apierr.WriteUnauthorized(ctx, "missing bearer token", apierr.CodeInvalidAPIKey)
		return
	}
	if len(key) < g.minKeyLen {
		apierr.WriteUnauthorized(ctx, "invalid client key", apierr.CodeInvalidAPIKey)
		return
	}

	req, ok := parseBody(ctx)
	if !ok {
		return
	}

	ch, ok := g.registry.Lookup(key)
	if !ok {
		g.log.InfoContext(ctx, "proxy.no_destination", "key", session.ObfuscateKey(key))
		apierr.WriteUnauthorized(ctx, "no active destination for this key", apierr.CodeNoDestination)
		return
	}

	genReq := req.toGeneration()

	g.log.InfoContext(ctx, "proxy.relay_request",
		"request_id", reqID,
		"key", session.ObfuscateKey(key),
		"messages", len(genReq.Messages),
		"stream", req.streaming(),
	)

	if !req.streaming() {
		content, err := g.relay.Aggregate(ctx, ch, genReq)
		if err != nil {
			g.log.WarnContext(ctx, "proxy.relay_failed",
				"request_id", reqID,
				"key", session.ObfuscateKey(key),
				"error", err,
			)
			writeRelayError(ctx, err)
			g.logRequest(reqID, route, "relay_aggregate", key, "", 0, time.Since(start), ctx.Response.StatusCode())
			return
		}
		respBytes = writeCompletion(ctx, "", "", content)
		g.logRequest(reqID, route, "relay_aggregate", key, "", len(content), time.Since(start), fasthttp.StatusOK)
		return
	}

	streaming = true
	writeSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(g.streamWriter(func(sink *sseSink) (string, int, error) {
		err := g.relay.Stream(g.baseCtx, ch, genReq, sink)
		return "", sink.chars, err
	}, streamLogEntry{
		requestID: reqID,
		route:     route,
		mode:      "relay_stream",
		key:       key,
		start:     start,
		reqBytes:  reqBytes,
	}))
}

// writeRelayError maps a relay failure to the client-facing response. A
// confirmed client disconnect gets no body: nobody is left to read it.
func writeRelayError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, relay.ErrClientGone):
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	case errors.Is(err, relay.ErrChannelGone):
		apierr.WriteInternal(ctx, "destination disconnected before completion", apierr.CodeInternalError)
	case errors.Is(err, relay.ErrTooManyFailures):
		apierr.WriteInternal(ctx, "completion aborted after repeated delivery failures", apierr.CodeInternalError)
	default:
		apierr.WriteInternal(ctx, "completion failed", apierr.CodeInternalError)
	}
}

// ── Engine completions: POST /v2/chat/completions ────────────────────────────

func (g *Gateway) handleEngineCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "engine_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	if g.engine == nil {
		apierr.WriteInternal(ctx, "no backend engines configured", apierr.CodeAllEnginesFailed)
		return
	}

	req, ok := parseBody(ctx)
	if !ok {
		return
	}
	genReq := req.toGeneration()
	key := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))

	g.log.InfoContext(ctx, "proxy.engine_request",
		"request_id", reqID,
		"messages", len(genReq.Messages),
		"stream", req.streaming(),
	)

	if !req.streaming() {
		comp, err := g.engine.Generate(ctx, genReq)
		if err != nil {
			g.log.ErrorContext(ctx, "proxy.engines_exhausted",
				"request_id", reqID,
				"error", err,
			)
			apierr.WriteInternal(ctx, "all engines failed", apierr.CodeAllEnginesFailed)
			g.logRequest(reqID, route, "engine", key, "", 0, time.Since(start), fasthttp.StatusInternalServerError)
			return
		}
		respBytes = writeCompletion(ctx, comp.ID, comp.Model, comp.Content)
		g.logRequest(reqID, route, "engine", key, comp.Model, len(comp.Content), time.Since(start), fasthttp.StatusOK)
		return
	}

	streaming = true
	writeSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(g.streamWriter(func(sink *sseSink) (string, int, error) {
		model, sent, err := g.engine.GenerateStream(g.baseCtx, genReq, func(fragment string) {
			if emitErr := sink.Emit(fragment); emitErr != nil {
				g.log.Debug("proxy.engine_stream_write_failed", "error", emitErr)
			}
		})
		if err != nil {
			// Headers are long gone; the failure travels inline.
			if sent > 0 {
				sink.Notify("generation interrupted")
			} else {
				sink.Notify("all engines failed")
			}
		}
		if ferr := sink.Finalize(); ferr != nil {
			g.log.Debug("proxy.engine_stream_finalize_failed", "error", ferr)
		}
		return model, sink.chars, err
	}, streamLogEntry{
		requestID: reqID,
		route:     route,
		mode:      "engine",
		key:       key,
		start:     start,
		reqBytes:  reqBytes,
	}))
}

// ── Transcripts: POST /v1/transcripts ────────────────────────────────────────

func (g *Gateway) handleTranscripts(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var req struct {
		Messages []inboundMessage `json:"messages"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	msgs := make([]engines.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = engines.Message{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	err := g.dedup.Submit(msgs)
	switch {
	case err == nil:
		g.recordTranscript("accepted")
		writeJSON(ctx, map[string]any{"accepted": true})
	case errors.Is(err, dedup.ErrDuplicate):
		g.recordTranscript("duplicate")
		ctx.SetStatusCode(fasthttp.StatusConflict)
		writeJSON(ctx, map[string]any{"accepted": false, "reason": "duplicate"})
	case errors.Is(err, dedup.ErrEmpty):
		g.recordTranscript("empty")
		apierr.WriteBadRequest(ctx, "transcript is empty")
	default:
		apierr.WriteInternal(ctx, "transcript submission failed", apierr.CodeInternalError)
	}
	g.logRequest(reqID, "transcripts", "transcript", "", "", 0, time.Since(start), ctx.Response.StatusCode())
}

func (g *Gateway) recordTranscript(result string) {
	if g.metrics != nil {
		g.metrics.RecordTranscript(result)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// writeCompletion writes the aggregated completion envelope and returns the
// body size. An empty id gets a generated one.
func writeCompletion(ctx *fasthttp.RequestCtx, id, model, content string) int {
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}
	out := completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response", apierr.CodeInternalError)
		return len(ctx.Response.Body())
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	return len(body)
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, route, mode, key, model string,
	chars int,
	latency time.Duration,
	status int,
) {
	if g.reqLogger == nil {
		return
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}

	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:        id,
		Route:     route,
		Mode:      mode,
		Key:       session.ObfuscateKey(key),
		Model:     model,
		Chars:     uint32(chars),
		LatencyMs: uint32(latencyMs),
		Status:    uint16(status),
		CreatedAt: time.Now(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
