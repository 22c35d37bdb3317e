package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relaymesh/relay-gateway/internal/relay"
)

type (
	chunkDelta struct {
		Content string `json:"content"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason any        `json:"finish_reason"`
	}

	chunkEnvelope struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Choices []chunkChoice `json:"choices"`
	}
)

// sseSink delivers relay output as Server-Sent Events. Encoding failures are
// reported as SerializationError, write/flush failures as TransportError, so
// the relay can tell a bad fragment from a dead client.
type sseSink struct {
	w       *bufio.Writer
	id      string
	created int64
	chars   int
}

func newSSESink(w *bufio.Writer) *sseSink {
	return &sseSink{
		w:       w,
		id:      "chatcmpl-" + uuid.New().String(),
		created: time.Now().Unix(),
	}
}

func (s *sseSink) Emit(fragment string) error {
	if err := s.writeChunk(fragment); err != nil {
		return err
	}
	s.chars += len(fragment)
	return nil
}

// Notify delivers an inline notice chunk; failures are dropped on purpose.
func (s *sseSink) Notify(message string) {
	_ = s.writeChunk(message)
}

func (s *sseSink) Finalize() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return &relay.TransportError{Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return &relay.TransportError{Err: err}
	}
	return nil
}

func (s *sseSink) writeChunk(content string) error {
	data, err := json.Marshal(chunkEnvelope{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Choices: []chunkChoice{
			{Index: 0, Delta: chunkDelta{Content: content}, FinishReason: nil},
		},
	})
	if err != nil {
		return &relay.SerializationError{Err: err}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return &relay.TransportError{Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return &relay.TransportError{Err: err}
	}
	return nil
}

func writeSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// streamLogEntry captures per-request values needed after the handler has
// returned and the RequestCtx must no longer be touched.
type streamLogEntry struct {
	requestID string
	route     string
	mode      string
	key       string
	start     time.Time
	reqBytes  int
}

// streamWriter adapts a sink-driven call into a fasthttp body stream writer
// and finalises request logging and metrics once the stream drains.
func (g *Gateway) streamWriter(run func(sink *sseSink) (model string, chars int, err error), entry streamLogEntry) fasthttp.StreamWriter {
	return func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		sink := newSSESink(w)
		model, chars, err := run(sink)

		status := fasthttp.StatusOK
		if err != nil && chars == 0 {
			status = fasthttp.StatusInternalServerError
		}

		g.logRequest(entry.requestID, entry.route, entry.mode, entry.key, model,
			chars, time.Since(entry.start), status)

		if g.metrics != nil {
			g.metrics.ObserveHTTP(entry.route, status, time.Since(entry.start), entry.reqBytes, -1)
			g.metrics.DecInFlight()
		}
	}
}
