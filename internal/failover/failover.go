// Package failover keeps a prioritized catalog of engine-backed models
// healthy and serves generations with catalog-order fallback. Model and
// engine health is tri-state: unchecked until probed, then up or down.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relaymesh/relay-gateway/internal/engines"
	"github.com/relaymesh/relay-gateway/internal/metrics"
)

// Status is the probe-derived health of a model or engine.
type Status int8

const (
	StatusDown      Status = -1
	StatusUnchecked Status = 0
	StatusUp        Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unchecked"
	}
}

// ModelSpec binds a model name to the engine that serves it. Catalog order
// is priority order.
type ModelSpec struct {
	Model  string
	Engine string
}

// Config tunes probing and generation fallback.
type Config struct {
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
	// ProbeRetries is the number of retries after a failed probe attempt.
	ProbeRetries int
	// ProbeBackoff is the initial retry backoff for probes.
	ProbeBackoff time.Duration
	// ProbeDelay is the pause between consecutive catalog probes.
	ProbeDelay time.Duration
	// ProbeInterval is the period of the background probe loop.
	ProbeInterval time.Duration
	// GenerateTries is the attempt budget per model for non-streaming calls.
	GenerateTries int
	// GenerateBackoff is the initial retry backoff for generation attempts.
	GenerateBackoff time.Duration
	// Marker is the token a probe completion must contain.
	Marker string
}

func (c *Config) withDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.ProbeRetries < 0 {
		c.ProbeRetries = 0
	} else if c.ProbeRetries == 0 {
		c.ProbeRetries = 2
	}
	if c.ProbeBackoff <= 0 {
		c.ProbeBackoff = 500 * time.Millisecond
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 250 * time.Millisecond
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Minute
	}
	if c.GenerateTries <= 0 {
		c.GenerateTries = 3
	}
	if c.GenerateBackoff <= 0 {
		c.GenerateBackoff = time.Second
	}
	if c.Marker == "" {
		c.Marker = "READY"
	}
}

// ErrExhausted is returned when every candidate model failed.
var ErrExhausted = errors.New("failover: all models failed")

type statusEntry struct {
	status    Status
	checkedAt time.Time
}

// Engine selects among backend models by health and priority.
type Engine struct {
	cfg     Config
	clients map[string]engines.Engine
	catalog []ModelSpec
	log     *slog.Logger
	m       *metrics.Registry

	mu           sync.RWMutex
	modelStatus  map[string]statusEntry
	engineStatus map[string]statusEntry
}

// New builds an Engine over the given clients and model catalog. Every
// catalog entry must reference a known client.
func New(clients []engines.Engine, catalog []ModelSpec, cfg Config, log *slog.Logger, m *metrics.Registry) (*Engine, error) {
	cfg.withDefaults()
	if len(catalog) == 0 {
		return nil, errors.New("failover: empty model catalog")
	}

	byName := make(map[string]engines.Engine, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	for _, spec := range catalog {
		if _, ok := byName[spec.Engine]; !ok {
			return nil, fmt.Errorf("failover: model %q references unknown engine %q", spec.Model, spec.Engine)
		}
	}

	return &Engine{
		cfg:          cfg,
		clients:      byName,
		catalog:      append([]ModelSpec(nil), catalog...),
		log:          log,
		m:            m,
		modelStatus:  make(map[string]statusEntry),
		engineStatus: make(map[string]statusEntry),
	}, nil
}

// Catalog returns the model catalog in priority order.
func (e *Engine) Catalog() []ModelSpec {
	return append([]ModelSpec(nil), e.catalog...)
}

// ModelStatus reports the cached health of a model.
func (e *Engine) ModelStatus(model string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelStatus[model].status
}

// EngineStatus reports the cached health of an engine.
func (e *Engine) EngineStatus(name string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engineStatus[name].status
}

// BestModel returns the highest-priority model currently marked up.
func (e *Engine) BestModel() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, spec := range e.catalog {
		if e.modelStatus[spec.Model].status == StatusUp {
			return spec.Model, true
		}
	}
	return "", false
}

// Snapshot is a point-in-time health view for the health endpoint.
type Snapshot struct {
	Models    map[string]string `json:"models"`
	Engines   map[string]string `json:"engines"`
	BestModel string            `json:"best_model,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Models:  make(map[string]string, len(e.catalog)),
		Engines: make(map[string]string, len(e.clients)),
	}
	e.mu.RLock()
	for _, spec := range e.catalog {
		s.Models[spec.Model] = e.modelStatus[spec.Model].status.String()
	}
	for name := range e.clients {
		s.Engines[name] = e.engineStatus[name].status.String()
	}
	e.mu.RUnlock()

	if best, ok := e.BestModel(); ok {
		s.BestModel = best
	}
	return s
}

// Run probes the catalog immediately, then on every ProbeInterval tick
// until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.ProbeAll(ctx)

	t := time.NewTicker(e.cfg.ProbeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.ProbeAll(ctx)
		}
	}
}

// ProbeAll walks the catalog sequentially, probing each model and updating
// model and engine status. Probes never run concurrently with each other so
// a struggling engine is not hammered by parallel checks.
func (e *Engine) ProbeAll(ctx context.Context) {
	for i, spec := range e.catalog {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.ProbeDelay):
			}
		}

		up := e.probeModel(ctx, spec)
		e.setModelStatus(spec, up)

		outcome := "ok"
		if !up {
			outcome = "failed"
		}
		if e.m != nil {
			e.m.RecordProbe(spec.Model, outcome)
		}
		e.log.Debug("failover.probe", "model", spec.Model, "engine", spec.Engine, "outcome", outcome)
	}
	e.recomputeEngineStatus()
}

func (e *Engine) probeModel(ctx context.Context, spec ModelSpec) bool {
	client := e.clients[spec.Engine]
	req := probeRequest()
	marker := strings.ToUpper(e.cfg.Marker)

	op := func() (*engines.Completion, error) {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		defer cancel()

		comp, err := client.Complete(pctx, spec.Model, req)
		if err != nil {
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !strings.Contains(strings.ToUpper(comp.Content), marker) {
			return nil, fmt.Errorf("probe %s: marker %q missing in reply", spec.Model, e.cfg.Marker)
		}
		return comp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ProbeBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.ProbeRetries+1)),
	)
	if err != nil {
		e.log.Warn("failover.probe_failed", "model", spec.Model, "engine", spec.Engine, "error", err)
		return false
	}
	return true
}

func probeRequest() *engines.GenerationRequest {
	return &engines.GenerationRequest{
		Messages: []engines.Message{{
			Role:    "user",
			Content: "Reply with exactly the word READY and nothing else.",
		}},
		Settings: engines.Settings{
			MaxTokens:         16,
			TopP:              1,
			RepetitionPenalty: 1,
		},
	}
}

// Generate runs a non-streaming completion, walking the catalog in priority
// order. Models marked down are skipped; with no candidate left the call
// fails fast with ErrExhausted and recovery waits for the probe loop.
func (e *Engine) Generate(ctx context.Context, req *engines.GenerationRequest) (*engines.Completion, error) {
	var lastErr error
	prev := ""

	for _, spec := range e.candidates() {
		if prev != "" && e.m != nil {
			e.m.RecordFailover(prev, spec.Model, classifyError(lastErr))
		}

		comp, err := e.completeWithRetry(ctx, spec, req)
		if err == nil {
			e.setModelStatus(spec, true)
			e.recomputeEngineStatus()
			return comp, nil
		}

		lastErr = err
		prev = spec.Model
		e.setModelStatus(spec, false)
		e.recomputeEngineStatus()
		e.log.Warn("failover.model_failed", "model", spec.Model, "engine", spec.Engine, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	if e.m != nil {
		e.m.RecordFailoverExhausted()
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
	}
	return nil, ErrExhausted
}

// GenerateStream runs a streaming completion with fallback. Fallback only
// happens while nothing has been emitted yet; once fragments reached the
// client the stream is committed to its model and errors surface as-is.
// It returns the model that served the stream and the fragment count.
func (e *Engine) GenerateStream(ctx context.Context, req *engines.GenerationRequest, onChunk func(fragment string)) (string, int, error) {
	var lastErr error
	prev := ""

	for _, spec := range e.candidates() {
		if prev != "" && e.m != nil {
			e.m.RecordFailover(prev, spec.Model, classifyError(lastErr))
		}

		client := e.clients[spec.Engine]
		sent := 0
		start := time.Now()
		err := client.CompleteStream(ctx, spec.Model, req, func(fragment string) {
			sent++
			onChunk(fragment)
		})

		switch {
		case err == nil && sent > 0:
			e.observeAttempt(spec.Model, "ok", start)
			e.setModelStatus(spec, true)
			e.recomputeEngineStatus()
			return spec.Model, sent, nil

		case err == nil:
			err = fmt.Errorf("%s: empty stream from %s", spec.Engine, spec.Model)
			fallthrough

		case sent == 0:
			e.observeAttempt(spec.Model, classifyError(err), start)
			lastErr = err
			prev = spec.Model
			e.setModelStatus(spec, false)
			e.recomputeEngineStatus()
			e.log.Warn("failover.model_failed", "model", spec.Model, "engine", spec.Engine, "error", err)

		default:
			// Partial output already went out; no clean fallback exists.
			e.observeAttempt(spec.Model, "partial", start)
			return spec.Model, sent, err
		}

		if ctx.Err() != nil {
			break
		}
	}

	if e.m != nil {
		e.m.RecordFailoverExhausted()
	}
	if lastErr != nil {
		return "", 0, fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
	}
	return "", 0, ErrExhausted
}

func (e *Engine) completeWithRetry(ctx context.Context, spec ModelSpec, req *engines.GenerationRequest) (*engines.Completion, error) {
	client := e.clients[spec.Engine]

	op := func() (*engines.Completion, error) {
		start := time.Now()
		comp, err := client.Complete(ctx, spec.Model, req)
		if err != nil {
			e.observeAttempt(spec.Model, classifyError(err), start)
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		e.observeAttempt(spec.Model, "ok", start)
		return comp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.GenerateBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.GenerateTries)),
	)
}

// candidates returns catalog entries not marked down. Unchecked models are
// included so a cold catalog can serve before the first probe pass; down
// models stay excluded until a probe brings them back.
func (e *Engine) candidates() []ModelSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	alive := make([]ModelSpec, 0, len(e.catalog))
	for _, spec := range e.catalog {
		if e.modelStatus[spec.Model].status != StatusDown {
			alive = append(alive, spec)
		}
	}
	return alive
}

func (e *Engine) setModelStatus(spec ModelSpec, up bool) {
	st := StatusDown
	if up {
		st = StatusUp
	}
	e.mu.Lock()
	e.modelStatus[spec.Model] = statusEntry{status: st, checkedAt: time.Now()}
	e.mu.Unlock()

	if e.m != nil {
		e.m.SetModelStatus(spec.Model, int(st))
	}
}

// recomputeEngineStatus derives engine health from its models: up if any
// model is up, down if every model was probed and failed.
func (e *Engine) recomputeEngineStatus() {
	e.mu.Lock()
	perEngine := make(map[string]Status)
	for _, spec := range e.catalog {
		st := e.modelStatus[spec.Model].status
		cur, seen := perEngine[spec.Engine]
		switch {
		case st == StatusUp:
			perEngine[spec.Engine] = StatusUp
		case !seen:
			perEngine[spec.Engine] = st
		case cur == StatusDown && st == StatusUnchecked:
			perEngine[spec.Engine] = StatusUnchecked
		}
	}
	for name, st := range perEngine {
		e.engineStatus[name] = statusEntry{status: st, checkedAt: time.Now()}
	}
	e.mu.Unlock()

	if e.m != nil {
		for name, st := range perEngine {
			e.m.SetEngineStatus(name, int(st))
		}
	}
}

func (e *Engine) observeAttempt(model, outcome string, start time.Time) {
	if e.m != nil {
		e.m.ObserveGenerateAttempt(model, outcome, time.Since(start))
	}
}

func isRetryable(err error) bool {
	var sc engines.StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == 429 || code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	// Unknown errors are assumed transient.
	return true
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	var sc engines.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	return "unknown"
}
