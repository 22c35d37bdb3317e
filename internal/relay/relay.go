// Package relay bridges HTTP chat-completion requests to browser-attached
// duplex channels. Each call dispatches a generation over the channel,
// forwards content fragments back to the HTTP client, and drives the
// call lifecycle: dispatch, streaming, finalize quiet-period, close.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaymesh/relay-gateway/internal/engines"
	"github.com/relaymesh/relay-gateway/internal/metrics"
	"github.com/relaymesh/relay-gateway/internal/session"
)

// Defaults for Options fields left zero.
const (
	DefaultSplitThreshold  = 8000
	DefaultMaxEmitFailures = 3
	DefaultMaxWriteErrors  = 60
	DefaultFinalizeDelay   = 4000 * time.Millisecond
	DefaultQuietPeriod     = 2000 * time.Millisecond
	DefaultDisconnectGrace = 2000 * time.Millisecond
	DefaultMaxFinalizeWait = 30 * time.Second
)

// timerPark is the idle duration for the loop timer when no deadline is armed.
const timerPark = 24 * time.Hour

var (
	// ErrChannelGone means the remote channel disconnected before the
	// generation finished.
	ErrChannelGone = errors.New("relay: channel closed before completion")
	// ErrClientGone means the HTTP client disconnect was confirmed.
	ErrClientGone = errors.New("relay: client disconnected")
	// ErrTooManyFailures means chunk delivery failed past the abort threshold.
	ErrTooManyFailures = errors.New("relay: too many chunk delivery failures")
)

// SerializationError marks a sink failure while encoding a fragment. These
// count toward the abort threshold; the fragment is replaced with a
// placeholder notice.
type SerializationError struct{ Err error }

func (e *SerializationError) Error() string { return "relay: serialize fragment: " + e.Err.Error() }
func (e *SerializationError) Unwrap() error { return e.Err }

// TransportError marks a sink failure while writing to the client. These
// arm the disconnect debounce and count toward the transient-error ceiling.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "relay: write fragment: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Sink receives relay output for one call. Finalize is invoked at most once.
type Sink interface {
	Emit(fragment string) error
	// Notify delivers a best-effort inline notice; failures are ignored.
	Notify(message string)
	Finalize() error
}

// Options tunes the relay lifecycle.
type Options struct {
	// SplitThreshold is the maximum fragment size forwarded in one piece;
	// larger fragments are split into consecutive chunks.
	SplitThreshold int
	// MaxEmitFailures is the number of serialization failures tolerated
	// before the call is aborted.
	MaxEmitFailures int
	// MaxWriteErrors is the cumulative transport-error ceiling; reaching it
	// is treated as a confirmed client disconnect.
	MaxWriteErrors int
	// FinalizeDelay is how long after the done signal the first quiet-period
	// check runs.
	FinalizeDelay time.Duration
	// QuietPeriod is how long the channel must be silent before finalizing.
	QuietPeriod time.Duration
	// DisconnectGrace is how long a client-close signal is held before the
	// disconnect is confirmed; a successful write in between cancels it.
	DisconnectGrace time.Duration
	// MaxFinalizeWait caps the total finalize dwell so a slow-trickling
	// channel cannot re-arm the quiet period forever.
	MaxFinalizeWait time.Duration
	Clock           Clock
}

func (o *Options) withDefaults() {
	if o.SplitThreshold <= 0 {
		o.SplitThreshold = DefaultSplitThreshold
	}
	if o.MaxEmitFailures <= 0 {
		o.MaxEmitFailures = DefaultMaxEmitFailures
	}
	if o.MaxWriteErrors <= 0 {
		o.MaxWriteErrors = DefaultMaxWriteErrors
	}
	if o.FinalizeDelay <= 0 {
		o.FinalizeDelay = DefaultFinalizeDelay
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = DefaultQuietPeriod
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = DefaultDisconnectGrace
	}
	if o.MaxFinalizeWait <= 0 {
		o.MaxFinalizeWait = DefaultMaxFinalizeWait
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
}

// Relay drives completion calls over registered channels.
type Relay struct {
	opts Options
	log  *slog.Logger
	m    *metrics.Registry
}

// New creates a Relay. m may be nil.
func New(log *slog.Logger, m *metrics.Registry, opts Options) *Relay {
	opts.withDefaults()
	return &Relay{opts: opts, log: log, m: m}
}

// Stream dispatches req over ch and forwards fragments to sink as they
// arrive. The sink's Finalize is called exactly once on every path that
// still has a live client.
func (r *Relay) Stream(ctx context.Context, ch session.Channel, req *engines.GenerationRequest, sink Sink) error {
	c, err := r.run(ctx, ch, req, sink)
	r.observe("stream", c, err)
	return err
}

// Aggregate dispatches req over ch, collects all fragments and returns the
// concatenated completion once the call finalizes. A channel that vanishes
// mid-generation loses only the tail: whatever aggregated before the close
// is returned as the completion, and the error surfaces only when nothing
// arrived at all.
func (r *Relay) Aggregate(ctx context.Context, ch session.Channel, req *engines.GenerationRequest) (string, error) {
	sink := &aggregateSink{}
	c, err := r.run(ctx, ch, req, sink)
	r.observe("aggregate", c, err)
	if errors.Is(err, ErrChannelGone) && sink.sb.Len() > 0 {
		return sink.sb.String(), nil
	}
	if err != nil {
		return "", err
	}
	return sink.sb.String(), nil
}

func (r *Relay) observe(mode string, c *call, err error) {
	if r.m == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrClientGone):
		status = "client_gone"
	case errors.Is(err, ErrChannelGone):
		status = "channel_gone"
	case errors.Is(err, ErrTooManyFailures):
		status = "aborted"
	case err != nil:
		status = "error"
	}
	r.m.RecordRelayRequest(mode, status)
	if c != nil && c.chars > 0 {
		r.m.AddRelayChars(c.chars)
	}
}

type phase int

const (
	phaseDispatched phase = iota
	phaseStreaming
	phaseFinalizing
	phaseClosed
)

type call struct {
	r    *Relay
	ch   session.Channel
	sink Sink

	phase        phase
	emitFailures int
	writeErrors  int
	chars        int

	lastMessage  time.Time
	finalizeAt   time.Time
	finalizeCap  time.Time
	disconnectAt time.Time

	finalized bool
	stopped   bool
	err       error
}

func (r *Relay) run(ctx context.Context, ch session.Channel, req *engines.GenerationRequest, sink Sink) (*call, error) {
	clk := r.opts.Clock
	c := &call{
		r:           r,
		ch:          ch,
		sink:        sink,
		phase:       phaseDispatched,
		lastMessage: clk.Now(),
	}

	if err := ch.StartGenerate(req); err != nil {
		return c, fmt.Errorf("relay: dispatch: %w", err)
	}

	timer := clk.NewTimer(timerPark)
	defer timer.Stop()

	events := ch.Events()
	ctxDone := ctx.Done()

	for c.phase != phaseClosed {
		if dl, ok := c.nextDeadline(); ok {
			timer.Reset(dl.Sub(clk.Now()))
		} else {
			timer.Reset(timerPark)
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				c.onChannelClosed()
				continue
			}
			switch ev.Type {
			case session.EventMessage:
				c.onMessage(ev.Content)
			case session.EventDone:
				c.onDone()
			}

		case <-timer.C():
			c.onDeadline()

		case <-ctxDone:
			// The request context ending is the client-side close signal;
			// confirmation still goes through the debounce window.
			ctxDone = nil
			c.armDisconnect()
		}
	}

	return c, c.err
}

// nextDeadline picks the earliest pending deadline: disconnect confirmation
// or the finalize check. A single recomputed deadline replaces per-event
// timers so rescheduling cannot leak.
func (c *call) nextDeadline() (time.Time, bool) {
	var dl time.Time
	for _, t := range []time.Time{c.disconnectAt, c.finalizeAt} {
		if t.IsZero() {
			continue
		}
		if dl.IsZero() || t.Before(dl) {
			dl = t
		}
	}
	return dl, !dl.IsZero()
}

func (c *call) onMessage(content string) {
	if c.phase == phaseDispatched {
		c.phase = phaseStreaming
	}
	c.lastMessage = c.r.opts.Clock.Now()

	// Fragments past the threshold are forwarded in consecutive pieces so a
	// single oversized chunk cannot stall the write path.
	max := c.r.opts.SplitThreshold
	for len(content) > 0 && c.phase != phaseClosed {
		piece := content
		if len(piece) > max {
			piece = content[:max]
		}
		content = content[len(piece):]
		c.emit(piece)
	}
}

func (c *call) emit(piece string) {
	err := c.sink.Emit(piece)
	if err == nil {
		c.chars += len(piece)
		// A successful write proves the client is still there.
		c.disconnectAt = time.Time{}
		return
	}

	var se *SerializationError
	if errors.As(err, &se) {
		c.emitFailures++
		c.r.log.Warn("relay.emit_failed", "failures", c.emitFailures, "error", err)
		if c.emitFailures >= c.r.opts.MaxEmitFailures {
			c.abort()
			return
		}
		c.sink.Notify("[chunk unavailable]")
		return
	}

	c.writeErrors++
	c.r.log.Debug("relay.write_error", "count", c.writeErrors, "error", err)
	if c.writeErrors >= c.r.opts.MaxWriteErrors {
		c.confirmDisconnect()
		return
	}
	c.armDisconnect()
}

func (c *call) onDone() {
	if c.phase == phaseFinalizing || c.phase == phaseClosed {
		return
	}
	c.phase = phaseFinalizing
	now := c.r.opts.Clock.Now()
	c.finalizeAt = now.Add(c.r.opts.FinalizeDelay)
	c.finalizeCap = now.Add(c.r.opts.MaxFinalizeWait)
}

func (c *call) onDeadline() {
	now := c.r.opts.Clock.Now()

	if !c.disconnectAt.IsZero() && !now.Before(c.disconnectAt) {
		c.confirmDisconnect()
		return
	}

	if c.phase != phaseFinalizing || c.finalizeAt.IsZero() || now.Before(c.finalizeAt) {
		return
	}

	if !now.Before(c.finalizeCap) || now.Sub(c.lastMessage) >= c.r.opts.QuietPeriod {
		c.finish()
		return
	}

	// Traffic arrived during the wait: re-arm for one quiet period after the
	// latest fragment, capped so a slow trickle cannot hold the call open.
	next := c.lastMessage.Add(c.r.opts.QuietPeriod)
	if next.After(c.finalizeCap) {
		next = c.finalizeCap
	}
	c.finalizeAt = next
}

func (c *call) onChannelClosed() {
	if c.phase == phaseClosed {
		return
	}
	if c.phase == phaseFinalizing {
		// Done was already received; the tail is whatever arrived.
		c.finish()
		return
	}
	c.err = ErrChannelGone
	c.sink.Notify("upstream channel closed before completion")
	c.terminate()
	c.phase = phaseClosed
}

func (c *call) armDisconnect() {
	if c.phase == phaseClosed || !c.disconnectAt.IsZero() {
		return
	}
	c.disconnectAt = c.r.opts.Clock.Now().Add(c.r.opts.DisconnectGrace)
}

func (c *call) confirmDisconnect() {
	c.err = ErrClientGone
	c.stopRemote()
	c.phase = phaseClosed
	if c.r.m != nil {
		c.r.m.RecordRelayDisconnect("client")
	}
}

func (c *call) abort() {
	c.err = ErrTooManyFailures
	c.stopRemote()
	c.sink.Notify("generation aborted: repeated delivery failures")
	c.terminate()
	c.phase = phaseClosed
}

func (c *call) finish() {
	c.phase = phaseClosed
	c.terminate()
}

// terminate emits the terminal signal exactly once.
func (c *call) terminate() {
	if c.finalized {
		return
	}
	c.finalized = true
	if err := c.sink.Finalize(); err != nil {
		c.r.log.Debug("relay.finalize_write_failed", "error", err)
	}
}

// stopRemote tells the channel to stop generating; used on every abnormal
// exit so the remote end does not keep producing for a dead call.
func (c *call) stopRemote() {
	if c.stopped {
		return
	}
	c.stopped = true
	if err := c.ch.StopGeneration(); err != nil {
		c.r.log.Debug("relay.stop_signal_failed", "error", err)
	}
}

type aggregateSink struct {
	sb strings.Builder
}

func (s *aggregateSink) Emit(fragment string) error {
	s.sb.WriteString(fragment)
	return nil
}

func (s *aggregateSink) Notify(string) {}

func (s *aggregateSink) Finalize() error { return nil }
