package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaymesh/relay-gateway/internal/engines"
	"github.com/relaymesh/relay-gateway/internal/session"
)

// fakeClock is a manual clock. Advance moves time forward and fires every
// timer whose deadline has passed.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	resets int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		clk:      c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		active:   true,
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if t.active && !t.deadline.After(c.now) {
			t.active = false
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

func (c *fakeClock) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

type fakeTimer struct {
	clk      *fakeClock
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	select {
	case <-t.ch:
	default:
	}
	t.deadline = t.clk.now.Add(d)
	t.clk.resets++
	if !t.deadline.After(t.clk.now) {
		t.active = false
		t.ch <- t.clk.now
		return
	}
	t.active = true
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

// waitResets blocks until the relay loop has re-armed its timer n times,
// i.e. it has fully processed the preceding inputs.
func waitResets(t *testing.T, c *fakeClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Resets() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d timer resets (got %d)", n, c.Resets())
}

type fakeChannel struct {
	events chan session.Event
	starts atomic.Int32
	stops  atomic.Int32
}

func newTestChannel() *fakeChannel {
	return &fakeChannel{events: make(chan session.Event)}
}

func (f *fakeChannel) StartGenerate(*engines.GenerationRequest) error {
	f.starts.Add(1)
	return nil
}

func (f *fakeChannel) StopGeneration() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeChannel) Events() <-chan session.Event { return f.events }
func (f *fakeChannel) Close() error                 { return nil }

func (f *fakeChannel) sendMessage(content string) {
	f.events <- session.Event{Type: session.EventMessage, Content: content}
}

func (f *fakeChannel) sendDone() {
	f.events <- session.Event{Type: session.EventDone}
}

type recordSink struct {
	mu        sync.Mutex
	chunks    []string
	notices   []string
	finalized int
	emitErr   func(fragment string) error
}

func (s *recordSink) Emit(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		if err := s.emitErr(fragment); err != nil {
			return err
		}
	}
	s.chunks = append(s.chunks, fragment)
	return nil
}

func (s *recordSink) Notify(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, message)
}

func (s *recordSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return nil
}

func (s *recordSink) setEmitErr(fn func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitErr = fn
}

func (s *recordSink) snapshot() (chunks, notices []string, finalized int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...), append([]string(nil), s.notices...), s.finalized
}

func testRelay(clk Clock, opts Options) *Relay {
	opts.Clock = clk
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, nil, opts)
}

func testRequest() *engines.GenerationRequest {
	return &engines.GenerationRequest{
		Messages: []engines.Message{{Role: "user", Content: "hi"}},
		Settings: engines.DefaultSettings(),
	}
}

type aggregateResult struct {
	content string
	err     error
}

func TestAggregateConcatenatesFragments(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()

	done := make(chan aggregateResult, 1)
	go func() {
		content, err := rl.Aggregate(context.Background(), ch, testRequest())
		done <- aggregateResult{content, err}
	}()

	ch.sendMessage("Hel")
	ch.sendMessage("lo!")
	ch.sendDone()
	waitResets(t, clk, 4)
	clk.Advance(4 * time.Second)

	res := <-done
	if res.err != nil {
		t.Fatalf("Aggregate: %v", res.err)
	}
	if res.content != "Hello!" {
		t.Fatalf("content = %q, want %q", res.content, "Hello!")
	}
	if ch.stops.Load() != 0 {
		t.Fatalf("stop signal sent on a clean completion")
	}
}

func TestStreamSplitsOversizedFragments(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	exact := strings.Repeat("a", DefaultSplitThreshold)
	over := strings.Repeat("b", DefaultSplitThreshold+1)

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage(exact)
	ch.sendMessage(over)
	ch.sendDone()
	waitResets(t, clk, 4)
	clk.Advance(4 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks, _, finalized := sink.snapshot()
	var lens []int
	for _, c := range chunks {
		lens = append(lens, len(c))
	}
	want := []int{DefaultSplitThreshold, DefaultSplitThreshold, 1}
	if len(lens) != len(want) {
		t.Fatalf("chunk lens = %v, want %v", lens, want)
	}
	for i := range want {
		if lens[i] != want[i] {
			t.Fatalf("chunk lens = %v, want %v", lens, want)
		}
	}
	if got := strings.Join(chunks, ""); got != exact+over {
		t.Fatalf("reassembled content does not match input")
	}
	if finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestStreamPreservesOrder(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	var sent []string
	for i := 0; i < 20; i++ {
		frag := fmt.Sprintf("frag-%02d;", i)
		sent = append(sent, frag)
		ch.sendMessage(frag)
	}
	ch.sendDone()
	waitResets(t, clk, 22)
	clk.Advance(4 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks, _, finalized := sink.snapshot()
	if got, want := strings.Join(chunks, ""), strings.Join(sent, ""); got != want {
		t.Fatalf("fragments reordered or lost:\n got %q\nwant %q", got, want)
	}
	if finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestQuietPeriodReArm(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage("head")
	ch.sendDone()
	waitResets(t, clk, 3)

	// A fragment trickles in 3s into the 4s finalize delay.
	clk.Advance(3 * time.Second)
	ch.sendMessage("tail")
	waitResets(t, clk, 4)

	// First check at +4s: only 1s of quiet, so the call must stay open.
	clk.Advance(1 * time.Second)
	waitResets(t, clk, 5)
	select {
	case err := <-done:
		t.Fatalf("finalized during re-armed quiet period: %v", err)
	default:
	}

	// +5s: two full quiet seconds since the tail fragment.
	clk.Advance(1 * time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks, _, finalized := sink.snapshot()
	if got := strings.Join(chunks, ""); got != "headtail" {
		t.Fatalf("content = %q, want %q", got, "headtail")
	}
	if finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestFinalizeDwellCap(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{MaxFinalizeWait: 5 * time.Second})
	ch := newTestChannel()
	sink := &recordSink{}

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage("head")
	ch.sendDone()
	waitResets(t, clk, 3)

	clk.Advance(3500 * time.Millisecond)
	ch.sendMessage("late")
	waitResets(t, clk, 4)

	// +4s check: only 500ms quiet, re-arm lands past the cap and is clamped.
	clk.Advance(500 * time.Millisecond)
	waitResets(t, clk, 5)

	// +5s: the dwell cap forces finalization even though quiet never held.
	clk.Advance(1 * time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, _, finalized := sink.snapshot(); finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestDisconnectDebounceRecovers(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	fail := true
	sink.setEmitErr(func(string) error {
		if fail {
			return &TransportError{Err: errors.New("broken pipe")}
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage("lost")
	waitResets(t, clk, 2)

	// A successful write inside the grace window cancels the pending close.
	sink.mu.Lock()
	fail = false
	sink.mu.Unlock()
	ch.sendMessage("kept")
	waitResets(t, clk, 3)

	clk.Advance(3 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("disconnect confirmed despite recovery: %v", err)
	default:
	}

	ch.sendDone()
	waitResets(t, clk, 4)
	clk.Advance(4 * time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks, _, _ := sink.snapshot()
	if got := strings.Join(chunks, ""); got != "kept" {
		t.Fatalf("content = %q, want %q", got, "kept")
	}
}

func TestDisconnectConfirmedAfterGrace(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}
	sink.setEmitErr(func(string) error {
		return &TransportError{Err: errors.New("broken pipe")}
	})

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage("x")
	waitResets(t, clk, 2)
	clk.Advance(2 * time.Second)

	if err := <-done; !errors.Is(err, ErrClientGone) {
		t.Fatalf("err = %v, want ErrClientGone", err)
	}
	if ch.stops.Load() != 1 {
		t.Fatalf("stop signal not sent to the channel")
	}
	if _, _, finalized := sink.snapshot(); finalized != 0 {
		t.Fatalf("terminal signal written to a dead client")
	}
}

func TestWriteErrorCeiling(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{MaxWriteErrors: 5})
	ch := newTestChannel()
	sink := &recordSink{}
	sink.setEmitErr(func(string) error {
		return &TransportError{Err: errors.New("broken pipe")}
	})

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	for i := 0; i < 5; i++ {
		ch.sendMessage("x")
	}

	// The ceiling confirms the disconnect without waiting out the grace.
	if err := <-done; !errors.Is(err, ErrClientGone) {
		t.Fatalf("err = %v, want ErrClientGone", err)
	}
	if ch.stops.Load() != 1 {
		t.Fatalf("stop signal not sent to the channel")
	}
}

func TestSerializationAbortThreshold(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}
	sink.setEmitErr(func(string) error {
		return &SerializationError{Err: errors.New("bad rune")}
	})

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	for i := 0; i < 3; i++ {
		ch.sendMessage("x")
	}

	if err := <-done; !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("err = %v, want ErrTooManyFailures", err)
	}
	if ch.stops.Load() != 1 {
		t.Fatalf("stop signal not sent to the channel")
	}

	_, notices, finalized := sink.snapshot()
	// Two placeholder notices for tolerated failures, then the abort notice.
	if len(notices) != 3 {
		t.Fatalf("notices = %v, want 2 placeholders + abort", notices)
	}
	if finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestChannelClosedBeforeDone_KeepsPartialAggregate(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()

	done := make(chan aggregateResult, 1)
	go func() {
		content, err := rl.Aggregate(context.Background(), ch, testRequest())
		done <- aggregateResult{content, err}
	}()

	ch.sendMessage("partial answer")
	waitResets(t, clk, 2)
	close(ch.events)

	// The channel died mid-generation; the fragments received so far are
	// the completion.
	res := <-done
	if res.err != nil {
		t.Fatalf("Aggregate: %v", res.err)
	}
	if res.content != "partial answer" {
		t.Fatalf("content = %q, want the partial output", res.content)
	}
}

func TestChannelClosedBeforeAnyOutput(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()

	done := make(chan aggregateResult, 1)
	go func() {
		content, err := rl.Aggregate(context.Background(), ch, testRequest())
		done <- aggregateResult{content, err}
	}()

	close(ch.events)

	res := <-done
	if !errors.Is(res.err, ErrChannelGone) {
		t.Fatalf("err = %v, want ErrChannelGone", res.err)
	}
	if res.content != "" {
		t.Fatalf("content = %q, want empty", res.content)
	}
}

func TestChannelClosedDuringFinalize(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(context.Background(), ch, testRequest(), sink)
	}()

	ch.sendMessage("all of it")
	ch.sendDone()
	waitResets(t, clk, 3)
	close(ch.events)

	// Done already arrived, so losing the channel during the quiet period
	// completes the call with what was received.
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks, _, finalized := sink.snapshot()
	if got := strings.Join(chunks, ""); got != "all of it" {
		t.Fatalf("content = %q", got)
	}
	if finalized != 1 {
		t.Fatalf("finalized = %d, want exactly 1", finalized)
	}
}

func TestContextCancelArmsDisconnect(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := newTestChannel()
	sink := &recordSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rl.Stream(ctx, ch, testRequest(), sink)
	}()

	ch.sendMessage("x")
	waitResets(t, clk, 2)
	cancel()
	waitResets(t, clk, 3)
	clk.Advance(2 * time.Second)

	if err := <-done; !errors.Is(err, ErrClientGone) {
		t.Fatalf("err = %v, want ErrClientGone", err)
	}
	if ch.stops.Load() != 1 {
		t.Fatalf("stop signal not sent to the channel")
	}
}

type failingChannel struct {
	fakeChannel
}

func (f *failingChannel) StartGenerate(*engines.GenerationRequest) error {
	return errors.New("socket write failed")
}

func TestDispatchFailure(t *testing.T) {
	clk := newFakeClock()
	rl := testRelay(clk, Options{})
	ch := &failingChannel{fakeChannel{events: make(chan session.Event)}}

	_, err := rl.Aggregate(context.Background(), ch, testRequest())
	if err == nil || !strings.Contains(err.Error(), "dispatch") {
		t.Fatalf("err = %v, want dispatch failure", err)
	}
}
