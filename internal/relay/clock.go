package relay

import "time"

// Clock abstracts time for the relay loop so deadline behavior is testable.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a resettable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop() bool
}

type systemClock struct{}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t *systemTimer) C() <-chan time.Time { return t.t.C }

// Reset stops and drains the underlying timer first so a stale tick cannot
// fire after rearming.
func (t *systemTimer) Reset(d time.Duration) {
	if !t.t.Stop() {
		select {
		case <-t.t.C:
		default:
		}
	}
	t.t.Reset(d)
}

func (t *systemTimer) Stop() bool { return t.t.Stop() }
