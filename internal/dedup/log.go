// Package dedup keeps a bounded in-process log of submitted transcripts and
// rejects near-duplicate resubmissions. Transcripts are normalized, then a
// new submission is compared positionally against recent entries.
package dedup

import (
	"errors"
	"strings"
	"sync"
	"unicode"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

const (
	// DefaultCapacity is the entry cap; the oldest entry is evicted past it.
	DefaultCapacity = 1000

	// maxMessages is how many leading messages of a transcript are stored.
	maxMessages = 15
	// compareWindow is how many recent entries a submission is checked against.
	compareWindow = 50
	// compareMessages is how many leading messages take part in a comparison.
	compareMessages = 5
	// maxNormalizedLen truncates each normalized message.
	maxNormalizedLen = 500

	// duplicateThreshold is the mean similarity at which a submission is
	// rejected as a duplicate.
	duplicateThreshold = 0.90
	// lengthRatioGate rejects a message pair comparison outright when the
	// lengths differ by more than this fraction of the longer message.
	lengthRatioGate = 0.30
	// containmentBonus is added when one message fully contains the other.
	containmentBonus = 0.2
)

var (
	// ErrDuplicate means the transcript is too similar to a recent entry.
	ErrDuplicate = errors.New("dedup: duplicate transcript")
	// ErrEmpty means the transcript normalized to nothing.
	ErrEmpty = errors.New("dedup: empty transcript")
)

// Log is a bounded duplicate-rejecting transcript store.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  [][]string // normalized messages, oldest first
}

// New creates a Log holding at most capacity entries; capacity ≤ 0 uses
// DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Submit records a transcript, or returns ErrDuplicate if it is too close
// to one of the recent entries. Only the leading messages are stored and
// compared; the rest of a long transcript is ignored.
func (l *Log) Submit(msgs []engines.Message) error {
	normalized := normalizeTranscript(msgs)
	if len(normalized) == 0 {
		return ErrEmpty
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if len(l.entries) > compareWindow {
		start = len(l.entries) - compareWindow
	}
	for _, entry := range l.entries[start:] {
		if transcriptSimilarity(normalized, entry) >= duplicateThreshold {
			return ErrDuplicate
		}
	}

	l.entries = append(l.entries, normalized)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return nil
}

// Len reports the number of stored transcripts.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func normalizeTranscript(msgs []engines.Message) []string {
	out := make([]string, 0, min(len(msgs), maxMessages))
	for _, m := range msgs {
		if len(out) == maxMessages {
			break
		}
		if n := normalizeMessage(m.Content); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalizeMessage lowercases, strips punctuation, collapses runs of
// whitespace to single spaces, and truncates, so formatting churn does not
// defeat comparison.
func normalizeMessage(s string) string {
	var sb strings.Builder
	sb.Grow(min(len(s), maxNormalizedLen))

	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if unicode.IsPunct(r) {
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(unicode.ToLower(r))
		if sb.Len() >= maxNormalizedLen {
			break
		}
	}
	out := sb.String()
	if len(out) > maxNormalizedLen {
		out = out[:maxNormalizedLen]
	}
	return out
}

// transcriptSimilarity is the mean pairwise similarity over the leading
// messages of both transcripts.
func transcriptSimilarity(a, b []string) float64 {
	n := min(len(a), len(b), compareMessages)
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += messageSimilarity(a[i], b[i])
	}
	return sum / float64(n)
}

// messageSimilarity scores two normalized messages in [0, 1]. Pairs whose
// lengths differ past the gate score 0 without any character comparison.
func messageSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	longer := max(la, lb)
	if float64(longer-min(la, lb)) > lengthRatioGate*float64(longer) {
		return 0
	}

	matches := 0
	for i := 0; i < min(la, lb); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	score := float64(matches) / float64(longer)

	if strings.Contains(a, b) || strings.Contains(b, a) {
		score += containmentBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}
