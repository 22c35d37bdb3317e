package dedup

import (
	"errors"
	"strings"
	"testing"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

func transcript(contents ...string) []engines.Message {
	msgs := make([]engines.Message, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = engines.Message{Role: role, Content: c}
	}
	return msgs
}

func TestSubmitAcceptsThenRejectsIdentical(t *testing.T) {
	l := New(0)

	msgs := transcript("How do I parse JSON in Go?", "Use encoding/json.", "And streams?")
	if err := l.Submit(msgs); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := l.Submit(msgs); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second submit: err = %v, want ErrDuplicate", err)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}

func TestSubmitNormalizesFormatting(t *testing.T) {
	l := New(0)

	if err := l.Submit(transcript("How do I   parse JSON in Go?")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Case and whitespace churn must not defeat detection.
	err := l.Submit(transcript("how DO i parse\n\njson in go?"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSubmitIgnoresPunctuation(t *testing.T) {
	l := New(0)

	if err := l.Submit(transcript("Hello, world. How are you today, friend?")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Punctuation churn shifts no character positions after normalization.
	err := l.Submit(transcript("Hello world How are you today friend"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSubmitAcceptsDistinctContent(t *testing.T) {
	l := New(0)

	if err := l.Submit(transcript("Explain goroutines to me.")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := l.Submit(transcript("What is the capital of France?")); err != nil {
		t.Fatalf("distinct transcript rejected: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
}

func TestLengthGateBlocksComparison(t *testing.T) {
	l := New(0)

	base := "tell me about go"
	if err := l.Submit(transcript(base)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same prefix but more than 30% longer: the pair must not be compared,
	// so it can never be flagged as a duplicate.
	longer := base + " and also rust, zig, c, c++ and fortran in depth"
	if err := l.Submit(transcript(longer)); err != nil {
		t.Fatalf("length-gated transcript rejected: %v", err)
	}
}

func TestContainmentBonus(t *testing.T) {
	// 40-char message vs the same with a short suffix: positional score is
	// 40/48 ≈ 0.83, under the threshold; containment lifts it over.
	base := strings.Repeat("abcd ", 8)[:40]
	l := New(0)

	if err := l.Submit(transcript(base)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := l.Submit(transcript(base + " more on."))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate via containment bonus", err)
	}
}

func TestSubmitEmptyTranscript(t *testing.T) {
	l := New(0)
	if err := l.Submit(transcript("   ", "\n\t")); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestCapacityEviction(t *testing.T) {
	l := New(10)

	for i := 0; i < 15; i++ {
		// Repeated distinct letters: zero positional overlap between entries.
		msg := strings.Repeat(string(rune('a'+i)), 30)
		if err := l.Submit(transcript(msg)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if l.Len() != 10 {
		t.Fatalf("len = %d, want capacity 10", l.Len())
	}
}

func TestOnlyLeadingMessagesCompared(t *testing.T) {
	l := New(0)

	head := []string{"one", "two", "three", "four", "five"}
	first := append([]string{}, head...)
	first = append(first, "tail original")
	second := append([]string{}, head...)
	second = append(second, "a completely different tail that matters not")

	if err := l.Submit(transcript(first...)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Identical first five messages: the differing tails are out of scope.
	if err := l.Submit(transcript(second...)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestLongMessagesTruncated(t *testing.T) {
	l := New(0)

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 30)
	if err := l.Submit(transcript(long)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Divergence past the truncation point is invisible to comparison.
	if err := l.Submit(transcript(long + "unique epilogue")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello   World  ", "hello world"},
		{"MIXED\tCase\nText", "mixed case text"},
		{"Hello, world. How are you?", "hello world how are you"},
		{"wait... what?!", "wait what"},
		{"?!.,;", ""},
		{"", ""},
		{" \n\t ", ""},
	}
	for _, tt := range tests {
		if got := normalizeMessage(tt.in); got != tt.want {
			t.Errorf("normalizeMessage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
