package app

import (
	"testing"

	"github.com/relaymesh/relay-gateway/internal/failover"
)

func TestBuildCatalog_ExplicitEntries(t *testing.T) {
	specs, err := buildCatalog(
		[]string{"openai:gpt-4o", "anthropic:claude-sonnet-4-20250514"},
		[]string{"openai", "anthropic"},
	)
	if err != nil {
		t.Fatalf("buildCatalog: %v", err)
	}
	want := []failover.ModelSpec{
		{Model: "gpt-4o", Engine: "openai"},
		{Model: "claude-sonnet-4-20250514", Engine: "anthropic"},
	}
	if len(specs) != len(want) {
		t.Fatalf("got %d specs, want %d", len(specs), len(want))
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Errorf("spec[%d] = %+v, want %+v", i, specs[i], want[i])
		}
	}
}

func TestBuildCatalog_RejectsUnknownEngine(t *testing.T) {
	if _, err := buildCatalog([]string{"openai:gpt-4o"}, []string{"groq"}); err == nil {
		t.Fatal("expected an error for a catalog engine without a key")
	}
}

func TestBuildCatalog_RejectsMalformedEntry(t *testing.T) {
	for _, entry := range []string{"openai", "openai:", ":gpt-4o"} {
		if _, err := buildCatalog([]string{entry}, []string{"openai"}); err == nil {
			t.Errorf("entry %q should be rejected", entry)
		}
	}
}

func TestBuildCatalog_DefaultsFollowConfiguredEngines(t *testing.T) {
	specs, err := buildCatalog(nil, []string{"deepseek"})
	if err != nil {
		t.Fatalf("buildCatalog: %v", err)
	}
	if len(specs) != 1 || specs[0].Engine != "deepseek" {
		t.Fatalf("specs = %+v, want only deepseek defaults", specs)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"user:pass@host", "***@host"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
