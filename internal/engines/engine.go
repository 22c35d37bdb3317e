// Package engines defines the chat-completion backend client interface and
// the request/response types shared by the relay and the failover engine.
package engines

import (
	"context"
	"time"
)

// Default sampling settings applied when the client omits a field.
const (
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 26000
	DefaultTopP              = 1.0
	DefaultFrequencyPenalty  = 0.0
	DefaultPresencePenalty   = 0.0
	DefaultRepetitionPenalty = 1.0
)

// EngineTimeout is the per-call HTTP timeout for engine SDK clients.
const EngineTimeout = 120 * time.Second

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Settings holds the sampling parameters forwarded with a generation.
type Settings struct {
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	TopP              float64 `json:"top_p"`
	FrequencyPenalty  float64 `json:"frequency_penalty"`
	PresencePenalty   float64 `json:"presence_penalty"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// DefaultSettings returns the settings used when a request carries none.
func DefaultSettings() Settings {
	return Settings{
		Temperature:       DefaultTemperature,
		MaxTokens:         DefaultMaxTokens,
		TopP:              DefaultTopP,
		FrequencyPenalty:  DefaultFrequencyPenalty,
		PresencePenalty:   DefaultPresencePenalty,
		RepetitionPenalty: DefaultRepetitionPenalty,
	}
}

// GenerationRequest is the normalized generation payload handed to a backend
// engine or dispatched over a relay channel.
type GenerationRequest struct {
	Messages []Message `json:"messages"`
	Settings Settings  `json:"settings"`
}

// Completion is a finished non-streaming generation.
type Completion struct {
	ID      string
	Model   string
	Content string
}

// Engine is a chat-completion backend client.
type Engine interface {
	Name() string
	// Complete runs a full generation and returns the final text.
	Complete(ctx context.Context, model string, req *GenerationRequest) (*Completion, error)
	// CompleteStream runs a streaming generation, invoking onChunk for every
	// non-empty content fragment in arrival order.
	CompleteStream(ctx context.Context, model string, req *GenerationRequest, onChunk func(fragment string)) error
}

// StatusCoder is implemented by engine errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
