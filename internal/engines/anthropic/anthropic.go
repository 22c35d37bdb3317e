package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	engineName       = "anthropic"
	defaultMaxTokens = 4096
)

// Engine implements engines.Engine for Anthropic (official SDK).
type Engine struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(e *Engine) { e.baseURL = url }
}

// New creates a new Anthropic Engine.
func New(apiKey string, opts ...Option) *Engine {
	e := &Engine{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(e)
	}

	e.client = anthropic.NewClient(
		option.WithAPIKey(e.apiKey),
		option.WithBaseURL(e.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: engines.EngineTimeout}),
	)

	return e
}

func (e *Engine) Name() string { return engineName }

func (e *Engine) Complete(ctx context.Context, model string, req *engines.GenerationRequest) (*engines.Completion, error) {
	msg, err := e.client.Messages.New(ctx, buildParams(model, req))
	if err != nil {
		return nil, toEngineError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &engines.Completion{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
	}, nil
}

func (e *Engine) CompleteStream(ctx context.Context, model string, req *engines.GenerationRequest, onChunk func(string)) error {
	stream := e.client.Messages.NewStreaming(ctx, buildParams(model, req))
	defer stream.Close()

	for stream.Next() {
		ev := stream.Current()

		switch eventVariant := ev.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					onChunk(deltaVariant.Text)
				}
			case *anthropic.TextDelta:
				if deltaVariant.Text != "" {
					onChunk(deltaVariant.Text)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return toEngineError(err)
	}
	return nil
}

func buildParams(model string, req *engines.GenerationRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Settings.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Settings.Temperature)
	}
	if req.Settings.TopP > 0 && req.Settings.TopP < 1 {
		params.TopP = anthropic.Float(req.Settings.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// EngineError is a structured error returned by the Anthropic API.
type EngineError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements engines.StatusCoder.
func (e *EngineError) HTTPStatus() int { return e.StatusCode }

func toEngineError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &EngineError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
