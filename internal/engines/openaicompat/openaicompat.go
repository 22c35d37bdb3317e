// Package openaicompat provides a generic OpenAI-compatible backend engine.
// Use it for any service that implements the OpenAI chat completions API
// (OpenAI itself, xAI, Groq, DeepSeek, Together AI, Cerebras, etc.).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

// Engine is a configurable OpenAI-compatible backend engine.
type Engine struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Engine.
//
//   - name    — unique engine identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Engine {
	e := &Engine{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(e.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: engines.EngineTimeout}),
	}
	if e.baseURL != "" {
		opts = append(opts, option.WithBaseURL(e.baseURL))
	}

	e.client = openaiSDK.NewClient(opts...)
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Complete(ctx context.Context, model string, req *engines.GenerationRequest) (*engines.Completion, error) {
	resp, err := e.client.Chat.Completions.New(ctx, e.buildParams(model, req))
	if err != nil {
		return nil, e.toEngineError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &engines.Completion{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
	}, nil
}

func (e *Engine) CompleteStream(ctx context.Context, model string, req *engines.GenerationRequest, onChunk func(string)) error {
	stream := e.client.Chat.Completions.NewStreaming(ctx, e.buildParams(model, req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			onChunk(delta)
		}
	}

	if err := stream.Err(); err != nil {
		return e.toEngineError(err)
	}
	return nil
}

func (e *Engine) buildParams(model string, req *engines.GenerationRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	// Settings arrive resolved (defaults already applied upstream), so zero
	// is a deliberate value for the sampling knobs and is forwarded as-is.
	s := req.Settings
	params.Temperature = openaiSDK.Float(s.Temperature)
	params.TopP = openaiSDK.Float(s.TopP)
	params.FrequencyPenalty = openaiSDK.Float(s.FrequencyPenalty)
	params.PresencePenalty = openaiSDK.Float(s.PresencePenalty)
	if s.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(s.MaxTokens))
	}

	return params
}

// EngineError is a structured error returned by an OpenAI-compatible API.
type EngineError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *EngineError) HTTPStatus() int { return e.StatusCode }

func (e *Engine) toEngineError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &EngineError{
			Name:       e.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
