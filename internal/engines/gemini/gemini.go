package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	engineName     = "gemini"
)

// Engine implements engines.Engine for Google Gemini (official GenAI SDK).
type Engine struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	base       string
	apiVersion string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(e *Engine) { e.baseURL = u }
}

// New creates a new Gemini Engine.
func New(ctx context.Context, apiKey string, opts ...Option) (*Engine, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	e := &Engine{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(e)
	}

	e.base, e.apiVersion = splitBaseURLAndVersion(e.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      e.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: engines.EngineTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: e.base, APIVersion: e.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	e.client = client
	return e, nil
}

func (e *Engine) Name() string { return engineName }

func (e *Engine) Complete(ctx context.Context, model string, req *engines.GenerationRequest) (*engines.Completion, error) {
	contents, cfg := buildContentsAndConfig(req)

	resp, err := e.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toEngineError(err)
	}

	id := ""
	out := ""
	if resp != nil {
		id = resp.ResponseID
		out = resp.Text()
	}
	if id == "" {
		id = generateID()
	}

	return &engines.Completion{
		ID:      id,
		Model:   model,
		Content: out,
	}, nil
}

func (e *Engine) CompleteStream(ctx context.Context, model string, req *engines.GenerationRequest, onChunk func(string)) error {
	contents, cfg := buildContentsAndConfig(req)

	for resp, err := range e.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return toEngineError(err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		if text := candidateText(resp.Candidates[0]); text != "" {
			onChunk(text)
		}
	}
	return nil
}

func buildContentsAndConfig(req *engines.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	s := req.Settings
	cfg := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if s.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(s.Temperature))
	}
	if s.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(s.MaxTokens)
	}
	if s.TopP > 0 && s.TopP < 1 {
		cfg.TopP = genai.Ptr[float32](float32(s.TopP))
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// EngineError is a structured error returned by the Gemini API (SDK wrapper).
type EngineError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements engines.StatusCoder.
func (e *EngineError) HTTPStatus() int { return e.StatusCode }

func toEngineError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &EngineError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
