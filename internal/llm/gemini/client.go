// Package gemini implements llm.Provider on the Google GenAI API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Client implements llm.Provider for Gemini.
type Client struct {
	sdk   *genai.Client
	model string
}

// Option adjusts the genai client config.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = u }
}

// New creates a Gemini client.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(cc)
	}
	sdk, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Client{sdk: sdk, model: model}, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "gemini" }

// Send implements llm.Provider.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, toContents(req.Messages), toConfig(req))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &apierr.UpstreamError{Service: "gemini", Op: "generate_content", Status: apiErr.Code, Err: err}
		}
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return fromResponse(resp), nil
}

func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func toConfig(req *llm.Request) *genai.GenerateContentConfig {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens), //nolint:gosec // bounded by config
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}

func fromResponse(resp *genai.GenerateContentResponse) *llm.Response {
	out := &llm.Response{
		Text:  strings.TrimSpace(resp.Text()),
		Model: resp.ModelVersion,
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return out
}
