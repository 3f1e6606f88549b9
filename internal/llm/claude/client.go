// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client implements llm.Provider for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a Claude client. Extra options are appended after the defaults,
// so tests can point the client at a local server.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "claude" }

// Send implements llm.Provider.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Messages:    toSDKMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &apierr.UpstreamError{Service: "claude", Op: "messages", Status: apiErr.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

// toSDKMessages converts conversation turns. System messages are expected to
// have been split out already; any left over are sent as user text.
func toSDKMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var text []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	return &llm.Response{
		Text:       strings.Join(text, ""),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
