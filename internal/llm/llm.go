// Package llm is the text-generation capability the agents use. A Provider
// talks to a concrete model API; Client wraps a Provider as a Generator that
// never fails, folding provider errors into the returned text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/muster/internal/llm")

// DefaultMaxTokens caps each response.
const DefaultMaxTokens = 2048

// ErrorPrefix starts every degraded response.
const ErrorPrefix = "Error calling language model: "

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("no language model provider configured")

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System is shorthand for a system message.
func System(s string) Message { return Message{Role: RoleSystem, Content: s} }

// User is shorthand for a user message.
func User(s string) Message { return Message{Role: RoleUser, Content: s} }

// Assistant is shorthand for an assistant message.
func Assistant(s string) Message { return Message{Role: RoleAssistant, Content: s} }

// Request is the provider-neutral input to one model call.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage counts tokens for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the provider-neutral output of one model call.
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// Provider is any model backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Generator turns messages into text. Implementations do not return errors;
// failures come back as text starting with ErrorPrefix.
type Generator interface {
	Generate(ctx context.Context, msgs []Message, temperature float64) string
}

// IsError reports whether text is a degraded response.
func IsError(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix)
}

// SplitSystem joins leading and interleaved system messages into one system
// prompt and returns the remaining conversation.
func SplitSystem(msgs []Message) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

// Hooks observe model calls. Nil fields are skipped.
type Hooks struct {
	OnCall func(provider string, inputTokens, outputTokens int, duration float64, err error)
}

// Client adapts a Provider to Generator.
type Client struct {
	provider  Provider
	logger    log.Logger
	hooks     Hooks
	maxTokens int
}

// NewClient returns a Client. A nil provider behaves as Unconfigured.
func NewClient(p Provider, logger log.Logger, hooks Hooks) *Client {
	if p == nil {
		p = Unconfigured{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{provider: p, logger: logger, hooks: hooks, maxTokens: DefaultMaxTokens}
}

// Provider returns the wrapped provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, msgs []Message, temperature float64) string {
	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.provider.Name()),
		attribute.Float64("llm.temperature", temperature),
		attribute.Int("llm.messages", len(msgs)),
	)

	sys, rest := SplitSystem(msgs)
	start := time.Now()
	resp, err := c.provider.Send(ctx, &Request{
		System:      sys,
		Messages:    rest,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.hooks.OnCall != nil {
			c.hooks.OnCall(c.provider.Name(), 0, 0, dur, err)
		}
		if !errors.Is(err, ErrNotConfigured) {
			c.logger.Error(ctx, err, "llm call failed", "provider", c.provider.Name())
		}
		return fmt.Sprintf("%s%v", ErrorPrefix, err)
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
		attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
		attribute.String("llm.model", resp.Model),
	)
	if c.hooks.OnCall != nil {
		c.hooks.OnCall(c.provider.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, nil)
	}
	return resp.Text
}

// Unconfigured is the Provider used when no model API is set up.
type Unconfigured struct{}

// Name implements Provider.
func (Unconfigured) Name() string { return "none" }

// Send implements Provider.
func (Unconfigured) Send(context.Context, *Request) (*Response, error) {
	return nil, ErrNotConfigured
}
