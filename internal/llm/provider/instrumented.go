package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/observability"
	metrics "github.com/aixgo-dev/stagecraft/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

// InstrumentedProvider wraps a Provider with a trace span and token
// accounting around every call.
type InstrumentedProvider struct {
	provider Provider
}

// NewInstrumentedProvider wraps provider
func NewInstrumentedProvider(provider Provider) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider}
}

// Name returns the wrapped provider's name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// Unwrap returns the wrapped provider
func (p *InstrumentedProvider) Unwrap() Provider {
	return p.provider
}

// CreateCompletion creates a completion with a span around it
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	name := p.provider.Name()
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.completion", name),
		attribute.String("llm.provider", name),
		attribute.String("llm.model", request.Model),
		attribute.Float64("llm.temperature", request.Temperature),
		attribute.Int("llm.max_tokens", request.MaxTokens),
		attribute.Int("llm.messages_count", len(request.Messages)),
	)

	start := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int64("llm.duration_ms", elapsed.Milliseconds()))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
		attribute.String("llm.finish_reason", response.FinishReason),
	)
	observability.EndSpan(span, nil)
	metrics.RecordTokens(name, response.Usage.PromptTokens, response.Usage.CompletionTokens)

	if response.FinishReason == "length" || response.FinishReason == "max_tokens" {
		log.Printf("[%s] completion truncated after %d tokens", name, response.Usage.CompletionTokens)
	}
	return response, nil
}

// TextCompleter adapts a Provider to a plain system/user prompt call.
type TextCompleter struct {
	Provider    Provider
	Model       string
	MaxTokens   int
	Temperature float64
}

// Complete sends a two-message request and returns the text.
func (c TextCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.Provider.CreateCompletion(ctx, CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
