package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const (
	openaiDefaultModel = "gpt-4o-mini"
	xaiBaseURL         = "https://api.x.ai/v1"
	xaiDefaultModel    = "grok-3-mini"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := configString(config, "api_key", "OPENAI_API_KEY", "")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		p := NewOpenAIProvider(apiKey, configString(config, "base_url", "OPENAI_BASE_URL", ""))
		p.model = configString(config, "model", "", openaiDefaultModel)
		return p, nil
	})

	// xAI serves an OpenAI-compatible chat API.
	RegisterFactory("xai", func(config map[string]any) (Provider, error) {
		apiKey := configString(config, "api_key", "XAI_API_KEY", "")
		if apiKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY not set")
		}
		p := NewOpenAIProvider(apiKey, configString(config, "base_url", "", xaiBaseURL))
		p.name = "xai"
		p.model = configString(config, "model", "", xaiDefaultModel)
		return p, nil
	})
}

// OpenAIProvider implements Provider on the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
}

// NewOpenAIProvider creates a provider. An empty baseURL uses the public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		name:   "openai",
		model:  openaiDefaultModel,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// CreateCompletion sends one chat completion request.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, NewProviderError(p.name, ErrorCodeUnknown, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, NewProviderError(p.name, ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}
	return &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
	)
	switch {
	case errors.As(err, &apiErr):
		code := codeForStatus(apiErr.HTTPStatusCode)
		if c, ok := apiErr.Code.(string); ok && c == "insufficient_quota" {
			code = ErrorCodeQuotaExceeded
		}
		pe := NewProviderError(p.name, code, apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		return pe
	case errors.As(err, &reqErr):
		pe := NewProviderError(p.name, codeForStatus(reqErr.HTTPStatusCode), reqErr.Error(), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	default:
		return NewProviderError(p.name, classifyMessage(err), err.Error(), err)
	}
}
