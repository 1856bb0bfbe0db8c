package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-3-5-haiku-latest"
	anthropicMaxRetries   = 3
	anthropicMaxTokens    = 1024
)

func init() {
	RegisterFactory("anthropic", func(config map[string]any) (Provider, error) {
		apiKey := configString(config, "api_key", "ANTHROPIC_API_KEY", "")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		p := NewAnthropicProvider(apiKey, configString(config, "base_url", "", anthropicBaseURL))
		p.model = configString(config, "model", "", anthropicDefaultModel)
		return p, nil
	})
}

// AnthropicProvider implements Provider for the Anthropic Messages API
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	// backoff is the first retry delay; it doubles per attempt.
	backoff time.Duration
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   anthropicDefaultModel,
		client:  &http.Client{Timeout: 60 * time.Second},
		backoff: time.Second,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateCompletion creates a completion. Rate limits and server errors are
// retried with exponential backoff.
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	system, rest := splitSystem(req.Messages)
	body := anthropicRequest{
		Model:       req.Model,
		Messages:    alternate(rest),
		System:      system,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicMaxTokens
	}
	if len(body.Messages) == 0 {
		return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest, "no user message", nil)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := p.backoff
	for attempt := 0; attempt < anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewProviderError(p.Name(), ErrorCodeTimeout, ctx.Err().Error(), ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := p.do(ctx, data)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var pe *ProviderError
		if errors.As(err, &pe) && !pe.IsRetryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *AnthropicProvider) do(ctx context.Context, data []byte) (*CompletionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewProviderError(p.Name(), classifyMessage(err), err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewProviderError(p.Name(), ErrorCodeServerError, err.Error(), err)
	}
	var out anthropicResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		e := NewProviderError(p.Name(), codeForStatus(resp.StatusCode), msg, nil)
		e.StatusCode = resp.StatusCode
		return nil, e
	}
	if decodeErr != nil {
		return nil, NewProviderError(p.Name(), ErrorCodeServerError, "decode response: "+decodeErr.Error(), decodeErr)
	}

	var content string
	for _, block := range out.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, ErrEmptyResponse
	}

	finish := out.StopReason
	if finish == "end_turn" {
		finish = "stop"
	}
	return &CompletionResponse{
		Content:      content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}
