package provider

import (
	"context"
	"sync"
	"time"
)

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		p := NewMockProvider()
		if d, ok := config["delay"].(string); ok && d != "" {
			delay, err := time.ParseDuration(d)
			if err != nil {
				return nil, err
			}
			p.Delay = delay
		}
		return p, nil
	})
}

// MockProvider is an offline provider. It returns its scripted responses in
// order, cycling, and echoes the last user message when it has none.
type MockProvider struct {
	Delay time.Duration
	Err   error

	mu        sync.Mutex
	responses []string
	next      int
	requests  []CompletionRequest
}

// NewMockProvider creates a mock answering with responses.
func NewMockProvider(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return "mock"
}

// CreateCompletion records req and answers after Delay.
func (m *MockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	delay, fail := m.Delay, m.Err
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, NewProviderError("mock", ErrorCodeTimeout, ctx.Err().Error(), ctx.Err())
		case <-t.C:
		}
	}
	if fail != nil {
		return nil, fail
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var text string
	if len(m.responses) > 0 {
		text = m.responses[m.next%len(m.responses)]
		m.next++
	} else {
		text = "You said: " + lastUser(req.Messages)
	}
	return &CompletionResponse{
		Content:      text,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: len(req.Messages), CompletionTokens: 1, TotalTokens: len(req.Messages) + 1},
	}, nil
}

// Requests returns a copy of every request received.
func (m *MockProvider) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

func lastUser(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
