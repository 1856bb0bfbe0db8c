package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_CreateCompletion(t *testing.T) {
	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "Bulkhead sealed."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 3}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", server.URL+"/v1")
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are Vega."},
			{Role: RoleAssistant, Content: "Welcome aboard."},
			{Role: RoleUser, Content: "Seal it."},
			{Role: RoleUser, Content: "Now."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bulkhead sealed.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 23, resp.Usage.TotalTokens)

	assert.Equal(t, "You are Vega.", got.System)
	assert.Equal(t, anthropicDefaultModel, got.Model)
	assert.Equal(t, anthropicMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Seal it.\n\nNow.", got.Messages[0].Content)
}

func TestAnthropicProvider_Errors(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("k", server.URL)
	p.backoff = time.Millisecond
	req := CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}}

	_, err := p.CreateCompletion(context.Background(), req)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorCodeRateLimit, pe.Code)
	assert.Equal(t, "slow down", pe.Message)
	assert.Equal(t, int32(anthropicMaxRetries), calls.Load())

	calls.Store(0)
	status.Store(http.StatusUnauthorized)
	_, err = p.CreateCompletion(context.Background(), req)
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorCodeAuthentication, pe.Code)
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors are not retried")
}

func TestAnthropicProvider_NoUserTurn(t *testing.T) {
	p := NewAnthropicProvider("k", "http://127.0.0.1:1")
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleSystem, Content: "only system"}},
	})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorCodeInvalidRequest, pe.Code)
}

func TestOllamaProvider_CreateCompletion(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Reactor stable."},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":2}`))
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL)
	require.NoError(t, err)
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages:    []Message{{Role: RoleSystem, Content: "You are Vega."}, {Role: RoleUser, Content: "Reactor?"}},
		MaxTokens:   50,
		Temperature: 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, "Reactor stable.", resp.Content)
	assert.Equal(t, 11, resp.Usage.TotalTokens)

	assert.Equal(t, ollamaDefaultModel, got.Model)
	assert.False(t, got.Stream)
	assert.Len(t, got.Messages, 2)
	assert.EqualValues(t, 50, got.Options["num_predict"])
}

func TestOllamaProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusNotFound)
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL)
	require.NoError(t, err)
	_, err = p.CreateCompletion(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorCodeModelNotFound, pe.Code)
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
}

func TestNewOllamaProvider_RejectsBadURLs(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "localhost:11434", "http://"} {
		_, err := NewOllamaProvider(u)
		assert.Error(t, err, u)
	}
}

func TestAlternate(t *testing.T) {
	out := alternate([]Message{
		{Role: RoleAssistant, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleUser, Content: "c"},
		{Role: RoleAssistant, Content: "d"},
	})
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "b\n\nc"},
		{Role: RoleAssistant, Content: "d"},
	}, out)
}
