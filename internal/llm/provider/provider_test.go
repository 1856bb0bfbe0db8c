package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("mock"))

	_, err := r.Get("mock")
	require.Error(t, err)

	_, err = r.Create("mock", nil)
	require.Error(t, err, "no factory registered yet")

	r.RegisterFactory("mock", func(map[string]any) (Provider, error) { return NewMockProvider("hi"), nil })
	r.RegisterFactory("broken", func(map[string]any) (Provider, error) { return nil, errors.New("nope") })
	assert.Equal(t, []string{"broken", "mock"}, r.Factories())

	p, err := r.Create("mock", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.True(t, r.Has("mock"))
	assert.Equal(t, []string{"mock"}, r.List())

	_, err = r.Create("broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestGlobalFactories(t *testing.T) {
	names := Factories()
	for _, want := range []string{"bedrock", "gemini", "mock", "openai", "vertexai", "xai"} {
		assert.Contains(t, names, want)
	}
}

func TestOpenAIFactoryRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := Create("openai", map[string]any{})
	require.Error(t, err)

	p, err := Create("openai", map[string]any{"api_key": "sk-test", "model": "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o", p.(*OpenAIProvider).model)
}

func TestProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{ErrorCodeRateLimit, true},
		{ErrorCodeServerError, true},
		{ErrorCodeTimeout, true},
		{ErrorCodeAuthentication, false},
		{ErrorCodeInvalidRequest, false},
		{ErrorCodeContentFiltered, false},
	}
	for _, tt := range tests {
		orig := errors.New("x")
		err := NewProviderError("p", tt.code, "msg", orig)
		assert.Equal(t, tt.retryable, err.IsRetryable, tt.code)
		assert.ErrorIs(t, err, orig)
		assert.Equal(t, "p error: msg", err.Error())
	}
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, ErrorCodeInvalidRequest, codeForStatus(400))
	assert.Equal(t, ErrorCodeAuthentication, codeForStatus(401))
	assert.Equal(t, ErrorCodeAuthentication, codeForStatus(403))
	assert.Equal(t, ErrorCodeModelNotFound, codeForStatus(404))
	assert.Equal(t, ErrorCodeRateLimit, codeForStatus(429))
	assert.Equal(t, ErrorCodeServerError, codeForStatus(503))
	assert.Equal(t, ErrorCodeTimeout, codeForStatus(504))
	assert.Equal(t, ErrorCodeUnknown, codeForStatus(302))
}

func TestClassifyMessage(t *testing.T) {
	tests := map[string]string{
		"rpc error: 429 Too Many Requests": ErrorCodeRateLimit,
		"Quota exceeded for project":       ErrorCodeQuotaExceeded,
		"invalid credential":               ErrorCodeAuthentication,
		"model foo not found":              ErrorCodeModelNotFound,
		"candidate blocked by SAFETY":      ErrorCodeContentFiltered,
		"503 service unavailable":          ErrorCodeServerError,
		"something odd":                    ErrorCodeUnknown,
	}
	for msg, want := range tests {
		assert.Equal(t, want, classifyMessage(errors.New(msg)), msg)
	}
	assert.Equal(t, ErrorCodeTimeout, classifyMessage(context.DeadlineExceeded))
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "u"}}, rest)
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider("one", "two")
	ctx := context.Background()
	for _, want := range []string{"one", "two", "one"} {
		resp, err := m.CreateCompletion(ctx, CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Len(t, m.Requests(), 3)

	echo := NewMockProvider()
	resp, err := echo.CreateCompletion(ctx, CompletionRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", resp.Content)
}

func TestMockProviderDelayHonoursContext(t *testing.T) {
	m := NewMockProvider("late")
	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.CreateCompletion(ctx, CompletionRequest{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeTimeout, pe.Code)
}

func TestInstrumentedProvider(t *testing.T) {
	inner := NewMockProvider("fine")
	p := NewInstrumentedProvider(inner)
	assert.Equal(t, "mock", p.Name())
	assert.Same(t, inner, p.Unwrap())

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Content)

	inner.Err = errors.New("down")
	_, err = p.CreateCompletion(context.Background(), CompletionRequest{})
	assert.EqualError(t, err, "down")
}

func TestTextCompleter(t *testing.T) {
	inner := NewMockProvider("steady")
	c := TextCompleter{Provider: inner, Model: "small", MaxTokens: 4}

	out, err := c.Complete(context.Background(), "classify", "data")
	require.NoError(t, err)
	assert.Equal(t, "steady", out)

	req := inner.Requests()[0]
	assert.Equal(t, "small", req.Model)
	assert.Equal(t, 4, req.MaxTokens)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "classify"}, {Role: RoleUser, Content: "data"}}, req.Messages)
}
