package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/pkg/anthropic"
	"github.com/sells-group/tweet-digest/pkg/openaicompat"
	"github.com/sells-group/tweet-digest/pkg/perplexity"
)

func TestOpenAIProvider_SendsJSONModeRequest(t *testing.T) {
	client := &mockOpenAIClient{}
	client.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(r openaicompat.Request) bool {
		return r.JSONMode && r.Prompt == "p" && r.MaxTokens == 4096 && r.Temperature == 0.5
	})).Return(&openaicompat.Response{Content: `{"a":1}`}, nil)

	p := NewOpenAIProvider("deepseek", client, DefaultSettings())
	text, err := p.Complete(context.Background(), "p", time.Second)

	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, text)
	assert.Equal(t, "deepseek", p.Name())
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	client := &mockOpenAIClient{}
	client.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &openaicompat.APIError{StatusCode: 429, Err: errors.New("slow down")})

	p := NewOpenAIProvider("openai", client, DefaultSettings())
	_, err := p.Complete(context.Background(), "p", time.Second)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 429, pe.StatusCode)
	assert.Equal(t, "openai", pe.Provider)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIProvider_Timeout(t *testing.T) {
	client := &mockOpenAIClient{}
	client.On("ChatCompletion", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	p := NewOpenAIProvider("deepseek", client, DefaultSettings())
	_, err := p.Complete(context.Background(), "p", 10*time.Millisecond)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Timeout)
}

func TestAnthropicProvider(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return len(r.Messages) == 1 && r.Messages[0].Content == "p" && r.MaxTokens == 4096
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"x":`}, {Type: "text", Text: `1}`}},
	}, nil)

	p := NewAnthropicProvider("claude", client, DefaultSettings())
	text, err := p.Complete(context.Background(), "p", time.Second)

	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, text)
}

func TestAnthropicProvider_StatusError(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 529, Err: errors.New("overloaded")})

	p := NewAnthropicProvider("claude", client, DefaultSettings())
	_, err := p.Complete(context.Background(), "p", time.Second)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 529, pe.StatusCode)
}

func TestPerplexityProvider(t *testing.T) {
	client := &mockPerplexityClient{}
	client.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(r perplexity.ChatCompletionRequest) bool {
		return len(r.Messages) == 2 && r.Messages[0].Role == "system" && r.Messages[1].Content == "p"
	})).Return(&perplexity.ChatCompletionResponse{
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: `{}`}}},
	}, nil)

	p := NewPerplexityProvider("perplexity", client, DefaultSettings())
	text, err := p.Complete(context.Background(), "p", time.Second)

	require.NoError(t, err)
	assert.Equal(t, `{}`, text)
}

func TestPerplexityProvider_StatusError(t *testing.T) {
	client := &mockPerplexityClient{}
	client.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &perplexity.StatusError{StatusCode: 500, Body: "boom"})

	p := NewPerplexityProvider("perplexity", client, DefaultSettings())
	_, err := p.Complete(context.Background(), "p", time.Second)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.StatusCode)
}

func TestWithRateLimit(t *testing.T) {
	inner := newMockProvider("deepseek")
	inner.On("Complete", mock.Anything, "p", time.Second).Return("{}", nil)

	assert.Same(t, Provider(inner), WithRateLimit(inner, 0, 0))

	limited := WithRateLimit(inner, 1000, 1)
	assert.Equal(t, "deepseek", limited.Name())
	for range 3 {
		_, err := limited.Complete(context.Background(), "p", time.Second)
		require.NoError(t, err)
	}
	inner.AssertNumberOfCalls(t, "Complete", 3)
}

func TestWithRateLimit_CancelledWait(t *testing.T) {
	inner := newMockProvider("deepseek")
	limited := WithRateLimit(inner, 0.001, 1)
	inner.On("Complete", mock.Anything, "p", time.Second).Return("{}", nil)

	_, err := limited.Complete(context.Background(), "p", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Complete(ctx, "p", time.Second)
	assert.Error(t, err)
	inner.AssertNumberOfCalls(t, "Complete", 1)
}

func TestNewProvider(t *testing.T) {
	s := DefaultSettings()

	p, err := NewProvider("deepseek", config.ProviderConfig{Kind: "openai", BaseURL: openaicompat.DeepSeekBaseURL, Model: "deepseek-chat"}, s)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	p, err = NewProvider("claude", config.ProviderConfig{Kind: "anthropic"}, s)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProvider{}, p)

	p, err = NewProvider("pplx", config.ProviderConfig{Kind: "perplexity", RateLimit: 2}, s)
	require.NoError(t, err)
	assert.Equal(t, "pplx", p.Name())

	_, err = NewProvider("x", config.ProviderConfig{Kind: "grpc"}, s)
	assert.Error(t, err)
}

func TestNewDualClientFromConfig(t *testing.T) {
	cfg := config.LLMConfig{
		Primary:  "deepseek",
		Fallback: "openai",
		Providers: map[string]config.ProviderConfig{
			"deepseek": {Kind: "openai", BaseURL: openaicompat.DeepSeekBaseURL},
			"openai":   {Kind: "openai"},
		},
	}
	d, err := NewDualClientFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", d.primary.Name())
	assert.Equal(t, "openai", d.fallback.Name())
	assert.Equal(t, DefaultPrimaryTimeout, d.primaryTimeout)

	cfg.Fallback = "missing"
	_, err = NewDualClientFromConfig(cfg)
	assert.Error(t, err)
}
