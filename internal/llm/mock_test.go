package llm

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/tweet-digest/pkg/anthropic"
	"github.com/sells-group/tweet-digest/pkg/openaicompat"
	"github.com/sells-group/tweet-digest/pkg/perplexity"
)

// --- Provider Mock ---

type mockProvider struct {
	mock.Mock
	name string
}

func newMockProvider(name string) *mockProvider { return &mockProvider{name: name} }

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, prompt, timeout)
	return args.String(0), args.Error(1)
}

// --- Requester Mock ---

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) Do(ctx context.Context, prompt string) (Reply, error) {
	args := m.Called(ctx, prompt)
	return args.Get(0).(Reply), args.Error(1)
}

// --- SDK client mocks ---

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) ChatCompletion(ctx context.Context, req openaicompat.Request) (*openaicompat.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openaicompat.Response), args.Error(1)
}

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockPerplexityClient struct {
	mock.Mock
}

func (m *mockPerplexityClient) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.ChatCompletionResponse), args.Error(1)
}
