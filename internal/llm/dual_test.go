package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDualClient_PrimarySucceeds(t *testing.T) {
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", 3*time.Second).Return(`{"ok":true}`, nil)

	d := NewDualClient(primary, fallback, 0, 0)
	text, ok := d.Request(context.Background(), "p")

	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, text)
	fallback.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestDualClient_FallsBackOnTimeout(t *testing.T) {
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", 3*time.Second).
		Return("", &ProviderError{Provider: "deepseek", Timeout: true, Err: context.DeadlineExceeded})
	fallback.On("Complete", mock.Anything, "p", 10*time.Second).Return(`{"from":"fallback"}`, nil)

	d := NewDualClient(primary, fallback, 3*time.Second, 10*time.Second)
	reply, err := d.Do(context.Background(), "p")

	require.NoError(t, err)
	assert.Equal(t, "openai", reply.Provider)
	assert.Equal(t, `{"from":"fallback"}`, reply.Text)
}

func TestDualClient_FallsBackOnMalformedPayload(t *testing.T) {
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", mock.Anything).Return(`{"truncated": "ye`, nil)
	fallback.On("Complete", mock.Anything, "p", mock.Anything).Return(`{"complete":1}`, nil)

	d := NewDualClient(primary, fallback, 0, 0)
	text, ok := d.Request(context.Background(), "p")

	require.True(t, ok)
	assert.Equal(t, `{"complete":1}`, text)
}

func TestDualClient_FallsBackOnStatusError(t *testing.T) {
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", mock.Anything).
		Return("", &ProviderError{Provider: "deepseek", StatusCode: 503, Err: errors.New("unavailable")})
	fallback.On("Complete", mock.Anything, "p", mock.Anything).Return(`{}`, nil)

	d := NewDualClient(primary, fallback, 0, 0)
	text, ok := d.Request(context.Background(), "p")

	require.True(t, ok)
	assert.Equal(t, `{}`, text)
}

func TestDualClient_BothFailReturnsNoResponse(t *testing.T) {
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", mock.Anything).Return("", errors.New("down"))
	fallback.On("Complete", mock.Anything, "p", mock.Anything).Return("", nil)

	d := NewDualClient(primary, fallback, 0, 0)

	text, ok := d.Request(context.Background(), "p")
	assert.False(t, ok)
	assert.Empty(t, text)

	_, err := d.Do(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.True(t, IsRetryable(err))
}

func TestDualClient_NoFallback(t *testing.T) {
	primary := newMockProvider("deepseek")
	primary.On("Complete", mock.Anything, "p", mock.Anything).Return("", errors.New("down"))

	d := NewDualClient(primary, nil, 0, 0)
	_, err := d.Do(context.Background(), "p")
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestDualClient_CancelledContextSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := newMockProvider("deepseek")
	fallback := newMockProvider("openai")
	primary.On("Complete", mock.Anything, "p", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled)

	d := NewDualClient(primary, fallback, 0, 0)
	_, err := d.Do(ctx, "p")

	assert.ErrorIs(t, err, context.Canceled)
	fallback.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestDualClient_AcceptsFencedJSON(t *testing.T) {
	primary := newMockProvider("deepseek")
	primary.On("Complete", mock.Anything, "p", mock.Anything).Return("```json\n{\"a\":1}\n```", nil)

	d := NewDualClient(primary, nil, 0, 0)
	_, ok := d.Request(context.Background(), "p")
	assert.True(t, ok)
}
