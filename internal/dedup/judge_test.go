package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/llm"
	"github.com/sells-group/tweet-digest/internal/resilience"
)

type stubRequester struct {
	reply   string
	prompts []string
}

func (s *stubRequester) Do(_ context.Context, prompt string) (llm.Reply, error) {
	s.prompts = append(s.prompts, prompt)
	return llm.Reply{Text: s.reply, Provider: "stub"}, nil
}

func newStubCaller(reply string) (*llm.Caller, *stubRequester) {
	req := &stubRequester{reply: reply}
	breaker := resilience.NewCircuitBreaker("dedup", resilience.DefaultCircuitBreakerConfig())
	return llm.NewCaller(req, breaker, resilience.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}), req
}

func TestLLMJudge_ParsesJudgment(t *testing.T) {
	caller, req := newStubCaller(`{"are_duplicates": true, "keep_item_ids": [1], "reason": "same launch", "confidence": 0.85}`)
	j := NewLLMJudge(caller)

	got, err := j.Judge(context.Background(), []Entry{
		{Text: "SUI launches X", URL: "https://x.com/a/status/1"},
		{Text: "SUI launches X with 3 partners", URL: "https://x.com/b/status/2"},
	})

	require.NoError(t, err)
	require.True(t, got.complete())
	assert.True(t, *got.AreDuplicates)
	assert.Equal(t, []int{1}, got.KeepIDs)
	assert.InDelta(t, 0.85, *got.Confidence, 0.0001)
	require.Len(t, req.prompts, 1)
	assert.True(t, strings.Contains(req.prompts[0], `"id": 1`))
	assert.True(t, strings.Contains(req.prompts[0], "with 3 partners"))
}

func TestLLMJudge_EmptyObjectIsIncomplete(t *testing.T) {
	caller, _ := newStubCaller(`{}`)
	got, err := NewLLMJudge(caller).Judge(context.Background(), []Entry{{Text: "a"}, {Text: "b"}})

	require.NoError(t, err)
	assert.False(t, got.complete())
}

func TestLLMJudge_MalformedReplyKeepsBatch(t *testing.T) {
	caller, _ := newStubCaller(`{"are_duplicates": true, "keep_item_ids": [0]`)
	c := NewCollapser(func(e Entry) Entry { return e }, Judge(NewLLMJudge(caller)))
	batch := []Entry{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}}

	assert.Equal(t, batch, c.Collapse(context.Background(), batch))
}
