package filter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/llm"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
)

const testDate = "20250110"

// scriptedRequester answers prompts with respond and records them.
type scriptedRequester struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (s *scriptedRequester) Do(_ context.Context, prompt string) (llm.Reply, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	text, err := s.respond(prompt)
	if err != nil {
		return llm.Reply{}, err
	}
	return llm.Reply{Text: text, Provider: "stub"}, nil
}

func (s *scriptedRequester) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newScriptedCaller(respond func(string) (string, error)) (*llm.Caller, *scriptedRequester) {
	req := &scriptedRequester{respond: respond}
	breaker := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: time.Minute})
	retry := resilience.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return llm.NewCaller(req, breaker, retry), req
}

func replyWith(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func testStageConfig(size int) config.StageConfig {
	return config.StageConfig{ChunkSize: size}
}

func writeStageOutput[T any](t *testing.T, path string, items ...T) {
	t.Helper()
	var out model.StageOutput[T]
	out.Append(testDate, time.Now(), items...)
	require.NoError(t, jsonfile.WriteAtomic(path, out))
}

func readStageOutput[T any](t *testing.T, path string) model.StageOutput[T] {
	t.Helper()
	var out model.StageOutput[T]
	_, err := jsonfile.Read(path, &out)
	require.NoError(t, err)
	return out
}

func promptHas(prompt string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(prompt, p) {
			return false
		}
	}
	return true
}

func readJSON(path string, v any) (bool, error) {
	return jsonfile.Read(path, v)
}
