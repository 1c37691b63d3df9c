// Package llm wraps LLM providers behind a small capability interface and
// guards calls with fallback, retry and a circuit breaker.
package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Provider completes a prompt within timeout.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// Settings are the generation parameters shared by every provider.
type Settings struct {
	Temperature float64
	MaxTokens   int
	// System is sent as the system message when non-empty.
	System string
}

// DefaultSettings returns temperature 0.5 and 4096 output tokens.
func DefaultSettings() Settings {
	return Settings{
		Temperature: 0.5,
		MaxTokens:   4096,
		System:      "You are a precise assistant. Always answer with a single JSON object.",
	}
}

type limitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit throttles p to rps requests per second. A non-positive rps
// returns p unchanged.
func WithRateLimit(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	return &limitedProvider{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
	}
}

func (l *limitedProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &ProviderError{Provider: l.Name(), Err: err}
	}
	return l.Provider.Complete(ctx, prompt, timeout)
}

// wrapCallError classifies an error from a provider SDK call made under a
// timeout context.
func wrapCallError(name string, callCtx context.Context, status int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: name, Timeout: true, Err: err}
	}
	return &ProviderError{Provider: name, StatusCode: status, Err: err}
}
