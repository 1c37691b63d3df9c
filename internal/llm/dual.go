package llm

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Default per-provider timeouts.
const (
	DefaultPrimaryTimeout  = 3 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
)

// Reply is a usable completion and the provider that produced it.
type Reply struct {
	Text     string
	Provider string
}

// DualClient tries a fast primary provider and falls back to a slower
// secondary one.
type DualClient struct {
	primary         Provider
	fallback        Provider
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
}

// NewDualClient creates a DualClient. fallback may be nil.
func NewDualClient(primary, fallback Provider, primaryTimeout, fallbackTimeout time.Duration) *DualClient {
	if primaryTimeout <= 0 {
		primaryTimeout = DefaultPrimaryTimeout
	}
	if fallbackTimeout <= 0 {
		fallbackTimeout = DefaultFallbackTimeout
	}
	return &DualClient{
		primary:         primary,
		fallback:        fallback,
		primaryTimeout:  primaryTimeout,
		fallbackTimeout: fallbackTimeout,
	}
}

// Request returns the first usable reply text, or false when both providers
// failed. Provider failures are logged, never returned.
func (d *DualClient) Request(ctx context.Context, prompt string) (string, bool) {
	reply, err := d.Do(ctx, prompt)
	if err != nil {
		return "", false
	}
	return reply.Text, true
}

// Do is Request with the failure detail kept. The error wraps ErrNoResponse
// and the last provider error.
func (d *DualClient) Do(ctx context.Context, prompt string) (Reply, error) {
	text, err := d.try(ctx, d.primary, prompt, d.primaryTimeout)
	if err == nil {
		return Reply{Text: text, Provider: d.primary.Name()}, nil
	}
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}
	if d.fallback == nil {
		return Reply{}, eris.Wrap(ErrNoResponse, err.Error())
	}

	zap.L().Warn("llm: primary provider failed, using fallback",
		zap.String("primary", d.primary.Name()),
		zap.String("fallback", d.fallback.Name()),
		zap.Error(err),
	)
	text, err = d.try(ctx, d.fallback, prompt, d.fallbackTimeout)
	if err == nil {
		return Reply{Text: text, Provider: d.fallback.Name()}, nil
	}
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}
	zap.L().Warn("llm: fallback provider failed",
		zap.String("fallback", d.fallback.Name()),
		zap.Error(err),
	)
	return Reply{}, eris.Wrap(ErrNoResponse, err.Error())
}

// try calls p once. An empty body or one that is not a complete JSON object
// counts as a failed call.
func (d *DualClient) try(ctx context.Context, p Provider, prompt string, timeout time.Duration) (string, error) {
	text, err := p.Complete(ctx, prompt, timeout)
	if err != nil {
		return "", err
	}
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return "", &MalformedResponseError{Provider: p.Name(), Body: text, Err: eris.New("empty body")}
	}
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return "", &MalformedResponseError{Provider: p.Name(), Body: text, Err: eris.New("not a complete JSON object")}
	}
	return text, nil
}
