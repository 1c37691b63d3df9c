package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/pkg/anthropic"
	"github.com/sells-group/tweet-digest/pkg/openaicompat"
	"github.com/sells-group/tweet-digest/pkg/perplexity"
)

// OpenAIProvider adapts any OpenAI-compatible endpoint (OpenAI, DeepSeek).
// Responses are requested in JSON object mode.
type OpenAIProvider struct {
	name     string
	client   openaicompat.Client
	settings Settings
}

// NewOpenAIProvider wraps an openaicompat client.
func NewOpenAIProvider(name string, client openaicompat.Client, s Settings) *OpenAIProvider {
	return &OpenAIProvider{name: name, client: client, settings: s}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.client.ChatCompletion(callCtx, openaicompat.Request{
		System:      p.settings.System,
		Prompt:      prompt,
		Temperature: float32(p.settings.Temperature),
		MaxTokens:   p.settings.MaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		var apiErr *openaicompat.APIError
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", wrapCallError(p.name, callCtx, status, err)
	}
	return resp.Content, nil
}

// AnthropicProvider adapts the Claude messages API.
type AnthropicProvider struct {
	name     string
	client   anthropic.Client
	settings Settings
}

// NewAnthropicProvider wraps an anthropic client.
func NewAnthropicProvider(name string, client anthropic.Client, s Settings) *AnthropicProvider {
	return &AnthropicProvider{name: name, client: client, settings: s}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := p.settings.Temperature
	resp, err := p.client.CreateMessage(callCtx, anthropic.MessageRequest{
		MaxTokens:   int64(p.settings.MaxTokens),
		System:      p.settings.System,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		var apiErr *anthropic.APIError
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", wrapCallError(p.name, callCtx, status, err)
	}
	return resp.Text(), nil
}

// PerplexityProvider adapts the Perplexity chat API.
type PerplexityProvider struct {
	name     string
	client   perplexity.Client
	settings Settings
}

// NewPerplexityProvider wraps a perplexity client.
func NewPerplexityProvider(name string, client perplexity.Client, s Settings) *PerplexityProvider {
	return &PerplexityProvider{name: name, client: client, settings: s}
}

func (p *PerplexityProvider) Name() string { return p.name }

func (p *PerplexityProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := p.settings.Temperature
	maxTokens := p.settings.MaxTokens
	msgs := make([]perplexity.Message, 0, 2)
	if p.settings.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: p.settings.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: prompt})

	resp, err := p.client.ChatCompletion(callCtx, perplexity.ChatCompletionRequest{
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		var statusErr *perplexity.StatusError
		status := 0
		if errors.As(err, &statusErr) {
			status = statusErr.StatusCode
		}
		return "", wrapCallError(p.name, callCtx, status, err)
	}
	return resp.Content(), nil
}

// NewProvider builds the named provider from configuration, rate limited as
// configured.
func NewProvider(name string, pc config.ProviderConfig, s Settings) (Provider, error) {
	var p Provider
	switch pc.Kind {
	case "openai", "":
		p = NewOpenAIProvider(name, openaicompat.NewClient(name, pc.APIKey,
			openaicompat.WithBaseURL(pc.BaseURL),
			openaicompat.WithModel(pc.Model),
		), s)
	case "anthropic":
		var opts []anthropic.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.BaseURL))
		}
		p = NewAnthropicProvider(name, anthropic.NewClient(pc.APIKey, pc.Model, opts...), s)
	case "perplexity":
		p = NewPerplexityProvider(name, perplexity.NewClient(pc.APIKey,
			perplexity.WithBaseURL(pc.BaseURL),
			perplexity.WithModel(pc.Model),
		), s)
	default:
		return nil, eris.Errorf("llm: unknown provider kind %q for %s", pc.Kind, name)
	}
	return WithRateLimit(p, pc.RateLimit, pc.Burst), nil
}

// NewDualClientFromConfig builds the primary/fallback pair described by cfg.
func NewDualClientFromConfig(cfg config.LLMConfig) (*DualClient, error) {
	s := DefaultSettings()
	if cfg.Temperature > 0 {
		s.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		s.MaxTokens = cfg.MaxTokens
	}

	primaryCfg, ok := cfg.Providers[cfg.Primary]
	if !ok {
		return nil, eris.Errorf("llm: primary provider %q not configured", cfg.Primary)
	}
	primary, err := NewProvider(cfg.Primary, primaryCfg, s)
	if err != nil {
		return nil, err
	}

	var fallback Provider
	if cfg.Fallback != "" {
		fallbackCfg, ok := cfg.Providers[cfg.Fallback]
		if !ok {
			return nil, eris.Errorf("llm: fallback provider %q not configured", cfg.Fallback)
		}
		if fallback, err = NewProvider(cfg.Fallback, fallbackCfg, s); err != nil {
			return nil, err
		}
	}

	return NewDualClient(primary, fallback, cfg.PrimaryTimeout, cfg.FallbackTimeout), nil
}
