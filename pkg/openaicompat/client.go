// Package openaicompat talks to any OpenAI-compatible chat completions API
// (OpenAI, DeepSeek) through go-openai.
package openaicompat

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
)

// Well-known endpoints.
const (
	OpenAIBaseURL   = "https://api.openai.com/v1"
	DeepSeekBaseURL = "https://api.deepseek.com"
)

// Client performs chat completions.
type Client interface {
	ChatCompletion(ctx context.Context, req Request) (*Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
}

// Response is the first choice of a completion.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// APIError carries the HTTP status of a failed request.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string { return e.Err.Error() }
func (e *APIError) Unwrap() error { return e.Err }

// Option configures the client.
type Option func(*config)

type config struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

type client struct {
	api   *openai.Client
	model string
	name  string
}

// NewClient creates a client. name is used in error messages.
func NewClient(name, apiKey string, opts ...Option) Client {
	cfg := config{baseURL: OpenAIBaseURL, model: "gpt-4o-mini"}
	for _, o := range opts {
		o(&cfg)
	}
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = cfg.baseURL
	if cfg.httpClient != nil {
		oc.HTTPClient = cfg.httpClient
	}
	return &client{api: openai.NewClientWithConfig(oc), model: cfg.model, name: name}
}

func (c *client) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		if status := statusOf(err); status != 0 {
			return nil, &APIError{StatusCode: status, Err: eris.Wrapf(err, "%s: chat completion", c.name)}
		}
		return nil, eris.Wrapf(err, "%s: chat completion", c.name)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Errorf("%s: response has no choices", c.name)
	}
	return &Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
