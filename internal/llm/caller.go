package llm

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/resilience"
)

// Requester is the part of DualClient the Caller needs.
type Requester interface {
	Do(ctx context.Context, prompt string) (Reply, error)
}

// Caller guards LLM calls with a circuit breaker and retries, and parses the
// reply before declaring success.
type Caller struct {
	client  Requester
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewCaller creates a Caller. Retries apply to provider failures and
// malformed replies only.
func NewCaller(client Requester, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig) *Caller {
	retry.ShouldRetry = IsRetryable
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", breaker.Name())
	}
	return &Caller{client: client, breaker: breaker, retry: retry}
}

// WithRetry returns a copy of c that shares its client and breaker but uses
// a different retry policy.
func (c *Caller) WithRetry(retry resilience.RetryConfig) *Caller {
	return NewCaller(c.client, c.breaker, retry)
}

// Breaker returns the circuit breaker guarding this caller.
func (c *Caller) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Call sends prompt and parses the reply with parse. An open breaker returns
// an error matching resilience.ErrCircuitOpen without calling anything. The
// breaker records a failure only once retries are exhausted; a successful
// parse counts as success whatever its business meaning.
func Call[T any](ctx context.Context, c *Caller, prompt string, parse func(Reply) (T, error)) (T, error) {
	var zero T
	if err := c.breaker.Check(); err != nil {
		return zero, err
	}

	v, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (T, error) {
		reply, err := c.client.Do(ctx, prompt)
		if err != nil {
			return zero, err
		}
		return parse(reply)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return zero, err
		}
		c.breaker.RecordFailure()
		zap.L().Warn("llm: call failed",
			zap.String("breaker", c.breaker.Name()),
			zap.Error(err),
		)
		return zero, err
	}
	c.breaker.RecordSuccess()
	return v, nil
}

// CallJSON sends prompt and decodes the reply object into T. found is false
// when the model answered with an empty object, which means nothing
// qualified. When T has a Validate method a failing check makes the reply
// malformed, so it is retried like a parse error.
func CallJSON[T any](ctx context.Context, c *Caller, prompt string) (v T, found bool, err error) {
	type result struct {
		v     T
		found bool
	}
	r, err := Call(ctx, c, prompt, func(reply Reply) (result, error) {
		if IsEmptyObject(reply.Text) {
			return result{}, nil
		}
		var out T
		if err := ParseJSONObject(reply.Provider, reply.Text, &out); err != nil {
			return result{}, err
		}
		if v, ok := any(out).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return result{}, &MalformedResponseError{Provider: reply.Provider, Body: reply.Text, Err: err}
			}
		}
		return result{v: out, found: true}, nil
	})
	return r.v, r.found, err
}
