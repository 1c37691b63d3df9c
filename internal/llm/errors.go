package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/resilience"
)

// ErrNoResponse is returned when neither provider produced a usable reply.
var ErrNoResponse = eris.New("llm: no provider returned a usable response")

// ProviderError is a single failed call to one provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("llm: %s: timed out: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("llm: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("llm: %s: %v", e.Provider, e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedResponseError means a provider answered but the body was not the
// complete JSON object the caller asked for.
type MalformedResponseError struct {
	Provider string
	Body     string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("llm: malformed response: %v", e.Err)
	}
	return fmt.Sprintf("llm: %s: malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed LLM call is worth repeating. Provider
// failures, malformed bodies and empty replies are; an open breaker and a
// cancelled context are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if resilience.IsCircuitOpen(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Timeout || pe.StatusCode == 0 || resilience.IsTransientHTTPStatus(pe.StatusCode)
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return true
	}
	return errors.Is(err, ErrNoResponse)
}
