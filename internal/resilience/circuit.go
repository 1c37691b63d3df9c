// Package resilience provides the circuit breaker, retry policy and error
// classification shared by every outbound call the pipeline makes.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected until the
	// cool-down elapses.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched (errors.Is) by every OpenError.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// OpenError is returned by Check while the breaker is cooling down.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry in %s)", e.Name, e.RetryIn.Round(time.Second))
}

// Is lets callers branch with errors.Is(err, ErrCircuitOpen).
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err signals a cooling-down dependency.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit
	// opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long after the last failure calls stay rejected.
	// Default: 60s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count as failures in Execute. If nil,
	// every error except context cancellation counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the pipeline defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 60 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for one external dependency.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a named circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Name returns the dependency name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Check returns an *OpenError while the breaker is tripped and the cool-down
// has not elapsed. Once it has, counters are reset and Check succeeds.
func (cb *CircuitBreaker) Check() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failureCount < cb.cfg.MaxFailures {
		return nil
	}
	elapsed := cb.nowFunc().Sub(cb.lastFailureTime)
	if elapsed < cb.cfg.ResetTimeout {
		return &OpenError{Name: cb.name, RetryIn: cb.cfg.ResetTimeout - elapsed}
	}
	cb.resetLocked()
	return nil
}

// RecordFailure increments the failure count and stamps the failure time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.nowFunc()
	if cb.failureCount == cb.cfg.MaxFailures {
		cb.notify(CircuitClosed, CircuitOpen)
	}
}

// RecordSuccess clears any accumulated failures.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failureCount > 0 {
		cb.resetLocked()
	}
}

// Reset forces the circuit back to its zero state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

// Execute runs fn when the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Check(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Check(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current circuit state without resetting it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Snapshot is a point-in-time view of a breaker for observability.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.stateLocked().String(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.failureCount >= cb.cfg.MaxFailures &&
		cb.nowFunc().Sub(cb.lastFailureTime) < cb.cfg.ResetTimeout {
		return CircuitOpen
	}
	return CircuitClosed
}

func (cb *CircuitBreaker) record(err error) {
	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return !errors.Is(e, context.Canceled) }
	}
	if err != nil && shouldTrip(err) {
		cb.RecordFailure()
		return
	}
	if err == nil {
		cb.RecordSuccess()
	}
}

func (cb *CircuitBreaker) resetLocked() {
	wasOpen := cb.failureCount >= cb.cfg.MaxFailures
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	if wasOpen {
		cb.notify(CircuitOpen, CircuitClosed)
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// ServiceBreakers manages circuit breakers for multiple services.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry of per-service circuit breakers.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(service, sb.cfg)
	sb.breakers[service] = cb
	return cb
}

// Snapshots returns every registered breaker, sorted by name.
func (sb *ServiceBreakers) Snapshots() []Snapshot {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make([]Snapshot, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
