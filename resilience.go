package liverelay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for failed operations.
//
// Only opening a session is ever retried. A session that drops mid
// conversation is not re-dialled: the user starts a new one.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Set to 0 to disable retries.
	MaxRetries int

	// BaseDelay is the initial delay between retries.
	// Default: 500 milliseconds
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 5 seconds
	MaxDelay time.Duration

	// Multiplier is used for exponential backoff.
	// Default: 2.0
	Multiplier float64

	// Jitter adds randomness to retry delays to avoid thundering herd.
	// Value between 0.0 and 1.0. Default: 0.1 (10% jitter)
	Jitter float64

	// RetryableErrors decides whether an error should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryableErrors: func(err error) bool {
			// Configuration errors and an open circuit will not go away by retrying.
			if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrCircuitOpen) {
				return false
			}
			var connErr *ConnectionError
			var sendErr *SendError
			return errors.As(err, &connErr) || errors.As(err, &sendErr)
		},
	}
}

// RetryableOperation represents an operation that can be retried.
type RetryableOperation func() error

// WithRetry executes an operation with retry logic based on the provided configuration.
func WithRetry(ctx context.Context, config RetryConfig, op RetryableOperation) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(calculateDelay(attempt, config)):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// calculateDelay computes the delay for a retry attempt with exponential backoff and jitter.
func calculateDelay(attempt int, config RetryConfig) time.Duration {
	mult := config.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(config.BaseDelay) * math.Pow(mult, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter > 0 {
		// Uniform in [-jitter, +jitter] of the delay.
		delay += delay * config.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// DialWithRetry opens an upstream session, retrying failed attempts.
func DialWithRetry(ctx context.Context, cfg Config, setup Setup, retryConfig RetryConfig) (*Upstream, error) {
	var up *Upstream
	err := WithRetry(ctx, retryConfig, func() error {
		var err error
		up, err = Dial(ctx, cfg, setup)
		return err
	})
	return up, err
}

// RetryDialer wraps d so that each open is retried per retryConfig.
func RetryDialer(d Dialer, retryConfig RetryConfig) Dialer {
	if retryConfig.MaxRetries <= 0 {
		return d
	}
	return func(ctx context.Context, setup Setup) (UpstreamSession, error) {
		var up UpstreamSession
		err := WithRetry(ctx, retryConfig, func() error {
			var err error
			up, err = d(ctx, setup)
			return err
		})
		return up, err
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before attempting to recover.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of successes needed to close the circuit.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig opens after five straight failures for 30 seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 1}
}

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast after repeated upstream failures, so a broken
// upstream is reported to clients at once instead of after a dial timeout.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          CircuitBreakerConfig
	state           CircuitBreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed, now: time.Now}
}

// Execute runs an operation through the circuit breaker. When the circuit is
// open it returns ErrCircuitOpen without running op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := op()
	cb.record(err)
	return err
}

// Dialer wraps d so that opens go through the breaker. Configuration errors
// do not count as upstream failures.
func (cb *CircuitBreaker) Dialer(d Dialer) Dialer {
	return func(ctx context.Context, setup Setup) (UpstreamSession, error) {
		if !cb.allow() {
			return nil, NewConnectionError("", "dial", ErrCircuitOpen)
		}
		up, err := d(ctx, setup)
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}
		cb.record(err)
		return up, err
	}
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailureTime = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}
		return
	}
	cb.successes++
	cb.failures = 0
	if cb.state == CircuitHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.state = CircuitClosed
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
