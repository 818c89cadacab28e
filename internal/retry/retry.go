// Package retry provides exponential backoff with jitter, an error
// classifier for retry decisions, and a circuit breaker for fallible
// operations such as storage writes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpenCircuit is returned when the breaker blocks a call; the
// underlying operation was not invoked.
var ErrOpenCircuit = errors.New("circuit breaker is open")

// Category drives the retry decision for a classified error.
type Category string

const (
	CategoryTransient          Category = "transient"
	CategoryRateLimited        Category = "rate_limited"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryPermanent          Category = "permanent"
	CategoryUnknown            Category = "unknown"
)

var transientPatterns = []string{
	"timeout", "connection refused", "connection reset",
	"temporary failure", "retry", "504",
}

var rateLimitPatterns = []string{
	"rate limit", "too many requests", "quota exceeded", "429",
}

var serviceUnavailablePatterns = []string{
	"service unavailable", "unavailable", "503",
}

// Permanent failures are never retried. Unique-constraint violations
// are integrity bugs, not transient conditions.
var permanentPatterns = []string{
	"unique constraint", "not found", "404", "invalid", "forbidden",
	"403", "unauthorized", "401", "permission denied", "bad request", "400",
}

// Classify maps an error to a retry category by lowercase substring
// match. Permanent patterns are checked first so "invalid ... retry"
// style messages stay permanent.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return CategoryPermanent
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return CategoryRateLimited
		}
	}
	for _, p := range serviceUnavailablePatterns {
		if strings.Contains(msg, p) {
			return CategoryServiceUnavailable
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return CategoryTransient
		}
	}
	return CategoryUnknown
}

// Policy configures backoff behavior.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

// DefaultPolicy matches the production pipeline defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		JitterFactor:    0.1,
	}
}

// Validate rejects nonsensical policies before a run starts.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.ExponentialBase < 1 {
		return fmt.Errorf("exponential base must be >= 1, got %g", p.ExponentialBase)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("jitter factor must be in [0,1], got %g", p.JitterFactor)
	}
	return nil
}

// Delay computes the backoff before retry attempt a (0-indexed):
// min(base * expBase^a, max) with symmetric jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.JitterFactor > 0 {
		jitter := d * p.JitterFactor
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultBreakerConfig: open after 5 consecutive failures, probe after
// 30s, close after 2 half-open successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// NewBreaker builds the underlying gobreaker state machine.
func NewBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	})
}

// AttemptError records one failed attempt.
type AttemptError struct {
	Attempt  int
	Category Category
	Err      error
}

// Result reports the outcome of a retried operation.
type Result struct {
	Success    bool
	Attempts   int
	TotalDelay time.Duration
	LastErr    error
	Errors     []AttemptError
}

// Manager combines a policy, an optional breaker and a logger.
type Manager struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewManager builds a Manager; breaker may be nil, logger may be nil.
func NewManager(policy Policy, breaker *gobreaker.CircuitBreaker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{policy: policy, breaker: breaker, logger: logger}
}

// retryable categories; permanent is the only hard stop.
func retryable(c Category) bool {
	switch c {
	case CategoryTransient, CategoryRateLimited, CategoryServiceUnavailable, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Do executes op with retries. Backoff sleeps respect ctx; an open
// breaker fails the attempt without invoking op.
func (m *Manager) Do(ctx context.Context, op func() error) Result {
	var res Result

	for attempt := 0; attempt <= m.policy.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		if err := ctx.Err(); err != nil {
			res.LastErr = err
			return res
		}

		err := m.invoke(op)
		if err == nil {
			res.Success = true
			return res
		}

		category := Classify(err)
		if errors.Is(err, ErrOpenCircuit) {
			res.LastErr = err
			res.Errors = append(res.Errors, AttemptError{Attempt: attempt + 1, Category: CategoryUnknown, Err: err})
			return res
		}

		res.LastErr = err
		res.Errors = append(res.Errors, AttemptError{Attempt: attempt + 1, Category: category, Err: err})
		m.logger.Warn("attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("category", string(category)),
			zap.Error(err))

		if !retryable(category) || attempt >= m.policy.MaxRetries {
			return res
		}

		delay := m.policy.Delay(attempt)
		switch category {
		case CategoryRateLimited:
			delay *= 2
		case CategoryServiceUnavailable:
			delay *= 3
		}
		res.TotalDelay += delay

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastErr = ctx.Err()
			return res
		case <-timer.C:
		}
	}
	return res
}

func (m *Manager) invoke(op func() error) error {
	if m.breaker == nil {
		return op()
	}
	_, err := m.breaker.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrOpenCircuit, err)
	}
	return err
}
