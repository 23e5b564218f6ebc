// Package retry provides bounded exponential backoff for storage
// operations against remote backends.
package retry

import (
	"context"
	stderr "errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/stowage/stowage/pkg/errors"
)

// Config defines retry behavior. It is pure configuration, immutable per
// execution.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt, so
	// total attempts = MaxRetries + 1. Zero means try once and propagate.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the exponential backoff base.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter scales each delay by a uniform random factor in [0.75, 1.25]
	// to prevent thundering herd.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableCodes lists error codes that trigger a retry in addition to
	// errors flagged retryable. Empty means rely on the error's own
	// retryable hint.
	RetryableCodes []errors.ErrorCode `yaml:"retryable_codes" json:"retryable_codes"`

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry configuration remote backends start
// from: connectivity and timeout kinds only.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryableCodes: []errors.ErrorCode{
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer executes operations with retry. A zero-delay or zero-multiplier
// Config is normalized at construction.
type Retryer struct {
	config Config
	logger *slog.Logger
}

// New creates a Retryer, applying defaults for zero values. MaxRetries is
// left as given: zero is a valid try-once configuration.
func New(config Config) *Retryer {
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Retryer{
		config: config,
		logger: slog.Default().With("component", "retry"),
	}
}

// Config returns the normalized configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes fn with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic and context support. The
// final error is returned exactly as the last attempt produced it.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) || attempt == r.config.MaxRetries {
			return lastErr
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, delay)
		}
		r.logger.Warn("retrying after transient failure",
			"attempt", attempt+1,
			"max_retries", r.config.MaxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}

	return lastErr
}

// shouldRetry classifies an error: only the common storage error kinds
// are ever retried, never raw SDK errors.
func (r *Retryer) shouldRetry(err error) bool {
	var se *errors.StorageError
	if !stderr.As(err, &se) {
		return false
	}
	if se.Retryable {
		return true
	}
	for _, code := range r.config.RetryableCodes {
		if se.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay computes min(BaseDelay * Multiplier^attempt, MaxDelay)
// with optional jitter. attempt is 0-indexed.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// Do is the one-shot form for call sites that do not hold a Retryer.
func Do(ctx context.Context, config Config, fn func(context.Context) error) error {
	return New(config).DoWithContext(ctx, fn)
}
