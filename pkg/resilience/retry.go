package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"go.uber.org/zap"
)

// Operation represents a call wrapped by retry or breaker logic.
type Operation func(ctx context.Context) (interface{}, error)

// RetryConfig defines the configuration for retry behavior
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// EnableJitter adds randomization to prevent thundering herd
	EnableJitter bool
	// RetryableChecker decides whether an error is worth retrying.
	// Nil means every error is retryable.
	RetryableChecker func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// RetryWithName executes the operation with bounded exponential backoff and
// records metrics under operationName.
func RetryWithName(ctx context.Context, config RetryConfig, operation Operation, operationName string) (interface{}, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		result, err := operation(ctx)
		if err == nil {
			RecordRetryAttempt(operationName, true)
			if attempt > 1 {
				logger.Get().Info("operation succeeded after retry",
					zap.String("operation", operationName),
					zap.Int("attempt", attempt),
				)
			}
			return result, nil
		}

		RecordRetryAttempt(operationName, false)
		lastErr = err

		if config.RetryableChecker != nil && !config.RetryableChecker(err) {
			return nil, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffFor(config, attempt)):
		}
	}

	return nil, lastErr
}

// RetryForever retries the operation until it succeeds or ctx is cancelled.
// Used for terminal-state persistence, which must never be dropped.
func RetryForever(ctx context.Context, config RetryConfig, operation Operation, operationName string) (interface{}, error) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		result, err := operation(ctx)
		if err == nil {
			RecordRetryAttempt(operationName, true)
			return result, nil
		}

		RecordRetryAttempt(operationName, false)
		logger.Get().Warn("operation failed, retrying indefinitely",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffFor(config, attempt)):
		}
	}
}

func backoffFor(config RetryConfig, attempt int) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if max := float64(config.MaxBackoff); config.MaxBackoff > 0 && backoff > max {
		backoff = max
	}
	if config.EnableJitter {
		backoff = backoff/2 + rand.Float64()*backoff/2
	}
	return time.Duration(backoff)
}
