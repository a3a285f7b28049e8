package rpdispatch

import (
	"math/rand/v2"
	"time"
)

// Strategy defines the type for retry strategies
// It is a string type to allow for easy conversion from string literals
// and configuration files to the defined types
type Strategy string

const (
	FixedDelayStrategy         Strategy = "fixed"
	JitterBackoffStrategy      Strategy = "jitter"
	ExponentialBackoffStrategy Strategy = "exponential"
)

func (s Strategy) String() string {
	return string(s)
}

func (s Strategy) IsValid() bool {
	switch s {
	case FixedDelayStrategy, JitterBackoffStrategy, ExponentialBackoffStrategy:
		return true
	default:
		return false
	}
}

// RetryStrategy returns the delay to wait before the given retry attempt.
// Attempts are numbered from 1.
type RetryStrategy func(attempt int) time.Duration

// FixedDelay returns a strategy that always waits the same delay
func FixedDelay(delay time.Duration) RetryStrategy {
	return func(int) time.Duration {
		return delay
	}
}

// ExponentialBackoff returns a strategy that doubles the base delay on every attempt,
// capped at maxDelay
func ExponentialBackoff(baseDelay, maxDelay time.Duration) RetryStrategy {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}

		delay := baseDelay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay >= maxDelay {
				return maxDelay
			}
		}

		return delay
	}
}

// JitterBackoff returns an exponential strategy with up to 50% random jitter added
func JitterBackoff(baseDelay, maxDelay time.Duration) RetryStrategy {
	exp := ExponentialBackoff(baseDelay, maxDelay)

	return func(attempt int) time.Duration {
		delay := exp(attempt)
		if half := int64(delay / 2); half > 0 {
			delay += time.Duration(rand.Int64N(half))
		}
		return delay
	}
}

// newRetryStrategy builds the strategy function for a validated strategy type
func newRetryStrategy(s Strategy, baseDelay, maxDelay time.Duration) RetryStrategy {
	switch s {
	case JitterBackoffStrategy:
		return JitterBackoff(baseDelay, maxDelay)
	case ExponentialBackoffStrategy:
		return ExponentialBackoff(baseDelay, maxDelay)
	default:
		return FixedDelay(baseDelay)
	}
}
