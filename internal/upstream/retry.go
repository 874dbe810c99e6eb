package upstream

import (
	"context"
	"math/rand"
	"time"
)

// retryConfig controls the exponential-backoff-with-full-jitter retrier
// used for idempotent reads: base 200-500ms, cap 10s, 2-3 attempts total.
type retryConfig struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		baseDelay:  300 * time.Millisecond,
		maxDelay:   10 * time.Second,
		maxRetries: 2,
	}
}

// fullJitterDelay computes the AWS "full jitter" backoff delay for the
// given attempt (0-based): a uniform random duration in [0, min(cap,
// base*2^attempt)).
func fullJitterDelay(cfg retryConfig, attempt int) time.Duration {
	backoff := cfg.baseDelay << attempt
	if backoff <= 0 || backoff > cfg.maxDelay {
		backoff = cfg.maxDelay
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff)))
}

// withRetry runs fn up to cfg.maxRetries+1 times, retrying only on errors
// Retryable reports as transient, sleeping a full-jitter backoff between
// attempts. It stops early if ctx is cancelled.
func withRetry(ctx context.Context, cfg retryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil || !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		delay := fullJitterDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
