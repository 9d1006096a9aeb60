package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rendis/sonda/pkg/schema"
)

// IsRetryableError classifies whether a stage failure should be retried.
// Retryable: transient failures, timeouts, network errors, store errors,
// circuit-open rejections. Non-retryable: validation errors, permanent
// failures, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Stage-level deadline is retryable; the run-level ceiling is enforced
	// separately by the engine.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the run is being torn down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var serr *schema.SondaError
	if errors.As(err, &serr) {
		return serr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns from the task service.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable; the retry policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n as
// Delay * 2^n, capped at MaxDelay. Attempt 0 is the first retry.
// When the policy enables jitter, up to ±10% is applied after capping.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay < 0 {
			// Overflow guard; the cap below settles it.
			delay = 1<<62 - 1
			break
		}
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	if policy.Jitter && delay > 0 {
		// Uniform in [-10%, +10%].
		offset := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += offset
	}

	return delay
}
