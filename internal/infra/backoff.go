package infra

import (
	"time"
)

const (
	// Reconnect backoff bounds.
	baseDelay = 1 * time.Second
	maxDelay  = 30 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given
// attempt count. Logic: baseDelay * 2^attempt, capped at maxDelay.
// If attempt is negative, it returns baseDelay.
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}

	// 2^30 seconds is already far beyond maxDelay; cap early so the
	// shift below cannot overflow.
	if attempt > 30 {
		return maxDelay
	}

	backoff := baseDelay * time.Duration(1<<attempt)

	if backoff > maxDelay {
		return maxDelay
	}

	return backoff
}
