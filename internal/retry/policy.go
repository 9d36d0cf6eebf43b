// Package retry decides whether and when failed work re-enters a queue.
// Both functions are pure; the policy lives on the owning queue.
package retry

import (
	"math"
	"time"

	"postflow/internal/domain"
)

// ShouldRetry reports whether a failure on the given attempt may be retried
// under the policy. attempt is 1-indexed: attempt 1 is the first failure.
//
// Validation failures are never retried. A class on the policy's deny list
// fails fast regardless of attempt count; a non-empty allow list restricts
// retries to the listed classes.
func ShouldRetry(attempt int, class string, p domain.RetryPolicy) bool {
	if class == domain.ClassInvalidArgument {
		return false
	}
	if attempt >= p.MaxRetries {
		return false
	}
	for _, deny := range p.DenyClasses {
		if deny == class {
			return false
		}
	}
	if len(p.AllowClasses) > 0 {
		for _, allow := range p.AllowClasses {
			if allow == class {
				return true
			}
		}
		return false
	}
	return true
}

// NextDelay returns how long to wait before re-queueing after the given
// attempt. Exponential policies double from the base delay
// (delay * 2^(attempt-1)), capped at MaxDelay when set; otherwise the delay
// is constant.
func NextDelay(attempt int, p domain.RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Delay
	if p.ExponentialBackoff {
		d = time.Duration(float64(p.Delay) * math.Pow(2, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
