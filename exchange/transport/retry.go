package transport

import (
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy configures exponential backoff with jitter for a Client,
// adapted from the node-retry policy used elsewhere in the corpus for
// transient node failures — here applied to transient HTTP failures
// instead.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of request attempts, including
	// the first. Must be >= 1.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Each subsequent
	// retry doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy makes up to 3 attempts in total (the first plus 2
// retries), with backoff starting at 200ms and capping at 5s, appropriate for a modeling-service or co-simulation
// endpoint that occasionally returns a transient 5xx or drops a
// connection.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * (1 << attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay) + 1)) // #nosec G404 -- retry jitter, not security sensitive
	return d + jitter
}

// retryable reports whether err represents a transient failure worth
// retrying: a network-level error or a 5xx StatusError.
func (p *RetryPolicy) retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
