package domain

import "time"

// Default retry settings applied when a task is enqueued without explicit
// values.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 60 * time.Second
	DefaultRetryMaxDelay  = time.Hour
)

// RetryPolicy bounds how often and how quickly a failed task is retried.
// MaxRetries is the total number of execution attempts; once RetryCount
// reaches it the task fails permanently.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
	}
}

// Backoff returns the delay before retry number n (starting at 1):
// BaseDelay * 2^(n-1), capped at MaxDelay when MaxDelay is positive.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether a task that has failed retryCount times may not
// be attempted again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// withDefaults fills zero fields from DefaultRetryPolicy. A zero MaxRetries
// is kept only when the delays are set, which lets callers disable retries.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	return p
}
