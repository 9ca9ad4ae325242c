package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	Attempts   int           // total attempts including the first
	Backoff    time.Duration // initial delay, doubled after each failure
	MaxBackoff time.Duration
}

// DefaultRetryPolicy is used when a zero policy is passed to WithRetry.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: time.Second, MaxBackoff: 8 * time.Second}

type retryProvider struct {
	Provider
	policy RetryPolicy
}

// WithRetry wraps p so transient failures (transport errors, 429, 5xx) are
// retried with exponential backoff. Configuration errors return at once.
func WithRetry(p Provider, policy RetryPolicy) Provider {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = policy.Backoff
	}
	return &retryProvider{Provider: p, policy: policy}
}

func (r *retryProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	backoff := r.policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		resp, err := r.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.policy.Attempts {
			break
		}

		slog.Warn("llm request failed, retrying",
			"provider", r.Name(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}
	return nil, lastErr
}
