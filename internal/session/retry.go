package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/relaycode/relayd/pkg/types"
)

const (
	// ChatMaxRetries is the default number of provider retries per turn.
	ChatMaxRetries = 10
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime bounds the total wall-clock time spent retrying a turn.
	RetryMaxElapsedTime = 2 * time.Minute
)

// newRetryPart builds a types.RetryPart for the given attempt/error, stamped
// with a fresh part ID, so a retry is visible in the conversation's part log
// the same way a storage round-trip reconstructs it (types.UnmarshalPart's
// "retry" case).
func newRetryPart(sessionID, messageID string, attempt int, err error) *types.RetryPart {
	return &types.RetryPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: messageID,
		Type:      "retry",
		Attempt:   attempt,
		Error:     err.Error(),
	}
}

// isRetryable classifies a provider error as transient (worth retrying) or
// fatal. Context cancellation/deadline errors are never retried: they mean
// the caller gave up, not that the provider hiccuped.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, ChatMaxRetries), ctx)
}

// getBoundedDelay returns how long to sleep before the next retry attempt,
// or backoff.Stop if retries are exhausted. retryAfter, the provider's own
// hint, replaces the computed backoff interval when it is longer.
func getBoundedDelay(b backoff.BackOff, retryAfter time.Duration) time.Duration {
	interval := b.NextBackOff()
	if interval == backoff.Stop {
		return backoff.Stop
	}
	if retryAfter > interval {
		return retryAfter
	}
	return interval
}
