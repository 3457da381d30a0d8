// Package transport wraps every outbound call with the retry and host-trust
// policy shared by the outbox replay, the upload drain and reconciliation.
package transport

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
)

// Policy is a bounded exponential backoff:
// delay(attempt) = min(InitialDelay * 2^attempt, MaxDelay).
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns three retries starting at 500ms, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// Backoff returns a fresh backoff sequence. Sequences are stateful, so each
// call site needs its own.
func (p Policy) Backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialDelay)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(max(p.MaxRetries, 0)), b)
}

// Do runs fn, retrying only network and server failures. After the last
// attempt the final error is returned unchanged.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !apperrors.Retryable(err) {
			return err
		}
		logging.Warn("Retrying operation", map[string]interface{}{
			"op":      op,
			"attempt": attempt,
			"error":   err.Error(),
		})
		return retry.RetryableError(err)
	})
}
