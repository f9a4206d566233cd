package remote

import (
	"context"
	"fmt"
	"time"
)

// Backoff doubles Base on every attempt, with no jitter, up to MaxAttempts tries.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay is the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.Base << (attempt - 1)
}

// Retry waits Delay(n) before attempt n and stops at the first success. It returns the last
// error when every attempt failed, or the context error when cancelled while waiting.
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
