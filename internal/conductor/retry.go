package conductor

import (
	"context"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
)

// executeWithRetry runs op behind a circuit breaker with bounded exponential
// backoff (baseDelay · 2^attempt between attempts). The breaker is consulted
// once per call: an open breaker rejects without contacting the backend. Only
// terminal outcomes feed the breaker, so one call counts as at most one
// failure regardless of how many attempts it burned.
func executeWithRetry(ctx context.Context, cb *CircuitBreaker, maxRetries int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if !cb.Allow() {
		return bridgeerr.New(bridgeerr.KindBackendUnavailable, "conductor circuit breaker is open")
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := op(ctx); err != nil {
			lastErr = err
			if attempt < maxRetries {
				if err := sleepCtx(ctx, baseDelay*(1<<attempt)); err != nil {
					cb.OnFailure()
					return err
				}
				continue
			}
			cb.OnFailure()
			return lastErr
		}
		cb.OnSuccess()
		return nil
	}
	cb.OnFailure()
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
