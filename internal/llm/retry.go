package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/apperr"
)

// RetryPolicy bounds how external calls are re-attempted. Only transient
// failures (I/O, timeout, 5xx, serialization) are retried; validation and
// authentication errors surface immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// Timeout is the fresh deadline applied to each attempt. Zero means
	// the caller's context governs.
	Timeout time.Duration
}

// DefaultRetryPolicy matches the pipeline defaults: 3 attempts, 120s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 120 * time.Second}
}

// Do runs fn under the policy. Each attempt receives a fresh deadline when
// Timeout is set. The last error is returned once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info().Str("op", op).Int("attempt", attempt).Msg("retry succeeded")
			}
			return nil
		}
		lastErr = err

		if !apperr.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		log.Warn().Str("op", op).Int("attempt", attempt).Int("max", attempts).
			Dur("delay", p.Delay).Err(err).Msg("transient failure, retrying")

		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
