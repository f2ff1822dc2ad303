package scanner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// retryPolicy retries node calls with capped exponential backoff.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

func newRetryPolicy(maxRetries int, baseDelay time.Duration, logger *zap.Logger) retryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return retryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// do runs fn until it succeeds or the retries are spent. Cancellation, from ctx
// or surfaced by fn, ends the loop at once.
func (r retryPolicy) do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := r.baseDelay
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isContextErr(err) || attempt >= r.maxRetries {
			return err
		}

		r.logger.Warn("node call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, maxRetryDelay)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
