package cloudflare

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// retryPolicy centralizes the backoff behavior shared by every API call:
// exponential backoff with jitter for transient network errors, and
// honoring the server-provided Retry-After delay for rate limiting up to a
// bounded total wait. Auth and validation failures pass through untouched.
type retryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxRateWait  time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	jitterSource *rand.Rand
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts:  4,
		BaseDelay:    time.Second,
		MaxRateWait:  2 * time.Minute,
		sleep:        sleepCtx,
		jitterSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
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

// do runs fn until it succeeds, fails fatally, or the policy is exhausted.
func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var rateWaited time.Duration
	attempt := 0

	for {
		err := fn()
		if err == nil {
			return nil
		}

		var authErr *AuthError
		var apiErr *APIError
		if errors.As(err, &authErr) || errors.As(err, &apiErr) {
			return err
		}

		var rateErr *retryAfterError
		if errors.As(err, &rateErr) {
			delay := rateErr.Delay
			if delay < p.BaseDelay {
				// Floor the server-provided delay: a Retry-After of
				// zero must not turn the wait loop into a request
				// storm against an already rate-limiting server.
				delay = p.BaseDelay
			}
			if rateWaited+delay > p.MaxRateWait {
				logger.Warn("Rate-limit wait budget exhausted",
					zap.String("op", op),
					zap.Duration("waited", rateWaited))
				return &RateLimitError{Waited: rateWaited}
			}
			logger.Warn("Rate limited, honoring server delay",
				zap.String("op", op),
				zap.Duration("delay", delay))
			if serr := p.sleep(ctx, delay); serr != nil {
				// Context died while waiting out the rate limit; the
				// caller sees the rate limit, not a bare context error.
				return &RateLimitError{Waited: rateWaited}
			}
			rateWaited += delay
			// Rate-limit waits do not consume retry attempts; the
			// floored delay bounds the round count via MaxRateWait.
			continue
		}

		attempt++
		if attempt >= p.MaxAttempts {
			return &NetworkError{Attempts: attempt, Err: err}
		}

		delay := time.Duration(math.Pow(2, float64(attempt-1))) * p.BaseDelay
		delay += time.Duration(p.jitterSource.Int63n(int64(p.BaseDelay)))
		logger.Warn("Request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
