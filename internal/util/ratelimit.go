package util

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests with a token bucket. A nil RateLimiter
// never blocks.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with no burst. It returns nil when perMinute is not positive.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstRateLimiter(perMinute, 1)
}

// NewBurstRateLimiter is NewRateLimiter with up to burst operations allowed
// back to back.
func NewBurstRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{l: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), max(burst, 1))}
}

// Wait blocks until a token is available or the context is done. A wait that
// cannot finish before the context deadline fails immediately with an error
// wrapping context.DeadlineExceeded.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	if err := rl.l.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}
