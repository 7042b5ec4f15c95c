package fetch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ternarybob/syncd/internal/synerr"
)

// RetryPolicy retries upstream calls on transport errors and HTTP
// >=500/429/408, honours Retry-After on 429, else applies exponential
// backoff capped at 30s, for up to MaxRetries retries after the first
// call.
type RetryPolicy struct {
	RateLimitDelayMs int
	MaxRetries       int
	// Sleep is the cancellation-aware sleep hook; defaults to
	// ctxSleep when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

const maxBackoff = 30 * time.Second

// Do runs op, retrying per the classified error's RetryClass until it
// succeeds, a non-retryable error is returned, or MaxRetries is exhausted.
// A 429 never counts against MaxRetries.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}

	attempt := 0
	rateLimitRetries := 0
	for {
		err := op()
		if err == nil {
			return nil
		}

		class := synerr.Classify(err)
		switch class {
		case synerr.RateLimited:
			rateLimitRetries++
			if rateLimitRetries > 20 {
				return err // pathological upstream; do not loop forever
			}
			delay := p.retryAfterDelay(err)
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			continue
		case synerr.Retryable:
			if attempt >= maxRetries {
				return err
			}
			delay := p.backoff(attempt)
			attempt++
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			continue
		default:
			return err
		}
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.RateLimitDelayMs
	if base <= 0 {
		base = 200
	}
	d := time.Duration(float64(base)*math.Pow(2, float64(attempt))) * time.Millisecond
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (p RetryPolicy) retryAfterDelay(err error) time.Duration {
	var se *synerr.Error
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return time.Duration(se.RetryAfter) * time.Second
	}
	return p.backoff(0)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
