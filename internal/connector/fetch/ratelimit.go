package fetch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces successive upstream calls by rateLimitDelay. It is built on
// golang.org/x/time/rate rather than a bare time.Sleep loop so bursts from
// concurrent chunk iterations across entities still respect one pacing
// budget per connector instance.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer allowing one event every delayMs milliseconds.
// A non-positive delayMs disables pacing.
func NewPacer(delayMs int) *Pacer {
	if delayMs <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := time.Duration(delayMs) * time.Millisecond
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next upstream call is permitted or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
