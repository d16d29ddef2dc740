package worker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Pool bounds delivery attempts shared by every scheduler unit: at most size
// run at once, starts are rate limited, and each attempt gets a deadline.
type Pool struct {
	sem      chan struct{}
	limiter  *rate.Limiter
	timeout  time.Duration
	inFlight atomic.Int64
}

// NewPool builds a pool. ratePerSec <= 0 disables rate limiting and
// timeout <= 0 leaves attempts unbounded.
func NewPool(size int, timeout time.Duration, ratePerSec int) *Pool {
	if size <= 0 {
		size = 1
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Pool{sem: make(chan struct{}, size), limiter: lim, timeout: timeout}
}

// Do waits for a free slot and the rate limiter, then runs fn. The context
// passed to fn is cancelled when ctx is, or when the attempt timeout elapses.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	c, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		c, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	return fn(c)
}

func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}
