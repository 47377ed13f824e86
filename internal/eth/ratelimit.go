package eth

import (
	"context"
	"time"
)

// Limiter is a minimal interface to rate-limit RPC calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

// nopLimiter allows unlimited throughput.
type nopLimiter struct{}

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }

// qpsLimiter issues 1 token every tick to approximate QPS limiting.
type qpsLimiter struct {
	ch <-chan time.Time
}

func (l qpsLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ch:
		return nil
	}
}

// NewLimiter returns a Limiter enforcing req/s. If rate <= 0, returns unlimited.
func NewLimiter(rate int) Limiter {
	if rate <= 0 {
		return nopLimiter{}
	}
	period := time.Second / time.Duration(rate)
	if period <= 0 {
		period = time.Nanosecond
	}
	// Limiters live as long as the process; the ticker is never stopped.
	t := time.NewTicker(period)
	return qpsLimiter{ch: t.C}
}

// inflight bounds concurrent requests against one endpoint.
type inflight chan struct{}

func newInflight(n int) inflight {
	if n <= 0 {
		return nil
	}
	return make(inflight, n)
}

func (s inflight) acquire(ctx context.Context) error {
	if s == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s <- struct{}{}:
		return nil
	}
}

func (s inflight) release() {
	if s != nil {
		<-s
	}
}
