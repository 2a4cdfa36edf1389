// Package ratelimit paces bursty operations with golang.org/x/time/rate,
// the same library the teacher's session.Manager uses to pace session
// creation (internal/session/manager.go). Pool's maintenance loop uses it
// to pace new-connection creation during a resize, so a large target-size
// jump does not open many TLS handshakes to APNs in the same instant.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces a sequence of events to at most n per second, with a burst
// allowance of n so the first n events are not delayed.
type Limiter struct {
	l *rate.Limiter
}

// New returns a Limiter allowing perSecond events per second.
func New(perSecond int) *Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Wait blocks until the limiter admits one more event or ctx is done.
func (lim *Limiter) Wait(ctx context.Context) error {
	return lim.l.Wait(ctx)
}
