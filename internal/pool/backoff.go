package pool

import (
	"math"
	"time"

	"github.com/jdw/apnspush/internal/config"
)

// backoff is the pure generator behind Pool.Post's retry loop: delays form
// the sequence base * step^k for k = 0, 1, 2, … — base is 1ms and step is
// sqrt(10), so successive delays are 1ms, ~3.16ms, 10ms, ~31.6ms, 100ms, …
// each call to next widens the delay; the sequence itself carries no idea
// of a deadline or an attempt limit, those live in the caller.
type backoff struct {
	attempt int
}

func newBackoff() *backoff {
	return &backoff{}
}

func (b *backoff) next() time.Duration {
	delay := float64(config.PoolBackoffBase) * math.Pow(config.PoolBackoffStep, float64(b.attempt))
	b.attempt++
	return time.Duration(delay)
}
