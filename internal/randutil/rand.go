// Package randutil provides thread-safe random number generation
// optimized for high-concurrency scenarios.
//
// The standard math/rand package uses a global mutex-protected source,
// which can become a bottleneck when many connections shuffle their
// candidate lists or mint ping payloads concurrently. This package
// provides per-goroutine random sources via sync.Pool.
package randutil

import (
	"math/rand"
	"sync"
	"time"
)

// pool maintains a pool of *rand.Rand instances for reuse.
// Each goroutine gets its own Rand from the pool, eliminating lock contention.
var pool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano() + int64(rand.Int63())))
	},
}

// Rand represents a pooled random source that should be released after use.
type Rand struct {
	*rand.Rand
}

// Get retrieves a random source from the pool.
// The caller MUST call Release() when done, typically via defer.
//
// Example:
//
//	rng := randutil.Get()
//	defer rng.Release()
//	value := rng.Intn(100)
func Get() *Rand {
	return &Rand{Rand: pool.Get().(*rand.Rand)}
}

// Release returns the random source to the pool.
func (r *Rand) Release() {
	if r.Rand != nil {
		pool.Put(r.Rand)
		r.Rand = nil
	}
}

// Intn returns a random int in [0, n) using a pooled source.
func Intn(n int) int {
	rng := Get()
	defer rng.Release()
	return rng.Rand.Intn(n)
}

// Shuffle randomizes the order of elements using a pooled source. Pool uses
// this to spread postOnce's connection selection independently of
// insertion order.
func Shuffle(n int, swap func(i, j int)) {
	rng := Get()
	defer rng.Release()
	rng.Rand.Shuffle(n, swap)
}

// Bytes fills a buffer of length n with random bytes, for use as an opaque
// HTTP/2 PING payload.
func Bytes(n int) []byte {
	rng := Get()
	defer rng.Release()
	buf := make([]byte, n)
	rng.Rand.Read(buf)
	return buf
}
