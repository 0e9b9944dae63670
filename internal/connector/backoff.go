package connector

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection defaults.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
	maxAttempts = 10
)

// backoff computes the reconnection schedule:
//
//	delay_n = min(cap, base * 2^n) * (0.5 + rand*0.5)
//
// so every delay lands in [half, full] of the exponential step. The
// attempt counter resets on success and trips to failed(exhausted)
// past maxAttempts.
type backoff struct {
	mu       sync.Mutex
	base     time.Duration
	cap      time.Duration
	max      int
	attempts int
	rand     *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{
		base: backoffBase,
		cap:  backoffCap,
		max:  maxAttempts,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay before the next attempt and whether an attempt
// is still allowed.
func (b *backoff) next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts >= b.max {
		return 0, false
	}
	d := b.base << uint(b.attempts)
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.attempts++
	jittered := time.Duration(float64(d) * (0.5 + b.rand.Float64()*0.5))
	return jittered, true
}

// reset clears the attempt counter after a successful connect.
func (b *backoff) reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// count returns attempts consumed since the last reset.
func (b *backoff) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
