// Package clock provides the single time abstraction used by every
// component that waits, retries, sweeps, or expires state. Production
// code runs on the system clock; tests drive a virtual clock so timer
// behavior is deterministic.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the scheduler surface components depend on. No component
// reaches for the time package directly when it needs to wait.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc runs fn once after d. The returned Timer cancels it.
	AfterFunc(d time.Duration, fn func()) Timer

	// Every runs fn repeatedly with period d until the Ticker is
	// stopped. The first run happens one period after the call.
	Every(d time.Duration, fn func()) Ticker

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable one-shot. Stop reports whether the timer was
// still pending; a stop observed before the fire guarantees fn never
// runs.
type Timer interface {
	Stop() bool
}

// Ticker is a cancellable recurring timer. After Stop returns no
// further runs begin.
type Ticker interface {
	Stop()
}

// ================== System clock ==================

type systemClock struct{}

// System returns the wall clock. Now values carry the monotonic
// reading, so durations between them are skew-safe.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

func (systemClock) Every(d time.Duration, fn func()) Ticker {
	tick := &systemTicker{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-tick.stop:
				return
			}
		}
	}()
	return tick
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool { return s.t.Stop() }

type systemTicker struct {
	stop chan struct{}
	once sync.Once
}

func (s *systemTicker) Stop() { s.once.Do(func() { close(s.stop) }) }
