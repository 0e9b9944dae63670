package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic clock for tests. Time only moves when
// Advance is called; due timers fire synchronously, in deadline order,
// on the advancing goroutine.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

type virtualTimer struct {
	clock   *Virtual
	at      time.Time
	seq     uint64
	period  time.Duration // 0 means one-shot
	fn      func()
	ch      chan time.Time
	stopped bool
}

// NewVirtual returns a virtual clock pinned at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	v.schedule(d, 0, nil, ch)
	return ch
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	return v.schedule(d, 0, fn, nil)
}

func (v *Virtual) Every(d time.Duration, fn func()) Ticker {
	return virtualTicker{t: v.schedule(d, d, fn, nil)}
}

type virtualTicker struct{ t *virtualTimer }

func (vt virtualTicker) Stop() { vt.t.Stop() }

func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-v.After(d):
		return nil
	}
}

// Advance moves time forward by d, firing every timer whose deadline
// falls inside the window, strictly in deadline order. Recurring timers
// re-arm before their callback runs, so a callback that stops the
// ticker suppresses the next run.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	for {
		t := v.nextDueLocked(target)
		if t == nil {
			break
		}
		v.now = t.at
		if t.period > 0 {
			t.at = t.at.Add(t.period)
			t.seq = v.nextSeqLocked()
			v.insertLocked(t)
		}
		fn, ch, fired := t.fn, t.ch, v.now
		v.mu.Unlock()
		if ch != nil {
			ch <- fired
		}
		if fn != nil {
			fn()
		}
		v.mu.Lock()
	}
	v.now = target
	v.mu.Unlock()
}

// Pending returns the number of armed timers, recurring ones included.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

func (v *Virtual) schedule(d, period time.Duration, fn func(), ch chan time.Time) *virtualTimer {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &virtualTimer{
		clock:  v,
		at:     v.now.Add(d),
		seq:    v.nextSeqLocked(),
		period: period,
		fn:     fn,
		ch:     ch,
	}
	v.insertLocked(t)
	return t
}

func (v *Virtual) nextSeqLocked() uint64 {
	v.seq++
	return v.seq
}

func (v *Virtual) insertLocked(t *virtualTimer) {
	i := sort.Search(len(v.timers), func(i int) bool {
		if v.timers[i].at.Equal(t.at) {
			return v.timers[i].seq > t.seq
		}
		return v.timers[i].at.After(t.at)
	})
	v.timers = append(v.timers, nil)
	copy(v.timers[i+1:], v.timers[i:])
	v.timers[i] = t
}

func (v *Virtual) nextDueLocked(target time.Time) *virtualTimer {
	if len(v.timers) == 0 || v.timers[0].at.After(target) {
		return nil
	}
	t := v.timers[0]
	v.timers = v.timers[1:]
	return t
}

func (v *Virtual) removeLocked(t *virtualTimer) bool {
	for i, cand := range v.timers {
		if cand == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Stop cancels the timer. It reports true when the timer had not fired
// yet; one-shot timers that already ran report false.
func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return t.clock.removeLocked(t)
}
