package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestVirtualAdvanceFiresInDeadlineOrder(t *testing.T) {
	v := NewVirtual(epoch)

	var order []string
	v.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	v.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	v.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	v.Advance(5 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(5*time.Second), v.Now())
	assert.Zero(t, v.Pending())
}

func TestVirtualAfterDeliversFireTime(t *testing.T) {
	v := NewVirtual(epoch)
	ch := v.After(10 * time.Second)

	v.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	v.Advance(1 * time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestVirtualStopBeforeFire(t *testing.T) {
	v := NewVirtual(epoch)
	fired := false
	timer := v.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	v.Advance(5 * time.Second)

	assert.False(t, fired)
	assert.False(t, timer.Stop(), "second stop reports not pending")
}

func TestVirtualEveryReArmsUntilStopped(t *testing.T) {
	v := NewVirtual(epoch)
	runs := 0
	tick := v.Every(time.Minute, func() { runs++ })

	v.Advance(3*time.Minute + 30*time.Second)
	assert.Equal(t, 3, runs)

	tick.Stop()
	v.Advance(10 * time.Minute)
	assert.Equal(t, 3, runs)
}

func TestVirtualTickerStopFromCallback(t *testing.T) {
	v := NewVirtual(epoch)
	runs := 0
	var tick Ticker
	tick = v.Every(time.Second, func() {
		runs++
		if runs == 2 {
			tick.Stop()
		}
	})

	v.Advance(10 * time.Second)
	assert.Equal(t, 2, runs)
}

func TestVirtualSleepHonorsContext(t *testing.T) {
	v := NewVirtual(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- v.Sleep(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not observe cancellation")
	}
}

func TestVirtualSleepWakesOnAdvance(t *testing.T) {
	v := NewVirtual(epoch)

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		done <- v.Sleep(context.Background(), time.Minute)
	}()
	<-started

	// Give the sleeper a moment to arm its timer before advancing.
	waitForPending(t, v, 1)
	v.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not wake")
	}
}

func TestSystemClockBasics(t *testing.T) {
	c := System()
	before := c.Now()
	require.NoError(t, c.Sleep(context.Background(), 10*time.Millisecond))
	assert.True(t, c.Now().After(before))

	fired := make(chan struct{})
	c.AfterFunc(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("AfterFunc never fired")
	}
}

func waitForPending(t *testing.T, v *Virtual, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for v.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timer count never reached %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}
