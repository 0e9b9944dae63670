package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(func() error { return errUpstream })
	}
}

func TestBreakerStaysClosedUnderSuccess(t *testing.T) {
	b := New(DefaultConfig("test"))
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsOnFailureRatio(t *testing.T) {
	b := New(DefaultConfig("test"))
	failN(b, 5)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error {
		t.Fatal("call must not pass through an open breaker")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)

	failN(b, 5)
	require.Equal(t, StateOpen, b.State())
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	for i := 0; i < int(cfg.MaxRequests); i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)

	failN(b, 5)
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(func() error { return errUpstream }), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRequests = 1
	b := New(cfg)

	failN(b, 5)
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Execute(func() error { <-release; return nil })
	}()

	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		err = b.Execute(func() error { return nil })
		if errors.Is(err, ErrTooManyRequests) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
	<-done
}
