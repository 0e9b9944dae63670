package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/event"
)

func testEvent(source, id string, typ event.Type) *event.Event {
	now := time.Now().UTC()
	return &event.Event{
		ID:                id,
		SourceConnectorID: source,
		Type:              typ,
		OccurredAt:        now,
		ReceivedAt:        now,
		Payload:           map[string]any{},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestPublishDelivers(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var got []string
	sub := b.Subscribe(Filter{}, DropOldest, func(e *event.Event) {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	b.Publish(testEvent("c1", "e1", event.TypeMotion))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "delivery")
	assert.Equal(t, []string{"e1"}, got)
}

func TestPerSourceOrdering(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	perSource := map[string][]string{}
	sub := b.Subscribe(Filter{}, DropOldest, func(e *event.Event) {
		mu.Lock()
		perSource[e.SourceConnectorID] = append(perSource[e.SourceConnectorID], e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	const n = 200
	var wg sync.WaitGroup
	for _, src := range []string{"a", "b"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				b.Publish(testEvent(src, fmt.Sprintf("%s-%04d", src, i), event.TypeMotion))
			}
		}(src)
	}
	wg.Wait()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(perSource["a"]) == n && len(perSource["b"]) == n
	}, "all deliveries")

	mu.Lock()
	defer mu.Unlock()
	for _, src := range []string{"a", "b"} {
		for i, id := range perSource[src] {
			require.Equal(t, fmt.Sprintf("%s-%04d", src, i), id, "source %s out of order", src)
		}
	}
}

func TestFilterSelectsSubscribers(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var motion, ring []string
	subM := b.Subscribe(Filter{Types: []event.Type{event.TypeMotion}}, DropOldest, func(e *event.Event) {
		mu.Lock()
		motion = append(motion, e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(subM)
	subR := b.Subscribe(Filter{Types: []event.Type{event.TypeRing}}, DropOldest, func(e *event.Event) {
		mu.Lock()
		ring = append(ring, e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(subR)

	b.Publish(testEvent("c1", "m1", event.TypeMotion))
	b.Publish(testEvent("c1", "r1", event.TypeRing))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(motion) == 1 && len(ring) == 1
	}, "filtered deliveries")
	assert.Equal(t, []string{"m1"}, motion)
	assert.Equal(t, []string{"r1"}, ring)
}

func TestFilterUnknownPayloadKeyNeverMatches(t *testing.T) {
	f := Filter{PayloadEquals: map[string]string{"no_such_key": "v"}}
	assert.False(t, f.Matches(testEvent("c1", "e1", event.TypeMotion)))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(Filter{}, DropOldest, func(*event.Event) {})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // no panic, no effect

	b.Publish(testEvent("c1", "e1", event.TypeMotion))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sub.Delivered())
}

// S5: subscriber with a queue of 4 and drop_oldest; the sink blocks on
// a priming event, ten more are published, the gate opens, and the
// subscriber ends up with the last four in publish order having shed
// six.
func TestBackpressureDropOldest(t *testing.T) {
	b := New(Options{SubscriberQueueSize: 4})
	defer b.Close()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []string
	first := true
	sub := b.Subscribe(Filter{}, DropOldest, func(e *event.Event) {
		if first {
			first = false
			entered <- struct{}{}
			<-gate
			return // the priming event is not recorded
		}
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	b.Publish(testEvent("c1", "prime", event.TypeMotion))
	<-entered

	for i := 1; i <= 10; i++ {
		b.Publish(testEvent("c1", fmt.Sprintf("e%d", i), event.TypeMotion))
	}
	// All ten must pass through the pump before the gate opens so the
	// queue state is deterministic.
	waitFor(t, func() bool { return sub.Overflow() == 6 }, "six sheds")
	close(gate)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, "drained tail")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e7", "e8", "e9", "e10"}, got)
	assert.Equal(t, uint64(6), sub.Overflow())
	assert.Equal(t, uint64(5), sub.Delivered())
}

func TestDropNewestPolicy(t *testing.T) {
	b := New(Options{SubscriberQueueSize: 2})
	defer b.Close()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []string
	first := true
	sub := b.Subscribe(Filter{}, DropNewest, func(e *event.Event) {
		if first {
			first = false
			entered <- struct{}{}
			<-gate
			return
		}
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	b.Publish(testEvent("c1", "prime", event.TypeMotion))
	<-entered
	for i := 1; i <= 5; i++ {
		b.Publish(testEvent("c1", fmt.Sprintf("e%d", i), event.TypeMotion))
	}
	waitFor(t, func() bool { return sub.Overflow() == 3 }, "three sheds")
	close(gate)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "drained head")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, got, "drop_newest keeps the head of the burst")
}

// Queue exactly at capacity plus one publish sheds exactly one event.
func TestSourceRingCapacityPlusOne(t *testing.T) {
	var drops []string
	b := New(Options{SourceQueueSize: 8, OnSourceDrop: func(src string) { drops = append(drops, src) }})
	// No subscribers and no pump consumption race: fill the ring
	// before the pump can drain by publishing from under a stopped
	// bus... instead, subscribe a blocked slow sink so the pump stalls.
	gate := make(chan struct{})
	sub := b.Subscribe(Filter{}, SlowDownSource, func(*event.Event) { <-gate })
	defer func() {
		close(gate)
		b.Unsubscribe(sub)
		b.Close()
	}()

	// Stall the pump: first event enters the sink (or the sub queue).
	b.Publish(testEvent("c1", "p0", event.TypeMotion))
	waitFor(t, func() bool {
		srcs, _ := b.Stats()
		return len(srcs) == 1 && srcs[0].Depth == 0
	}, "pump picked up the priming event")

	// The subscription queue absorbs its capacity, the stalled pump
	// holds one more in hand, and the next eight sit in the ring.
	for i := 0; i < DefaultSubscriberQueueSize+1+8; i++ {
		b.Publish(testEvent("c1", fmt.Sprintf("fill-%d", i), event.TypeMotion))
	}
	waitFor(t, func() bool {
		srcs, _ := b.Stats()
		return srcs[0].Depth == 8
	}, "ring full")

	before := sourceDrops(b, "c1")
	b.Publish(testEvent("c1", "straw", event.TypeMotion))
	assert.Equal(t, before+1, sourceDrops(b, "c1"), "exactly one drop")
	assert.Len(t, drops, 1)
}

func sourceDrops(b *Bus, sourceID string) uint64 {
	srcs, _ := b.Stats()
	for _, s := range srcs {
		if s.SourceID == sourceID {
			return s.Dropped
		}
	}
	return 0
}

func TestUnionFilter(t *testing.T) {
	f := Union(
		Filter{Types: []event.Type{event.TypeMotion}},
		Filter{Types: []event.Type{event.TypeRing}},
	)
	assert.True(t, f.Matches(testEvent("c1", "e1", event.TypeMotion)))
	assert.True(t, f.Matches(testEvent("c1", "e2", event.TypeRing)))
	assert.False(t, f.Matches(testEvent("c1", "e3", event.TypeRecording)))

	// A member constraining a different field widens the union to
	// match-all on the unshared field.
	f = Union(
		Filter{Types: []event.Type{event.TypeMotion}},
		Filter{Sources: []string{"c9"}},
	)
	assert.True(t, f.Matches(testEvent("c1", "e1", event.TypeMotion)))
	assert.True(t, f.Matches(testEvent("c9", "e2", event.TypeRecording)))

	// An unconstrained member collapses the union to match-all.
	f = Union(Filter{Types: []event.Type{event.TypeMotion}}, Filter{})
	assert.True(t, f.Matches(testEvent("c1", "e1", event.TypeGeneric)))
}
