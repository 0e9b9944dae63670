// Package bus is the in-process event fabric: bounded per-source rings
// on the publish side, bounded per-subscription queues on the delivery
// side, FIFO per source, unordered across sources. Overflow is the
// only place the fabric ever drops an event, and every drop is
// counted.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfabric/aegis/internal/event"
)

// DropPolicy selects what a full subscription queue does with new
// deliveries.
type DropPolicy int

const (
	// DropOldest evicts the queue head to admit the new event.
	DropOldest DropPolicy = iota

	// DropNewest discards the incoming event.
	DropNewest

	// SlowDownSource blocks the source pump, propagating backpressure
	// into the source ring; publishes then wait up to the
	// backpressure window before dropping oldest.
	SlowDownSource
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case SlowDownSource:
		return "slow_down_source"
	default:
		return "unknown"
	}
}

// Defaults per the fabric contract.
const (
	DefaultSourceQueueSize     = 1024
	DefaultSubscriberQueueSize = 256
	DefaultBackpressureWait    = 100 * time.Millisecond
)

// Sink consumes a delivered event. It runs on the subscription's
// delivery goroutine and must not retain or mutate the event.
type Sink func(*event.Event)

// Options tunes the bus; zero values take the defaults.
type Options struct {
	SourceQueueSize     int
	SubscriberQueueSize int
	BackpressureWait    time.Duration

	// OnSourceDrop is invoked (off the publish path's locks) each time
	// a source ring drops its oldest event. The composition root uses
	// it to emit overflow meta-events and bump metrics.
	OnSourceDrop func(sourceID string)
}

func (o Options) withDefaults() Options {
	if o.SourceQueueSize <= 0 {
		o.SourceQueueSize = DefaultSourceQueueSize
	}
	if o.SubscriberQueueSize <= 0 {
		o.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
	if o.BackpressureWait <= 0 {
		o.BackpressureWait = DefaultBackpressureWait
	}
	return o
}

// Bus fans events out from per-source rings to per-subscription
// queues. One pump goroutine drains each source ring; one delivery
// goroutine drains each subscription queue.
type Bus struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*sourceRing
	subs    map[string]*Subscription
	slow    int32 // count of SlowDownSource subscriptions
	closed  bool
}

// New builds a bus.
func New(opts Options) *Bus {
	return &Bus{
		opts:    opts.withDefaults(),
		logger:  slog.Default().With("component", "bus"),
		sources: make(map[string]*sourceRing),
		subs:    make(map[string]*Subscription),
	}
}

// ============================================================================
// PUBLISH SIDE
// ============================================================================

type sourceRing struct {
	id      string
	ch      chan *event.Event
	done    chan struct{}
	dropped atomic.Uint64
	pubs    atomic.Uint64
}

// Publish enqueues the event on its source's ring. It normally returns
// immediately; when the ring is full and a slow_down_source subscriber
// exists it blocks up to the backpressure window, then drops the
// oldest ring entry. Publish never blocks indefinitely.
func (b *Bus) Publish(e *event.Event) {
	if e == nil {
		return
	}
	ring := b.ring(e.SourceConnectorID)
	if ring == nil {
		return // bus closed
	}
	ring.pubs.Add(1)

	select {
	case ring.ch <- e:
		return
	default:
	}

	// Ring full. With a slow consumer attached, honor backpressure
	// briefly before shedding.
	if atomic.LoadInt32(&b.slow) > 0 {
		t := time.NewTimer(b.opts.BackpressureWait)
		select {
		case ring.ch <- e:
			t.Stop()
			return
		case <-t.C:
		case <-ring.done:
			t.Stop()
			return
		}
	}

	// Shed the oldest entry, then admit the new one.
	select {
	case <-ring.ch:
		ring.dropped.Add(1)
		if b.opts.OnSourceDrop != nil {
			b.opts.OnSourceDrop(ring.id)
		}
	default:
	}
	select {
	case ring.ch <- e:
	default:
		// Lost the race to a concurrent publisher; the incoming event
		// is the one shed.
		ring.dropped.Add(1)
		if b.opts.OnSourceDrop != nil {
			b.opts.OnSourceDrop(ring.id)
		}
	}
}

func (b *Bus) ring(sourceID string) *sourceRing {
	b.mu.RLock()
	r, ok := b.sources[sourceID]
	closed := b.closed
	b.mu.RUnlock()
	if ok || closed {
		if closed {
			return nil
		}
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if r, ok = b.sources[sourceID]; ok {
		return r
	}
	r = &sourceRing{
		id:   sourceID,
		ch:   make(chan *event.Event, b.opts.SourceQueueSize),
		done: make(chan struct{}),
	}
	b.sources[sourceID] = r
	go b.pump(r)
	return r
}

// pump drains one source ring in publish order and offers each event
// to every matching subscription.
func (b *Bus) pump(r *sourceRing) {
	for {
		select {
		case e := <-r.ch:
			b.mu.RLock()
			targets := make([]*Subscription, 0, len(b.subs))
			for _, sub := range b.subs {
				if sub.filter.Matches(e) {
					targets = append(targets, sub)
				}
			}
			b.mu.RUnlock()
			for _, sub := range targets {
				sub.offer(e)
			}
		case <-r.done:
			return
		}
	}
}

// ============================================================================
// SUBSCRIBE SIDE
// ============================================================================

// Subscription is a live bus subscription. Counters are cumulative.
type Subscription struct {
	id     string
	filter Filter
	sink   Sink
	policy DropPolicy

	ch        chan *event.Event
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID returns the subscription's handle id.
func (s *Subscription) ID() string { return s.id }

// Overflow returns the number of events this subscription shed.
func (s *Subscription) Overflow() uint64 { return s.dropped.Load() }

// Delivered returns the number of events handed to the sink.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Subscribe registers a sink behind a bounded queue with the given
// drop policy and starts its delivery goroutine.
func (b *Bus) Subscribe(filter Filter, policy DropPolicy, sink Sink) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		sink:   sink,
		policy: policy,
		ch:     make(chan *event.Event, b.opts.SubscriberQueueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub
	}
	b.subs[sub.id] = sub
	if policy == SlowDownSource {
		atomic.AddInt32(&b.slow, 1)
	}
	b.mu.Unlock()

	go sub.deliver()
	return sub
}

// Unsubscribe detaches the subscription. Idempotent; an in-flight sink
// call may still complete, but nothing new is scheduled after return.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		if sub.policy == SlowDownSource {
			atomic.AddInt32(&b.slow, -1)
		}
	}
	b.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.done) })
}

// offer places an event on the subscription queue per its drop policy.
// Runs on the source pump goroutine.
func (s *Subscription) offer(e *event.Event) {
	select {
	case <-s.done:
		return
	default:
	}

	switch s.policy {
	case SlowDownSource:
		select {
		case s.ch <- e:
		case <-s.done:
		}
	case DropNewest:
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	default: // DropOldest
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Subscription) deliver() {
	for {
		// Observe cancellation before picking up more work.
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case e := <-s.ch:
			s.delivered.Add(1)
			s.sink(e)
		case <-s.done:
			return
		}
	}
}

// ============================================================================
// INTROSPECTION & SHUTDOWN
// ============================================================================

// SourceStats describes one source ring.
type SourceStats struct {
	SourceID  string `json:"source_id"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Depth     int    `json:"depth"`
}

// SubscriptionStats describes one subscription.
type SubscriptionStats struct {
	ID        string `json:"id"`
	Policy    string `json:"policy"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Depth     int    `json:"depth"`
}

// Stats snapshots every source and subscription counter.
func (b *Bus) Stats() ([]SourceStats, []SubscriptionStats) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	srcs := make([]SourceStats, 0, len(b.sources))
	for id, r := range b.sources {
		srcs = append(srcs, SourceStats{
			SourceID:  id,
			Published: r.pubs.Load(),
			Dropped:   r.dropped.Load(),
			Depth:     len(r.ch),
		})
	}
	subs := make([]SubscriptionStats, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, SubscriptionStats{
			ID:        id,
			Policy:    s.policy.String(),
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Depth:     len(s.ch),
		})
	}
	return srcs, subs
}

// Close stops all pumps and delivery goroutines. Publishes after Close
// are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sources := b.sources
	subs := b.subs
	b.sources = make(map[string]*sourceRing)
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, r := range sources {
		close(r.done)
	}
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
}
