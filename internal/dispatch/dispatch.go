// Package dispatch executes rule-emitted actions against connectors: a
// bounded queue feeding a fixed worker pool, with per-invocation
// deadlines, a bounded retry policy for upstream flakiness, and
// coalescing so one fingerprint has at most one invocation in flight.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/metrics"
)

// Contract defaults.
const (
	defaultWorkers   = 16
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second

	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 5 * time.Second
)

// metaSource tags the meta-events the dispatcher emits.
const metaSource = "dispatcher"

// Target is one executable connector. *connector.Runtime satisfies it.
type Target interface {
	Connected() bool
	Execute(ctx context.Context, capID, op string, params map[string]any) (any, error)
}

// Targets resolves connector ids to targets.
type Targets interface {
	Target(id string) (Target, bool)
}

// Invocation is one requested action.
type Invocation struct {
	ID           string
	ConnectorID  string
	CapabilityID string
	Operation    string
	Params       map[string]any

	// Deadline bounds the whole invocation including retries; zero
	// means only the per-attempt action timeout applies.
	Deadline time.Time

	// Fingerprint identifies the action for coalescing and
	// cancellation; empty disables both.
	Fingerprint string

	// RuleID records provenance for meta-events and logs.
	RuleID string
}

// Future resolves when the invocation reaches a final outcome.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Done closes when the invocation finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the invocation finished.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.result, f.err
}

type work struct {
	inv    Invocation
	fut    *Future
	ctx    context.Context
	cancel context.CancelFunc
	queued time.Time
}

// Options configures a dispatcher; zero values take the defaults.
type Options struct {
	Workers       int
	QueueSize     int
	ActionTimeout time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Dispatcher is the worker pool.
type Dispatcher struct {
	targets Targets
	b       *bus.Bus
	clk     clock.Clock
	met     *metrics.Metrics
	timeout time.Duration
	logger  *slog.Logger

	queue chan *work
	wg    sync.WaitGroup

	baseCtx  context.Context
	baseStop context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*work
	closed   bool
}

// New starts the worker pool.
func New(targets Targets, b *bus.Bus, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		targets:  targets,
		b:        b,
		clk:      opts.Clock,
		met:      opts.Metrics,
		timeout:  opts.ActionTimeout,
		logger:   slog.Default().With("component", "dispatch"),
		queue:    make(chan *work, opts.QueueSize),
		baseCtx:  ctx,
		baseStop: stop,
		inflight: make(map[string]*work),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues an invocation. A fingerprint already in flight
// coalesces: the existing future is returned and no new work enters
// the queue. A full queue rejects the newest submission.
func (d *Dispatcher) Submit(inv Invocation) (*Future, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fault.New(fault.KindUpstream, "dispatch.submit", "dispatcher closed")
	}
	if inv.Fingerprint != "" {
		if existing, ok := d.inflight[inv.Fingerprint]; ok {
			d.mu.Unlock()
			return existing.fut, nil
		}
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	w := &work{
		inv:    inv,
		fut:    &Future{done: make(chan struct{})},
		ctx:    ctx,
		cancel: cancel,
		queued: d.clk.Now(),
	}
	// The send stays under the lock so Close cannot close the queue
	// between the closed check and the send. It never blocks.
	select {
	case d.queue <- w:
		if inv.Fingerprint != "" {
			d.inflight[inv.Fingerprint] = w
		}
		d.mu.Unlock()
		d.gaugeDepth()
		return w.fut, nil
	default:
		d.mu.Unlock()
		cancel()
		if d.met != nil {
			d.met.ActionQueueFull.Inc()
			d.met.ActionsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, fault.Newf(fault.KindOverflow, "dispatch.submit", "queue full, invocation %s rejected", inv.ID)
	}
}

// Cancel aborts the invocation holding the fingerprint, queued or in
// flight. Reports whether anything was cancelled.
func (d *Dispatcher) Cancel(fingerprint string) bool {
	d.mu.Lock()
	w, ok := d.inflight[fingerprint]
	d.mu.Unlock()
	if !ok {
		return false
	}
	w.cancel()
	return true
}

// InFlight reports the number of fingerprinted invocations not yet
// finished.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close stops intake, aborts outstanding work, and waits for workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.baseStop()
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for w := range d.queue {
		d.gaugeDepth()
		d.run(w)
	}
}

func (d *Dispatcher) run(w *work) {
	defer d.forget(w)
	defer w.cancel()

	start := d.clk.Now()
	inv := w.inv

	if w.ctx.Err() != nil {
		d.finish(w, nil, fault.Wrap(fault.KindTimeout, "dispatch.run", w.ctx.Err()), "cancelled", start)
		return
	}

	target, ok := d.targets.Target(inv.ConnectorID)
	if !ok {
		d.finish(w, nil, fault.Newf(fault.KindParam, "dispatch.run", "unknown connector %q", inv.ConnectorID), "failed", start)
		return
	}
	if !target.Connected() {
		d.finish(w, nil, fault.Newf(fault.KindUpstream, "dispatch.run", "connector %q not connected", inv.ConnectorID), "failed", start)
		return
	}

	var result any
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		result, err = d.attempt(w, target)
		if err == nil {
			d.finish(w, result, nil, "completed", start)
			return
		}
		if w.ctx.Err() != nil {
			d.finish(w, nil, err, "cancelled", start)
			return
		}
		if !fault.KindOf(err).Retryable() || attempt == retryAttempts {
			break
		}
		if sleepErr := d.clk.Sleep(w.ctx, retryDelay(attempt)); sleepErr != nil {
			d.finish(w, nil, err, "cancelled", start)
			return
		}
	}
	d.finish(w, nil, err, "failed", start)
}

// attempt runs one execution bounded by min(invocation deadline,
// action timeout).
func (d *Dispatcher) attempt(w *work, target Target) (any, error) {
	ctx, cancel := context.WithTimeout(w.ctx, d.timeout)
	defer cancel()
	if !w.inv.Deadline.IsZero() {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, w.inv.Deadline)
		defer dcancel()
	}
	return target.Execute(ctx, w.inv.CapabilityID, w.inv.Operation, w.inv.Params)
}

func (d *Dispatcher) finish(w *work, result any, err error, outcome string, start time.Time) {
	inv := w.inv
	elapsed := d.clk.Now().Sub(start)

	if d.met != nil {
		d.met.ActionsTotal.WithLabelValues(outcome).Inc()
		d.met.ActionDuration.WithLabelValues(inv.CapabilityID).Observe(elapsed.Seconds())
	}

	payload := map[string]any{
		"invocation_id": inv.ID,
		"connector_id":  inv.ConnectorID,
		"capability_id": inv.CapabilityID,
		"operation":     inv.Operation,
		"rule_id":       inv.RuleID,
		"elapsed_ms":    elapsed.Milliseconds(),
	}
	typ := event.TypeActionCompleted
	if err != nil {
		typ = event.TypeActionFailed
		payload["error"] = err.Error()
		payload["error_kind"] = fault.KindOf(err).String()
		payload["outcome"] = outcome
		d.logger.Warn("action failed",
			"invocation", inv.ID, "connector", inv.ConnectorID,
			"capability", inv.CapabilityID, "outcome", outcome, "error", err)
	}
	if d.b != nil {
		d.b.Publish(event.Meta(metaSource, typ, payload, d.clk.Now()))
	}

	w.fut.result = result
	w.fut.err = err
	close(w.fut.done)
}

func (d *Dispatcher) forget(w *work) {
	if w.inv.Fingerprint == "" {
		return
	}
	d.mu.Lock()
	if d.inflight[w.inv.Fingerprint] == w {
		delete(d.inflight, w.inv.Fingerprint)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) gaugeDepth() {
	if d.met != nil {
		d.met.ActionQueueSize.Set(float64(len(d.queue)))
	}
}

// retryDelay: min(cap, base·2^(n-1)) jittered within ±50%.
func retryDelay(attempt int) time.Duration {
	full := retryBase << (attempt - 1)
	if full > retryCap {
		full = retryCap
	}
	return time.Duration(float64(full) * (0.5 + rand.Float64()))
}
