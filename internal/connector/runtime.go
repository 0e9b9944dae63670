package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/metrics"
)

// Contract defaults.
const (
	connectTimeout   = 30 * time.Second
	disconnectDrain  = 10 * time.Second
	rateWindow       = 60 * time.Second
	rateBudget       = 100
	defaultCooldown  = 5 * time.Second
	heartbeatPeriod  = 30 * time.Second
	heartbeatTimeout = 30 * time.Second
	heartbeatMisses  = 2
)

// ErrNotConnected rejects capability dispatch outside the connected
// state. Callers match it with errors.Is.
var ErrNotConnected = fault.New(fault.KindUpstream, "connector.execute", "not connected")

// Driver is what a concrete connector implementation provides: its
// manifest and the ability to open a session against the external
// subsystem. The runtime supplies everything else.
type Driver interface {
	// Type names the connector kind ("protect", "geofeed", "slack").
	Type() string

	// Manifest enumerates the capabilities this implementation exposes.
	Manifest() []capability.Descriptor

	// Open authenticates and establishes a session. It must respect
	// ctx's deadline and classify failures with fault kinds (auth,
	// unreachable, config) so the lifecycle can branch on them.
	Open(ctx context.Context, pipe *Pipeline) (Session, error)
}

// Session is one live connection. Run blocks reading inbound traffic
// until the transport drops or ctx is cancelled; capability-only
// sessions simply block on ctx.
type Session interface {
	// Run is the reader task. A nil return means ctx was cancelled; an
	// error means the transport dropped.
	Run(ctx context.Context) error

	// Call executes one capability operation against the remote side.
	Call(ctx context.Context, capID, op string, params map[string]any) (any, error)

	// Close releases the session's resources. Bounded by ctx.
	Close(ctx context.Context) error
}

// Prober is implemented by sessions that support a liveness probe. The
// runtime sends one every heartbeat period; two consecutive misses
// degrade the connector.
type Prober interface {
	Probe(ctx context.Context) error
}

// CooldownError is returned by a driver when the remote side
// rate-limits a call and advertises a wait. The runtime honors it once
// per Execute.
type CooldownError struct {
	After time.Duration
	Err   error
}

func (e *CooldownError) Error() string {
	if e.Err != nil {
		return "remote cooldown: " + e.Err.Error()
	}
	return "remote cooldown"
}

func (e *CooldownError) Unwrap() error { return e.Err }

// Options configures a runtime beyond its driver.
type Options struct {
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Caps        *capability.Registry
	DedupWindow int
	Normalizer  *event.Normalizer

	// RateBudget/RateWindow override the outbound token bucket; zero
	// values take the defaults (100 per 60 s).
	RateBudget int
	RateWindow time.Duration
}

// Runtime drives one connector instance: lifecycle, dispatch, inbound
// pipeline, reconnection, heartbeat. Concrete behavior lives in the
// Driver; the runtime never knows vendor specifics.
type Runtime struct {
	id     string
	drv    Driver
	config map[string]string

	fsm     *machine
	clk     clock.Clock
	limiter *rate.Limiter
	backoff *backoff
	pipe    *Pipeline
	cache   *deviceCache
	caps    *capability.Registry
	logger  *slog.Logger
	m       *metrics.Metrics

	mu        sync.Mutex
	sess      Session
	sessStop  context.CancelFunc
	sessDone  chan struct{}
	reconnect *reconnectState
	sweeper   clock.Ticker
}

type reconnectState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a runtime for the given driver. Config is frozen at
// construction.
func New(id string, drv Driver, config map[string]string, b *bus.Bus, opts Options) *Runtime {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	budget := opts.RateBudget
	if budget <= 0 {
		budget = rateBudget
	}
	window := opts.RateWindow
	if window <= 0 {
		window = rateWindow
	}
	frozen := make(map[string]string, len(config))
	for k, v := range config {
		frozen[k] = v
	}

	rt := &Runtime{
		id:      id,
		drv:     drv,
		config:  frozen,
		fsm:     newMachine(),
		clk:     clk,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(budget)), budget),
		backoff: newBackoff(),
		caps:    opts.Caps,
		logger:  slog.Default().With("component", "connector", "connector", id, "type", drv.Type()),
		m:       opts.Metrics,
	}
	rt.cache = newDeviceCache(clk)
	rt.pipe = newPipeline(id, b, clk, opts.DedupWindow, opts.Normalizer, rt.cache, opts.Metrics)
	return rt
}

// ID returns the connector instance id.
func (rt *Runtime) ID() string { return rt.id }

// Type returns the driver kind.
func (rt *Runtime) Type() string { return rt.drv.Type() }

// Config returns the frozen instance configuration.
func (rt *Runtime) Config(key string) string { return rt.config[key] }

// State returns the current lifecycle state.
func (rt *Runtime) State() State {
	s, _ := rt.fsm.current()
	return s
}

// StateDescription includes the failure kind for failed states.
func (rt *Runtime) StateDescription() string {
	return describeState(rt.fsm.current())
}

// Connected reports whether capability dispatch is currently allowed.
func (rt *Runtime) Connected() bool { return rt.State() == StateConnected }

// Transitions returns the recent lifecycle history.
func (rt *Runtime) Transitions() []Transition { return rt.fsm.transitions() }

// Device returns a fresh snapshot of a cached device, if any.
func (rt *Runtime) Device(deviceID string) (map[string]any, bool) {
	return rt.cache.get(deviceID)
}

// Manifest exposes the driver's capability descriptors.
func (rt *Runtime) Manifest() []capability.Descriptor { return rt.drv.Manifest() }

// Pipeline exposes the inbound pipeline for drivers and tests.
func (rt *Runtime) Pipeline() *Pipeline { return rt.pipe }

// ============================================================================
// LIFECYCLE
// ============================================================================

// Connect establishes the session. Idempotent from idle and failed;
// calling it in any other state is an error. Authentication, discovery
// and subscription setup happen inside the driver under one deadline.
func (rt *Runtime) Connect(ctx context.Context) error {
	if !rt.fsm.toFrom(StateConnecting, FailNone, rt.clk.Now(), StateIdle, StateFailed) {
		s, kind := rt.fsm.current()
		if s == StateConnected || s == StateConnecting {
			return nil // already there or on the way
		}
		return fault.Newf(fault.KindConfig, "connector.connect",
			"connect from %s not allowed", describeState(s, kind))
	}
	rt.setStateMetric()

	octx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	sess, err := rt.drv.Open(octx, rt.pipe)
	if err != nil {
		kind := failKindFor(err, octx)
		rt.fsm.toFrom(StateFailed, kind, rt.clk.Now(), StateConnecting)
		rt.setStateMetric()
		rt.logger.Error("connect failed", "kind", string(kind), "error", err)
		return err
	}

	rt.adopt(sess)
	if !rt.fsm.toFrom(StateConnected, FailNone, rt.clk.Now(), StateConnecting) {
		// Disconnect raced us; tear the fresh session down.
		rt.dropSession(context.Background())
		return fault.New(fault.KindTransport, "connector.connect", "disconnected during connect")
	}
	rt.backoff.reset()
	rt.pipe.reopen()
	rt.startSweeper()
	rt.setStateMetric()
	rt.logger.Info("connected")
	return nil
}

// adopt installs the session and starts its reader and heartbeat tasks.
func (rt *Runtime) adopt(sess Session) {
	sctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	rt.mu.Lock()
	rt.sess = sess
	rt.sessStop = cancel
	rt.sessDone = done
	rt.mu.Unlock()

	go func() {
		defer close(done)
		err := sess.Run(sctx)
		if err != nil && sctx.Err() == nil {
			rt.onTransportDrop(err)
		}
	}()

	if prober, ok := sess.(Prober); ok {
		go rt.heartbeat(sctx, prober)
	}
}

// heartbeat probes session liveness; two consecutive unacknowledged
// probes force degradation.
func (rt *Runtime) heartbeat(ctx context.Context, prober Prober) {
	misses := 0
	for {
		if err := rt.clk.Sleep(ctx, heartbeatPeriod); err != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		err := prober.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			misses++
			if rt.m != nil {
				rt.m.HeartbeatMisses.WithLabelValues(rt.id).Inc()
			}
			rt.logger.Warn("heartbeat missed", "consecutive", misses)
			if misses >= heartbeatMisses {
				rt.onTransportDrop(fault.Wrap(fault.KindTransport, "connector.heartbeat", err))
				return
			}
			continue
		}
		misses = 0
	}
}

// onTransportDrop moves connected -> degraded and starts the reconnect
// schedule. Events may keep flowing from a secondary transport while
// degraded; capability calls are rejected.
func (rt *Runtime) onTransportDrop(cause error) {
	if !rt.fsm.toFrom(StateDegraded, FailNone, rt.clk.Now(), StateConnected) {
		return
	}
	rt.setStateMetric()
	rt.logger.Warn("transport dropped", "error", cause)
	rt.dropSession(context.Background())

	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rt.mu.Lock()
	rt.reconnect = &reconnectState{cancel: cancel, done: done}
	rt.mu.Unlock()
	go rt.reconnectLoop(rctx, done)
}

// reconnectLoop retries the connection with exponential backoff until
// it succeeds, the attempts are exhausted, or a disconnect intervenes.
func (rt *Runtime) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		delay, ok := rt.backoff.next()
		if !ok {
			rt.fsm.toFrom(StateFailed, FailExhausted, rt.clk.Now(), StateDegraded, StateConnecting)
			rt.setStateMetric()
			rt.logger.Error("reconnect attempts exhausted")
			return
		}
		if rt.m != nil {
			rt.m.ReconnectAttempts.WithLabelValues(rt.id).Inc()
		}
		if err := rt.clk.Sleep(ctx, delay); err != nil {
			return
		}

		if !rt.fsm.toFrom(StateConnecting, FailNone, rt.clk.Now(), StateDegraded) {
			return
		}
		rt.setStateMetric()

		octx, cancel := context.WithTimeout(ctx, connectTimeout)
		sess, err := rt.drv.Open(octx, rt.pipe)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := failKindFor(err, octx)
			if kind == FailAuth || kind == FailConfig {
				// Credentials went bad mid-life; retrying cannot help.
				rt.fsm.toFrom(StateFailed, kind, rt.clk.Now(), StateConnecting)
				rt.setStateMetric()
				rt.logger.Error("reconnect failed permanently", "kind", string(kind), "error", err)
				return
			}
			rt.fsm.toFrom(StateDegraded, FailNone, rt.clk.Now(), StateConnecting)
			rt.setStateMetric()
			rt.logger.Warn("reconnect attempt failed", "attempt", rt.backoff.count(), "error", err)
			continue
		}

		rt.adopt(sess)
		if !rt.fsm.toFrom(StateConnected, FailNone, rt.clk.Now(), StateConnecting) {
			rt.dropSession(context.Background())
			return
		}
		rt.backoff.reset()
		rt.setStateMetric()
		rt.logger.Info("reconnected")
		return
	}
}

// Disconnect tears the connector down. Idempotent; terminal within the
// drain bound regardless of outstanding I/O. After it returns, no new
// events from this connector are published.
func (rt *Runtime) Disconnect(ctx context.Context) error {
	s, _ := rt.fsm.current()
	if s == StateIdle {
		return nil
	}
	if !rt.fsm.toFrom(StateDisconnecting, FailNone, rt.clk.Now(),
		StateConnecting, StateConnected, StateDegraded, StateFailed) {
		return nil
	}
	rt.setStateMetric()
	rt.pipe.Close()
	rt.stopSweeper()

	rt.mu.Lock()
	rec := rt.reconnect
	rt.reconnect = nil
	rt.mu.Unlock()
	if rec != nil {
		rec.cancel()
		<-rec.done
	}

	dctx, cancel := context.WithTimeout(ctx, disconnectDrain)
	defer cancel()
	rt.dropSession(dctx)

	rt.fsm.toFrom(StateIdle, FailNone, rt.clk.Now(), StateDisconnecting)
	rt.setStateMetric()
	rt.logger.Info("disconnected")
	return nil
}

// dropSession cancels the reader task, waits for it within ctx, and
// closes the session.
func (rt *Runtime) dropSession(ctx context.Context) {
	rt.mu.Lock()
	sess, stop, done := rt.sess, rt.sessStop, rt.sessDone
	rt.sess, rt.sessStop, rt.sessDone = nil, nil, nil
	rt.mu.Unlock()
	if sess == nil {
		return
	}
	stop()
	select {
	case <-done:
	case <-ctx.Done():
	}
	_ = sess.Close(ctx)
}

func (rt *Runtime) startSweeper() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sweeper == nil {
		rt.sweeper = rt.clk.Every(time.Minute, rt.cache.sweep)
	}
}

func (rt *Runtime) stopSweeper() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sweeper != nil {
		rt.sweeper.Stop()
		rt.sweeper = nil
	}
}

// ============================================================================
// CAPABILITY DISPATCH
// ============================================================================

// Execute runs one capability operation. Precondition: connected. The
// call waits for a rate-limiter token (cooperatively, bounded by ctx),
// validates parameters against the registry, and never retries on its
// own; retry policy belongs to the action dispatcher. A remote
// cooldown is honored once.
func (rt *Runtime) Execute(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	if rt.State() != StateConnected {
		rt.countExec(capID, fault.KindUpstream)
		return nil, ErrNotConnected
	}
	if rt.caps != nil {
		if err := rt.caps.Validate(capID, op, params); err != nil {
			rt.countExec(capID, fault.KindOf(err))
			return nil, err
		}
	}
	if err := rt.limiter.Wait(ctx); err != nil {
		rt.countExec(capID, fault.KindTimeout)
		return nil, fault.Wrap(fault.KindTimeout, "connector.execute", err)
	}

	rt.mu.Lock()
	sess := rt.sess
	rt.mu.Unlock()
	if sess == nil {
		rt.countExec(capID, fault.KindUpstream)
		return nil, ErrNotConnected
	}

	result, err := sess.Call(ctx, capID, op, params)
	var cd *CooldownError
	if errors.As(err, &cd) {
		wait := cd.After
		if wait <= 0 {
			wait = defaultCooldown
		}
		if serr := rt.clk.Sleep(ctx, wait); serr != nil {
			rt.countExec(capID, fault.KindTimeout)
			return nil, fault.Wrap(fault.KindTimeout, "connector.execute", serr)
		}
		result, err = sess.Call(ctx, capID, op, params)
	}
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.KindUnknown {
			if ctx.Err() != nil {
				kind = fault.KindTimeout
			} else {
				kind = fault.KindUpstream
			}
			err = fault.Wrap(kind, "connector.execute", err)
		}
		rt.countExec(capID, kind)
		return nil, err
	}
	rt.countExec(capID, fault.KindUnknown)
	return result, nil
}

func (rt *Runtime) countExec(capID string, kind fault.Kind) {
	if rt.m == nil {
		return
	}
	outcome := "ok"
	if kind != fault.KindUnknown {
		outcome = kind.String()
	}
	rt.m.CapabilityRequests.WithLabelValues(rt.id, capID, outcome).Inc()
}

func (rt *Runtime) setStateMetric() {
	if rt.m == nil {
		return
	}
	s, _ := rt.fsm.current()
	rt.m.SetConnectorState(rt.id, s.String(), StateNames)
}

// failKindFor classifies an Open error for the failed state.
func failKindFor(err error, ctx context.Context) FailKind {
	switch fault.KindOf(err) {
	case fault.KindAuth:
		return FailAuth
	case fault.KindConfig:
		return FailConfig
	case fault.KindTimeout:
		return FailTimeout
	case fault.KindUnreachable, fault.KindTransport:
		return FailNet
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailTimeout
	}
	return FailNet
}
