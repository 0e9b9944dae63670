// Package rules evaluates declarative rules against the event stream
// and turns matches into action invocations. The engine owns one bus
// subscription whose filter is the union of every enabled rule's
// predicate, recompiled on each rule change.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/dispatch"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/metrics"
)

const defaultRuleMax = 100

// Throttle caps a rule to one invocation per key per window. KeyFields
// name event projections ("device_id", "source", "type", or any
// payload key); an empty list throttles the rule globally.
type Throttle struct {
	KeyFields []string      `json:"key_fields,omitempty" yaml:"key_fields"`
	Window    time.Duration `json:"window" yaml:"window"`
}

// ActionTemplate describes the invocation a match produces. Params are
// literal parameters; ParamsFromEvent maps parameter names to event
// projections resolved per match.
type ActionTemplate struct {
	ConnectorID     string            `json:"connector_id" yaml:"connector_id"`
	CapabilityID    string            `json:"capability_id" yaml:"capability_id"`
	Operation       string            `json:"operation" yaml:"operation"`
	Params          map[string]any    `json:"params,omitempty" yaml:"params"`
	ParamsFromEvent map[string]string `json:"params_from_event,omitempty" yaml:"params_from_event"`
}

// Rule is one declarative match → action mapping.
type Rule struct {
	ID       string         `json:"id" yaml:"id"`
	Filter   bus.Filter     `json:"filter" yaml:"filter"`
	Action   ActionTemplate `json:"action" yaml:"action"`
	Throttle *Throttle      `json:"throttle,omitempty" yaml:"throttle"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
}

// Submitter is the dispatch side the engine feeds. *dispatch.Dispatcher
// satisfies it.
type Submitter interface {
	Submit(inv dispatch.Invocation) (*dispatch.Future, error)
}

// Options configures an engine.
type Options struct {
	MaxRules int
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Engine holds the rule set and its compiled bus subscription.
type Engine struct {
	b      *bus.Bus
	submit Submitter
	clk    clock.Clock
	met    *metrics.Metrics
	max    int
	logger *slog.Logger

	mu        sync.RWMutex
	rules     map[string]*Rule
	sub       *bus.Subscription
	throttled map[string]time.Time // ruleID|key → window expiry
	closed    bool
}

// NewEngine builds an engine with no rules and no subscription.
func NewEngine(b *bus.Bus, submit Submitter, opts Options) *Engine {
	if opts.MaxRules <= 0 {
		opts.MaxRules = defaultRuleMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Engine{
		b:         b,
		submit:    submit,
		clk:       opts.Clock,
		met:       opts.Metrics,
		max:       opts.MaxRules,
		logger:    slog.Default().With("component", "rules"),
		rules:     make(map[string]*Rule),
		throttled: make(map[string]time.Time),
	}
}

// Upsert adds or replaces a rule and recompiles the subscription.
func (e *Engine) Upsert(r Rule) error {
	if err := validate(&r); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fault.New(fault.KindConfig, "rules.upsert", "engine closed")
	}
	if _, exists := e.rules[r.ID]; !exists && len(e.rules) >= e.max {
		return fault.Newf(fault.KindOverflow, "rules.upsert", "rule limit %d reached", e.max)
	}
	e.rules[r.ID] = &r
	e.recompile()
	e.logger.Info("rule upserted", "rule", r.ID, "enabled", r.Enabled)
	return nil
}

// Remove deletes a rule; removing an unknown id is a no-op.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.rules[id]; !ok {
		return
	}
	delete(e.rules, id)
	e.recompile()
	e.logger.Info("rule removed", "rule", id)
}

// Rules returns a snapshot of the rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// Get returns one rule by id.
func (e *Engine) Get(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// Close drops the subscription; the rule set is discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.sub != nil {
		e.b.Unsubscribe(e.sub)
		e.sub = nil
	}
}

// recompile rebuilds the single bus subscription from the enabled
// rules. Caller holds e.mu. No enabled rules means no subscription at
// all rather than a match-all one.
func (e *Engine) recompile() {
	if e.sub != nil {
		e.b.Unsubscribe(e.sub)
		e.sub = nil
	}
	var filters []bus.Filter
	for _, r := range e.rules {
		if r.Enabled {
			filters = append(filters, r.Filter)
		}
	}
	if len(filters) == 0 {
		return
	}
	e.sub = e.b.Subscribe(bus.Union(filters...), bus.DropOldest, e.handle)
}

// handle evaluates every rule against one delivered event. The union
// filter over-approximates, so each rule re-checks its own predicate.
func (e *Engine) handle(ev *event.Event) {
	e.mu.RLock()
	snapshot := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			snapshot = append(snapshot, r)
		}
	}
	e.mu.RUnlock()

	for _, r := range snapshot {
		e.evaluate(r, ev)
	}
}

// evaluate runs predicate → throttle → action for one rule. Failures
// inside one rule never reach the others.
func (e *Engine) evaluate(r *Rule, ev *event.Event) {
	if !r.Filter.Matches(ev) {
		e.countEval(r.ID, "no_match")
		return
	}

	params, err := e.resolveParams(r, ev)
	if err != nil {
		// A resolution failure is a non-match, not a fault.
		e.countEval(r.ID, "error")
		e.logger.Warn("rule parameter resolution failed", "rule", r.ID, "event", ev.ID, "error", err)
		return
	}
	e.countEval(r.ID, "match")

	if r.Throttle != nil && r.Throttle.Window > 0 {
		if e.suppressed(r, ev) {
			if e.met != nil {
				e.met.RuleSuppressed.WithLabelValues(r.ID).Inc()
			}
			return
		}
	}

	inv := dispatch.Invocation{
		ID:           uuid.NewString(),
		ConnectorID:  r.Action.ConnectorID,
		CapabilityID: r.Action.CapabilityID,
		Operation:    r.Action.Operation,
		Params:       params,
		Fingerprint:  dispatch.Fingerprint(r.Action.ConnectorID, r.Action.CapabilityID, r.Action.Operation, params),
		RuleID:       r.ID,
	}
	if _, err := e.submit.Submit(inv); err != nil {
		e.logger.Warn("action submission rejected", "rule", r.ID, "error", err)
	}
}

// suppressed checks and arms the rule's throttle window for the
// event's key.
func (e *Engine) suppressed(r *Rule, ev *event.Event) bool {
	key := r.ID + "|" + throttleKey(r.Throttle.KeyFields, ev)
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if expiry, ok := e.throttled[key]; ok && now.Before(expiry) {
		return true
	}
	e.throttled[key] = now.Add(r.Throttle.Window)
	// Opportunistic cleanup keeps the map bounded by live windows.
	for k, exp := range e.throttled {
		if now.After(exp) {
			delete(e.throttled, k)
		}
	}
	return false
}

// resolveParams merges the literal params with per-event projections.
func (e *Engine) resolveParams(r *Rule, ev *event.Event) (map[string]any, error) {
	params := make(map[string]any, len(r.Action.Params)+len(r.Action.ParamsFromEvent))
	for k, v := range r.Action.Params {
		params[k] = v
	}
	for name, field := range r.Action.ParamsFromEvent {
		v, ok := project(ev, field)
		if !ok {
			return nil, fault.Newf(fault.KindParam, "rules.resolve", "event field %q absent", field)
		}
		params[name] = v
	}
	return params, nil
}

// project resolves an event projection: the fixed envelope fields by
// name, everything else as a top-level payload key.
func project(ev *event.Event, field string) (any, bool) {
	switch field {
	case "event_id":
		return ev.ID, true
	case "device_id":
		return ev.DeviceID, ev.DeviceID != ""
	case "source":
		return ev.SourceConnectorID, true
	case "type":
		return string(ev.Type), true
	case "occurred_at":
		return ev.OccurredAt.Format(time.RFC3339), true
	}
	v, ok := ev.Payload[field]
	return v, ok
}

func throttleKey(fields []string, ev *event.Event) string {
	if len(fields) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v, ok := project(ev, f); ok {
			parts = append(parts, asString(v))
		} else {
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|")
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (e *Engine) countEval(ruleID, result string) {
	if e.met != nil {
		e.met.RuleEvaluations.WithLabelValues(ruleID, result).Inc()
	}
}

func validate(r *Rule) error {
	switch {
	case r.ID == "":
		return fault.New(fault.KindConfig, "rules.validate", "rule id is required")
	case r.Action.ConnectorID == "":
		return fault.New(fault.KindConfig, "rules.validate", "action connector_id is required")
	case r.Action.CapabilityID == "":
		return fault.New(fault.KindConfig, "rules.validate", "action capability_id is required")
	case r.Action.Operation == "":
		return fault.New(fault.KindConfig, "rules.validate", "action operation is required")
	}
	return nil
}
