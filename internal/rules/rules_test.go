package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/dispatch"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
)

type captureSubmitter struct {
	mu   sync.Mutex
	invs []dispatch.Invocation
	err  error
}

func (c *captureSubmitter) Submit(inv dispatch.Invocation) (*dispatch.Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.invs = append(c.invs, inv)
	return nil, nil
}

func (c *captureSubmitter) snapshot() []dispatch.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Invocation(nil), c.invs...)
}

func awaitInvocations(t *testing.T, c *captureSubmitter, n int) []dispatch.Invocation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d invocations, have %d", n, len(c.snapshot()))
	return nil
}

func testEvent(typ event.Type, device string, payload map[string]any) *event.Event {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return &event.Event{
		ID:                "ev-" + device + "-" + string(typ),
		SourceConnectorID: "cam-feed",
		Type:              typ,
		DeviceID:          device,
		OccurredAt:        now,
		ReceivedAt:        now,
		Payload:           payload,
	}
}

func newEngine(t *testing.T, vc clock.Clock) (*Engine, *bus.Bus, *captureSubmitter) {
	t.Helper()
	b := bus.New(bus.Options{})
	t.Cleanup(b.Close)
	sink := &captureSubmitter{}
	e := NewEngine(b, sink, Options{Clock: vc})
	t.Cleanup(e.Close)
	return e, b, sink
}

func motionRule(id string) Rule {
	return Rule{
		ID:      id,
		Filter:  bus.Filter{Types: []event.Type{event.TypeMotion}},
		Enabled: true,
		Action: ActionTemplate{
			ConnectorID:  "cam-1",
			CapabilityID: "camera:snapshot",
			Operation:    "get",
			Params:       map[string]any{"quality": "high"},
			ParamsFromEvent: map[string]string{
				"camera_id": "device_id",
			},
		},
	}
}

func TestMatchProducesInvocation(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	require.NoError(t, e.Upsert(motionRule("r-motion")))

	b.Publish(testEvent(event.TypeMotion, "cam-7", map[string]any{"score": 92.0}))

	invs := awaitInvocations(t, sink, 1)
	inv := invs[0]
	assert.Equal(t, "r-motion", inv.RuleID)
	assert.Equal(t, "cam-1", inv.ConnectorID)
	assert.Equal(t, "camera:snapshot", inv.CapabilityID)
	assert.Equal(t, "high", inv.Params["quality"])
	assert.Equal(t, "cam-7", inv.Params["camera_id"], "projection resolved from the event")
	assert.NotEmpty(t, inv.Fingerprint)
}

func TestNonMatchingEventIgnored(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	require.NoError(t, e.Upsert(motionRule("r-motion")))

	b.Publish(testEvent(event.TypeRing, "door-1", nil))
	b.Publish(testEvent(event.TypeMotion, "cam-2", nil))

	invs := awaitInvocations(t, sink, 1)
	assert.Len(t, invs, 1, "only the motion event matches")
	assert.Equal(t, "cam-2", invs[0].Params["camera_id"])
}

func TestProjectionFailureIsNonMatch(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	r := motionRule("r-plate")
	r.Action.ParamsFromEvent = map[string]string{"plate": "licensePlate"}
	require.NoError(t, e.Upsert(r))
	other := motionRule("r-motion")
	require.NoError(t, e.Upsert(other))

	// No licensePlate key: r-plate cannot resolve, r-motion still fires.
	b.Publish(testEvent(event.TypeMotion, "cam-3", map[string]any{"score": 10.0}))

	invs := awaitInvocations(t, sink, 1)
	assert.Len(t, invs, 1)
	assert.Equal(t, "r-motion", invs[0].RuleID)
}

func TestThrottleSuppressesWithinWindow(t *testing.T) {
	vc := clock.NewVirtual(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	e, b, sink := newEngine(t, vc)

	r := motionRule("r-throttled")
	r.Throttle = &Throttle{KeyFields: []string{"device_id"}, Window: time.Minute}
	require.NoError(t, e.Upsert(r))

	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	b.Publish(testEvent(event.TypeMotion, "cam-2", nil))

	invs := awaitInvocations(t, sink, 2)
	assert.Len(t, invs, 2, "second cam-1 match suppressed, cam-2 keyed separately")

	vc.Advance(2 * time.Minute)
	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	invs = awaitInvocations(t, sink, 3)
	assert.Len(t, invs, 3, "window expiry re-arms the rule")
}

func TestDisabledRuleNeverFires(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	r := motionRule("r-off")
	r.Enabled = false
	require.NoError(t, e.Upsert(r))
	on := motionRule("r-on")
	require.NoError(t, e.Upsert(on))

	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	invs := awaitInvocations(t, sink, 1)
	assert.Equal(t, "r-on", invs[0].RuleID)
}

func TestRemoveStopsMatching(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	require.NoError(t, e.Upsert(motionRule("r-motion")))
	e.Remove("r-motion")

	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
	assert.Empty(t, e.Rules())
}

func TestRuleLimitEnforced(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()
	e := NewEngine(b, &captureSubmitter{}, Options{MaxRules: 2})
	defer e.Close()

	require.NoError(t, e.Upsert(motionRule("r-1")))
	require.NoError(t, e.Upsert(motionRule("r-2")))

	err := e.Upsert(motionRule("r-3"))
	assert.Equal(t, fault.KindOverflow, fault.KindOf(err))

	// Replacing an existing rule is not growth.
	assert.NoError(t, e.Upsert(motionRule("r-2")))
}

func TestValidation(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	r := motionRule("")
	assert.Equal(t, fault.KindConfig, fault.KindOf(e.Upsert(r)))

	r = motionRule("r-x")
	r.Action.CapabilityID = ""
	assert.Equal(t, fault.KindConfig, fault.KindOf(e.Upsert(r)))
}

func TestFingerprintStableAcrossMatches(t *testing.T) {
	e, b, sink := newEngine(t, nil)
	r := motionRule("r-motion")
	r.Action.ParamsFromEvent = nil // identical params every match
	require.NoError(t, e.Upsert(r))

	b.Publish(testEvent(event.TypeMotion, "cam-1", nil))
	b.Publish(testEvent(event.TypeMotion, "cam-2", nil))

	invs := awaitInvocations(t, sink, 2)
	assert.Equal(t, invs[0].Fingerprint, invs[1].Fingerprint,
		"identical actions share a fingerprint for coalescing")
}
