package connector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/wire"
)

type collector struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *collector) sink(e *event.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) byType(typ event.Type) []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func awaitCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", want, c.count())
}

func newTestPipeline(t *testing.T) (*Pipeline, *collector, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Options{})
	t.Cleanup(b.Close)
	c := &collector{}
	b.Subscribe(bus.Filter{}, bus.DropOldest, c.sink)
	clk := clock.NewVirtual(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	p := newPipeline("cam-1", b, clk, 0, nil, newDeviceCache(clk), nil)
	return p, c, b
}

func TestIngestEnvelopeMessage(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	buf, err := wire.Encode(map[string]any{
		"type": "motion",
		"item": map[string]any{
			"eventId":  "ev-1",
			"cameraId": "cam-a",
			"start":    float64(1_700_000_000_000),
		},
	}, nil, false)
	require.NoError(t, err)

	p.IngestFrame(buf)
	awaitCount(t, c, 1)

	got := c.byType(event.TypeMotion)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-1", got[0].ID)
	assert.Equal(t, "cam-a", got[0].DeviceID)
	assert.True(t, got[0].Capabilities.Has(event.CapMotionDetection))
}

func TestIngestResourceUpdateCachesDevice(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	p.IngestMessage(&wire.Message{Action: map[string]any{
		"action":   "update",
		"modelKey": "camera",
		"id":       "cam-b",
		"data":     map[string]any{"name": "driveway", "state": "CONNECTED"},
	}})
	awaitCount(t, c, 1)

	snap, ok := p.cache.get("cam-b")
	require.True(t, ok)
	assert.Equal(t, "driveway", snap["name"])
}

func TestIngestHeartbeatConsumedSilently(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	p.IngestMessage(&wire.Message{Action: map[string]any{"action": "ping"}})
	p.IngestMessage(&wire.Message{Action: map[string]any{"action": "pong"}})

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.count())
	assert.Equal(t, uint64(2), p.pings.Load())
}

func TestIngestDuplicateDropped(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	payload := map[string]any{"eventId": "E1", "cameraId": "cam-a"}
	p.Ingest("motion", payload)
	p.Ingest("motion", map[string]any{"eventId": "E1", "cameraId": "cam-a"})
	awaitCount(t, c, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count(), "duplicate must not reach subscribers")
	assert.Equal(t, uint64(1), p.DedupDrops())
}

func TestIngestBadFrameSkipsAndCounts(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	buf, err := wire.Encode(map[string]any{"type": "motion", "item": map[string]any{"eventId": "ok-1"}}, nil, false)
	require.NoError(t, err)

	p.IngestFrame(buf[:len(buf)-1]) // truncated by one byte
	p.IngestFrame(buf)
	awaitCount(t, c, 1)

	assert.Equal(t, uint64(1), p.ParseFailures())
	assert.Equal(t, 1, c.count(), "session must survive the bad frame")
}

func TestDiscoveryMetaEvents(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	p.Ingest("thermalAnomaly", map[string]any{"eventId": "x-1", "cameraId": "cam-a"})
	awaitCount(t, c, 2)

	disc := c.byType(event.TypeEventTypeDiscovered)
	require.Len(t, disc, 1)
	assert.Equal(t, "thermalAnomaly", disc[0].Payload["vendor_type"])
	assert.Equal(t, string(event.TypeGeneric), disc[0].Payload["mapped_type"])

	// Same vendor type again with a brand-new payload key.
	p.Ingest("thermalAnomaly", map[string]any{"eventId": "x-2", "cameraId": "cam-a", "severity": "high"})
	awaitCount(t, c, 4)

	fields := c.byType(event.TypeFieldsDiscovered)
	require.Len(t, fields, 1)
	assert.Equal(t, []string{"severity"}, fields[0].Payload["fields"])
}

func TestClosedPipelinePublishesNothing(t *testing.T) {
	p, c, _ := newTestPipeline(t)

	p.Close()
	p.Ingest("motion", map[string]any{"eventId": "late-1", "cameraId": "cam-a"})

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.count())
}
