package connector

import (
	"log/slog"
	"sync/atomic"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/metrics"
	"github.com/aegisfabric/aegis/internal/wire"
)

// vendorTypeMap folds vendor type tags into the closed vocabulary.
// Unknown tags become generic and surface through discovery.
var vendorTypeMap = map[string]event.Type{
	"motion":                event.TypeMotion,
	"smartDetectZone":       event.TypeSmartZone,
	"smartDetectLine":       event.TypeSmartLine,
	"smartDetectLoiterZone": event.TypeSmartLoiter,
	"lineCrossing":          event.TypeSmartLine,
	"zoneDetect":            event.TypeSmartZone,
	"ring":                  event.TypeRing,
	"recording":             event.TypeRecording,
	"connection":            event.TypeConnection,
	"camera":                event.TypeDeviceStatus,
	"system":                event.TypeDeviceStatus,
	"deviceStatus":          event.TypeDeviceStatus,
}

// MapVendorType folds a vendor type tag into the closed vocabulary.
func MapVendorType(vendorType string) event.Type {
	if t, ok := vendorTypeMap[vendorType]; ok {
		return t
	}
	return event.TypeGeneric
}

// Pipeline is the single inbound path for one connector:
//
//	frame -> classify -> dedup -> discover -> normalize -> publish
//
// Both the duplex-socket and polling transports feed it; downstream
// semantics are identical. After close it publishes nothing, which is
// what makes Disconnect terminal for event emission.
type Pipeline struct {
	sourceID string
	bus      *bus.Bus
	clk      clock.Clock
	dedup    *event.Deduper
	disc     *event.Discovery
	norm     *event.Normalizer
	cache    *deviceCache
	logger   *slog.Logger
	m        *metrics.Metrics

	closed     atomic.Bool
	parseFails atomic.Uint64
	pings      atomic.Uint64
}

func newPipeline(sourceID string, b *bus.Bus, clk clock.Clock, dedupWindow int, norm *event.Normalizer, cache *deviceCache, m *metrics.Metrics) *Pipeline {
	if norm == nil {
		norm = &event.Normalizer{}
	}
	return &Pipeline{
		sourceID: sourceID,
		bus:      b,
		clk:      clk,
		dedup:    event.NewDeduper(dedupWindow),
		disc:     event.NewDiscovery(),
		norm:     norm,
		cache:    cache,
		logger:   slog.Default().With("component", "pipeline", "connector", sourceID),
		m:        m,
	}
}

// IngestFrame decodes one duplex-socket message and feeds it through
// the pipeline. Protocol errors drop the frame, never the session.
func (p *Pipeline) IngestFrame(buf []byte) {
	msg, err := wire.Decode(buf)
	if err != nil {
		p.parseFails.Add(1)
		if p.m != nil {
			p.m.FrameDecodeErrors.WithLabelValues(p.sourceID).Inc()
		}
		p.logger.Warn("frame dropped", "error", err, "kind", fault.KindOf(err).String())
		return
	}
	p.IngestMessage(msg)
}

// IngestMessage classifies a decoded socket message structurally and
// routes it onward. Heartbeats are consumed silently.
func (p *Pipeline) IngestMessage(msg *wire.Message) {
	action := msg.Action

	if verb, _ := action["action"].(string); verb == "ping" || verb == "pong" {
		p.pings.Add(1)
		return
	}

	switch {
	case hasKey(action, "item") && hasKey(action, "type"):
		// Vendor event envelope: the item is the event body, the type
		// tag rides alongside it.
		vendorType, _ := action["type"].(string)
		payload, ok := action["item"].(map[string]any)
		if !ok {
			payload = action
		}
		p.Ingest(vendorType, payload)

	case hasKey(action, "modelKey") && hasKey(action, "id"):
		// Direct resource update; the modelKey names the resource kind.
		vendorType, _ := action["modelKey"].(string)
		p.Ingest(vendorType, action)

	case hasKey(action, "action"):
		verb, _ := action["action"].(string)
		switch verb {
		case "add", "remove", "update":
			vendorType, _ := action["modelKey"].(string)
			if data, ok := action["data"].(map[string]any); ok {
				merged := make(map[string]any, len(action)+len(data))
				for k, v := range action {
					if k != "data" {
						merged[k] = v
					}
				}
				for k, v := range data {
					merged[k] = v
				}
				p.Ingest(vendorType, merged)
				return
			}
			p.Ingest(vendorType, action)
		default:
			p.Ingest(verb, action)
		}
	}
}

// Ingest runs a classified vendor payload through dedup, discovery,
// normalization, and publish. This is also the polling path's entry.
func (p *Pipeline) Ingest(vendorType string, payload map[string]any) {
	if p.closed.Load() {
		return
	}

	typ := MapVendorType(vendorType)
	e := p.norm.Normalize(p.sourceID, typ, payload, p.clk.Now())

	if p.dedup.Seen(e.DeviceID, e.ID) {
		if p.m != nil {
			p.m.DedupDrops.WithLabelValues(p.sourceID).Inc()
		}
		return
	}
	if p.cache != nil && e.DeviceID != "" {
		p.cache.markEvent(e.DeviceID, e.ID)
		if typ == event.TypeDeviceStatus {
			p.cache.put(e.DeviceID, payload)
		}
	}

	for _, meta := range p.disc.Observe(p.sourceID, vendorType, e) {
		p.publish(meta)
	}
	p.publish(e)
}

func (p *Pipeline) publish(e *event.Event) {
	if p.closed.Load() {
		return
	}
	p.bus.Publish(e)
	if p.m != nil {
		p.m.EventsPublished.WithLabelValues(p.sourceID, string(e.Type)).Inc()
	}
}

// Close stops all publication. Idempotent. A later Connect reopens
// the pipeline; between the two, nothing this connector produced
// reaches the bus.
func (p *Pipeline) Close() { p.closed.Store(true) }

func (p *Pipeline) reopen() { p.closed.Store(false) }

// DedupDrops exposes the duplicate counter.
func (p *Pipeline) DedupDrops() uint64 { return p.dedup.Drops() }

// ParseFailures exposes the dropped-frame counter.
func (p *Pipeline) ParseFailures() uint64 { return p.parseFails.Load() }

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
