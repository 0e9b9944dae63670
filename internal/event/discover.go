package event

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bounds on the discovery sets. Once full, further novelty is ignored
// rather than grown without limit.
const (
	maxDiscoveredTypes  = 256
	maxDiscoveredFields = 512
)

// Discovery tracks vendor event types and payload keys the core has
// not seen before. Novelty produces meta-events so downstream
// components can adapt without the core's parsing becoming dynamic.
type Discovery struct {
	mu     sync.Mutex
	types  map[string]struct{}
	fields map[Type]map[string]struct{}
}

// NewDiscovery builds an empty tracker.
func NewDiscovery() *Discovery {
	return &Discovery{
		types:  make(map[string]struct{}),
		fields: make(map[Type]map[string]struct{}),
	}
}

// Observe inspects a raw vendor type tag and a normalized event and
// returns zero or more meta-events describing what was new: an
// event_type.discovered for a first-seen vendor type, and a
// fields.discovered listing first-seen payload keys for the event's
// closed type.
func (d *Discovery) Observe(sourceID, vendorType string, e *Event) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Event

	if vendorType != "" && len(d.types) < maxDiscoveredTypes {
		if _, ok := d.types[vendorType]; !ok {
			d.types[vendorType] = struct{}{}
			out = append(out, metaEvent(sourceID, TypeEventTypeDiscovered, map[string]any{
				"vendor_type": vendorType,
				"mapped_type": string(e.Type),
			}, e.ReceivedAt))
		}
	}

	known, ok := d.fields[e.Type]
	if !ok {
		known = make(map[string]struct{})
		d.fields[e.Type] = known
	}
	var fresh []string
	for key := range e.Payload {
		if len(known) >= maxDiscoveredFields {
			break
		}
		if _, seen := known[key]; !seen {
			known[key] = struct{}{}
			fresh = append(fresh, key)
		}
	}
	// The first event of a type discovers its whole payload shape;
	// only report keys after that baseline exists.
	if len(fresh) > 0 && len(known) > len(fresh) {
		sort.Strings(fresh)
		out = append(out, metaEvent(sourceID, TypeFieldsDiscovered, map[string]any{
			"event_type": string(e.Type),
			"fields":     fresh,
		}, e.ReceivedAt))
	}

	return out
}

func metaEvent(sourceID string, typ Type, payload map[string]any, at time.Time) *Event {
	return Meta(sourceID, typ, payload, at)
}

// Meta builds a core-generated meta-event (overflow, action outcomes,
// discovery, speed samples). The id is always generated.
func Meta(sourceID string, typ Type, payload map[string]any, at time.Time) *Event {
	return &Event{
		ID:                uuid.NewString(),
		SourceConnectorID: sourceID,
		Type:              typ,
		OccurredAt:        at.UTC(),
		ReceivedAt:        at.UTC(),
		Payload:           payload,
	}
}
