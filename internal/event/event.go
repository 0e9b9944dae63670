// Package event defines the fabric's unit of exchange: the normalized
// Event, the closed type vocabulary, and the capability tag set derived
// from vendor payloads. Connectors produce Events, the bus fans them
// out, and every downstream decision keys off Type and Capabilities
// rather than the open payload.
package event

import (
	"sort"
	"time"
)

// Type is the closed vocabulary tag of an event. Unknown vendor types
// map to TypeGeneric and surface through discovery meta-events instead
// of growing the vocabulary at runtime.
type Type string

const (
	TypeMotion       Type = "motion"
	TypeSmartZone    Type = "smart.detect.zone"
	TypeSmartLine    Type = "smart.detect.line"
	TypeSmartLoiter  Type = "smart.detect.loiter"
	TypeRing         Type = "ring"
	TypeRecording    Type = "recording"
	TypeConnection   Type = "connection"
	TypeDeviceStatus Type = "device.status"
	TypeGeneric      Type = "generic"
)

// Meta-event types emitted by the core itself.
const (
	TypeEventTypeDiscovered Type = "event_type.discovered"
	TypeFieldsDiscovered    Type = "fields.discovered"
	TypeOverflow            Type = "overflow"
	TypeActionCompleted     Type = "action.completed"
	TypeActionFailed        Type = "action.failed"
	TypeSpeedCalculated     Type = "speed.calculated"
	TypeSpeedAlert          Type = "speed.alert"
)

// Capability tags derived from payload contents.
const (
	CapMotionDetection       = "motionDetection"
	CapLineCrossing          = "lineCrossing"
	CapZoneDetection         = "zoneDetection"
	CapLicensePlateDetection = "licensePlateDetection"
	CapAudioDetection        = "audioDetection"
	CapLoiterDetection       = "loiterDetection"
)

// CapabilitySet is a string set of capability tags observed on an event.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from the given tags.
func NewCapabilitySet(tags ...string) CapabilitySet {
	s := make(CapabilitySet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts a tag.
func (s CapabilitySet) Add(tag string) { s[tag] = struct{}{} }

// Has reports whether the tag is present.
func (s CapabilitySet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// HasAny reports whether at least one of the tags is present.
func (s CapabilitySet) HasAny(tags ...string) bool {
	for _, t := range tags {
		if s.Has(t) {
			return true
		}
	}
	return false
}

// Tags returns the sorted tag list, for logs and JSON.
func (s CapabilitySet) Tags() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Event is the fabric's unit. Once published it is immutable:
// subscribers receive a shared reference valid for the duration of
// their sink call and must not mutate or retain it.
type Event struct {
	// ID is the source-provided event id, or generated when the
	// vendor supplies none. Unique per (source, 10-minute window).
	ID string `json:"id"`

	// SourceConnectorID identifies the producing connector.
	SourceConnectorID string `json:"source_connector_id"`

	// Type is the closed-vocabulary tag.
	Type Type `json:"type"`

	// DeviceID is the device the event concerns; empty when unknown.
	DeviceID string `json:"device_id,omitempty"`

	// OccurredAt is the source timestamp in UTC, falling back to
	// receipt time when absent or implausible.
	OccurredAt time.Time `json:"occurred_at"`

	// ReceivedAt is the receipt timestamp in UTC.
	ReceivedAt time.Time `json:"received_at"`

	// Payload preserves every vendor field verbatim under its
	// original key.
	Payload map[string]any `json:"payload"`

	// Capabilities are the tags derived from the payload.
	Capabilities CapabilitySet `json:"capabilities_observed,omitempty"`
}

// String helps logs; payload is deliberately elided.
func (e *Event) String() string {
	return string(e.Type) + "/" + e.SourceConnectorID + "/" + e.ID
}

// PayloadString returns a string-typed payload field, or "" when the
// key is absent or not a string.
func (e *Event) PayloadString(key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PayloadFloat returns a numeric payload field as float64. JSON
// decoding yields float64 for all numbers; ints appear when events are
// built in-process.
func (e *Event) PayloadFloat(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
