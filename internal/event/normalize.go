package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default key precedence for locating the device id inside a vendor
// payload. Vendors are inconsistent; the order is declared per event
// type, never guessed per payload.
var defaultDeviceKeys = []string{"deviceId", "cameraId", "camera", "device", "id"}

// Payload keys probed for the source timestamp, in order. Values may be
// epoch seconds, epoch milliseconds, or RFC 3339 strings.
var timestampKeys = []string{"timestamp", "start", "ts", "time"}

// Normalizer enriches classified vendor payloads into fabric Events:
// canonical device id, UTC timestamps with skew clamping, derived
// capability tags, and a stable event id.
type Normalizer struct {
	// SkewTolerance bounds how far into the future a source timestamp
	// may sit relative to receipt before it is replaced by receipt
	// time. Zero means the 5-minute default.
	SkewTolerance time.Duration

	// DeviceKeys overrides the device-id key precedence for specific
	// event types. Types without an entry use the default chain.
	DeviceKeys map[Type][]string
}

func (n *Normalizer) skew() time.Duration {
	if n.SkewTolerance > 0 {
		return n.SkewTolerance
	}
	return 5 * time.Minute
}

// Normalize builds an Event from a classified vendor payload. The
// payload map is retained verbatim; callers hand over ownership.
func (n *Normalizer) Normalize(sourceID string, typ Type, payload map[string]any, receivedAt time.Time) *Event {
	receivedAt = receivedAt.UTC()
	e := &Event{
		ID:                eventID(payload),
		SourceConnectorID: sourceID,
		Type:              typ,
		DeviceID:          n.deviceID(typ, payload),
		OccurredAt:        n.occurredAt(payload, receivedAt),
		ReceivedAt:        receivedAt,
		Payload:           payload,
		Capabilities:      DeriveCapabilities(typ, payload),
	}
	return e
}

func eventID(payload map[string]any) string {
	for _, key := range []string{"eventId", "event_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func (n *Normalizer) deviceID(typ Type, payload map[string]any) string {
	keys := defaultDeviceKeys
	if n.DeviceKeys != nil {
		if override, ok := n.DeviceKeys[typ]; ok {
			keys = override
		}
	}
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			// Some envelopes nest the device object; its id wins.
			if id, ok := v["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// occurredAt extracts the source timestamp and converts it to UTC.
// Timestamps more than the skew tolerance ahead of receipt are treated
// as clock skew and replaced by receipt time.
func (n *Normalizer) occurredAt(payload map[string]any, receivedAt time.Time) time.Time {
	for _, key := range timestampKeys {
		t, ok := parseTimestamp(payload[key])
		if !ok {
			continue
		}
		if t.After(receivedAt.Add(n.skew())) {
			return receivedAt
		}
		return t.UTC()
	}
	return receivedAt
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(int64(t)), true
	case int64:
		return fromEpoch(t), true
	case int:
		return fromEpoch(int64(t)), true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// fromEpoch guesses seconds vs milliseconds: epoch values past the
// year 2286 in seconds are read as milliseconds.
func fromEpoch(v int64) time.Time {
	if v > 9_999_999_999 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

// DeriveCapabilities computes the capability tag set from the closed
// event type plus well-known payload markers. smartDetectTypes entries
// yield both the family tag and a per-type smartDetect:<t> tag.
func DeriveCapabilities(typ Type, payload map[string]any) CapabilitySet {
	caps := make(CapabilitySet)

	switch typ {
	case TypeMotion:
		caps.Add(CapMotionDetection)
	case TypeSmartLine:
		caps.Add(CapLineCrossing)
	case TypeSmartZone:
		caps.Add(CapZoneDetection)
	case TypeSmartLoiter:
		caps.Add(CapLoiterDetection)
	}

	if types, ok := payload["smartDetectTypes"].([]any); ok {
		for _, raw := range types {
			t, ok := raw.(string)
			if !ok || t == "" {
				continue
			}
			caps.Add("smartDetect:" + t)
			switch {
			case strings.Contains(strings.ToLower(t), "line"):
				caps.Add(CapLineCrossing)
			case strings.Contains(strings.ToLower(t), "licenseplate"), strings.Contains(strings.ToLower(t), "plate"):
				caps.Add(CapLicensePlateDetection)
			case strings.Contains(strings.ToLower(t), "audio"):
				caps.Add(CapAudioDetection)
			default:
				caps.Add(CapZoneDetection)
			}
		}
	}

	if isTruthy(payload["isMotionDetected"]) || isTruthy(payload["motion"]) {
		caps.Add(CapMotionDetection)
	}
	if plate(payload) != "" {
		caps.Add(CapLicensePlateDetection)
	}
	if _, ok := payload["tracking_id"]; ok || payload["trackingId"] != nil {
		if typ == TypeSmartLine {
			caps.Add(CapLineCrossing)
		}
	}

	if len(caps) == 0 {
		return nil
	}
	return caps
}

func isTruthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func plate(payload map[string]any) string {
	for _, key := range []string{"plate", "licensePlate", "license_plate"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Plate exposes the plate lookup for the correlation intake.
func Plate(payload map[string]any) string { return plate(payload) }

// TrackingID extracts an object tracking id from the payload.
func TrackingID(payload map[string]any) string {
	for _, key := range []string{"tracking_id", "trackingId"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Confidence extracts the detection confidence; detections without one
// default to 1.0 (vendor asserted, no score attached).
func Confidence(payload map[string]any) float64 {
	for _, key := range []string{"confidence", "score"} {
		switch v := payload[key].(type) {
		case float64:
			if v > 1 {
				return v / 100 // percentage form
			}
			return v
		case int:
			if v > 1 {
				return float64(v) / 100
			}
			return float64(v)
		}
	}
	return 1.0
}
