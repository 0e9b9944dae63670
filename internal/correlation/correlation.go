// Package correlation computes vehicle transit speeds between
// registered detection points. It consumes line-crossing and zone
// detections carrying a plate or tracking id, pairs each new detection
// against the track's recent history, and emits speed.calculated and
// speed.alert events back onto the bus.
package correlation

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/metrics"
)

// Contract defaults.
const (
	trackDepth     = 10
	minDt          = 1 * time.Second
	maxDt          = 300 * time.Second
	minSpeedKmh    = 5.0
	maxSpeedKmh    = 200.0
	minConfidence  = 0.7
	retention      = 24 * time.Hour
	sweepPeriod    = 1 * time.Minute
	earthRadiusKm  = 6371.0
	metaSource     = "correlation"
	metersPerKm    = 1000.0
	hoursPerSecond = 1.0 / 3600.0
)

// PositionKind distinguishes the two coordinate systems. Pairs mixing
// kinds cannot produce a distance and are skipped.
type PositionKind int

const (
	Geographic PositionKind = iota // Lat/Lon degrees
	Planar                         // X/Y meters in a site-local frame
)

// Position is a detection point location.
type Position struct {
	Kind PositionKind `json:"kind"`
	Lat  float64      `json:"lat,omitempty"`
	Lon  float64      `json:"lon,omitempty"`
	X    float64      `json:"x,omitempty"`
	Y    float64      `json:"y,omitempty"`
}

// DetectionPoint is a registered observation site (camera, ANPR
// gantry, induction loop).
type DetectionPoint struct {
	ID        string   `json:"id"`
	Position  Position `json:"position"`
	Direction string   `json:"direction,omitempty"`

	// SpeedLimit in km/h; 0 means no limit enforced at this point.
	SpeedLimit float64 `json:"speed_limit,omitempty"`
	Active     bool    `json:"active"`
}

type detection struct {
	pointID string
	pos     Position
	at      time.Time
}

// Track accumulates detections for one identity (plate or tracking
// id). The deque keeps the most recent detections time-sorted.
type Track struct {
	key        string
	detections []detection
	firstSeen  time.Time
	lastSeen   time.Time
	samples    int
	meanSpeed  float64
	alerts     int
}

// TrackSnapshot is the read-only view served by the admin surface.
type TrackSnapshot struct {
	Key        string    `json:"key"`
	Detections int       `json:"detections"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Samples    int       `json:"samples"`
	MeanSpeed  float64   `json:"mean_speed_kmh"`
	Alerts     int       `json:"alerts"`
}

// Options configures a core; zero values take the contract defaults.
type Options struct {
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	MinDt         time.Duration
	MaxDt         time.Duration
	MinSpeed      float64
	MaxSpeed      float64
	MinConfidence float64
	Retention     time.Duration
}

// Core is the correlation engine.
type Core struct {
	b      *bus.Bus
	clk    clock.Clock
	met    *metrics.Metrics
	logger *slog.Logger

	minDt         time.Duration
	maxDt         time.Duration
	minSpeed      float64
	maxSpeed      float64
	minConfidence float64
	retention     time.Duration

	mu     sync.Mutex
	points map[string]*DetectionPoint
	tracks map[string]*Track

	sub     *bus.Subscription
	sweeper clock.Ticker
}

// New builds the core and attaches it to the bus.
func New(b *bus.Bus, opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.MinDt <= 0 {
		opts.MinDt = minDt
	}
	if opts.MaxDt <= 0 {
		opts.MaxDt = maxDt
	}
	if opts.MinSpeed <= 0 {
		opts.MinSpeed = minSpeedKmh
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = maxSpeedKmh
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = minConfidence
	}
	if opts.Retention <= 0 {
		opts.Retention = retention
	}
	c := &Core{
		b:             b,
		clk:           opts.Clock,
		met:           opts.Metrics,
		logger:        slog.Default().With("component", "correlation"),
		minDt:         opts.MinDt,
		maxDt:         opts.MaxDt,
		minSpeed:      opts.MinSpeed,
		maxSpeed:      opts.MaxSpeed,
		minConfidence: opts.MinConfidence,
		retention:     opts.Retention,
		points:        make(map[string]*DetectionPoint),
		tracks:        make(map[string]*Track),
	}
	c.sub = b.Subscribe(bus.Filter{
		Capabilities: []string{event.CapLineCrossing, event.CapZoneDetection},
	}, bus.DropOldest, c.intake)
	c.sweeper = c.clk.Every(sweepPeriod, c.sweep)
	return c
}

// Close detaches from the bus and stops the retention sweeper.
func (c *Core) Close() {
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if c.sub != nil {
		c.b.Unsubscribe(c.sub)
	}
}

// RegisterPoint adds or replaces a detection point.
func (c *Core) RegisterPoint(p DetectionPoint) error {
	if p.ID == "" {
		return fault.New(fault.KindConfig, "correlation.register", "point id is required")
	}
	if p.Position.Kind == Geographic {
		if p.Position.Lat < -90 || p.Position.Lat > 90 || p.Position.Lon < -180 || p.Position.Lon > 180 {
			return fault.Newf(fault.KindConfig, "correlation.register", "point %q coordinates out of range", p.ID)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[p.ID] = &p
	c.logger.Info("detection point registered", "point", p.ID, "limit_kmh", p.SpeedLimit)
	return nil
}

// Points returns the registered detection points, sorted by id.
func (c *Core) Points() []DetectionPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DetectionPoint, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tracks returns snapshots of the live tracks, sorted by key.
func (c *Core) Tracks() []TrackSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TrackSnapshot, 0, len(c.tracks))
	for _, tr := range c.tracks {
		out = append(out, TrackSnapshot{
			Key:        tr.key,
			Detections: len(tr.detections),
			FirstSeen:  tr.firstSeen,
			LastSeen:   tr.lastSeen,
			Samples:    tr.samples,
			MeanSpeed:  tr.meanSpeed,
			Alerts:     tr.alerts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// intake is the bus sink. Every returned path is silent; rejected
// detections are simply not samples.
func (c *Core) intake(e *event.Event) {
	key := trackKey(e.Payload)
	if key == "" {
		return
	}
	if event.Confidence(e.Payload) < c.minConfidence {
		return
	}

	c.mu.Lock()
	point := c.pointFor(e)
	if point == nil || !point.Active {
		c.mu.Unlock()
		return
	}
	det := detection{pointID: point.ID, pos: point.Position, at: e.OccurredAt}
	track := c.trackFor(key)
	samples := c.observe(track, det)
	c.mu.Unlock()

	for _, s := range samples {
		c.emit(s, key)
	}
}

// pointFor resolves the detection point: an explicit payload hint
// first, then the device id. Caller holds c.mu.
func (c *Core) pointFor(e *event.Event) *DetectionPoint {
	for _, k := range []string{"detection_point", "point_id"} {
		if v, ok := e.Payload[k].(string); ok && v != "" {
			return c.points[v]
		}
	}
	if e.DeviceID != "" {
		return c.points[e.DeviceID]
	}
	return nil
}

func (c *Core) trackFor(key string) *Track {
	tr, ok := c.tracks[key]
	if !ok {
		tr = &Track{key: key, firstSeen: c.clk.Now()}
		c.tracks[key] = tr
		if c.met != nil {
			c.met.TracksActive.Set(float64(len(c.tracks)))
		}
	}
	return tr
}

// sample is one accepted pairwise speed computation.
type sample struct {
	pointFrom string
	pointTo   string
	distKm    float64
	dt        time.Duration
	speedKmh  float64
	limit     float64
}

// observe inserts the detection time-sorted and pairs it against the
// earlier deque entries. Caller holds c.mu.
func (c *Core) observe(tr *Track, det detection) []sample {
	// Same-point consecutive detections carry no transit information.
	if n := len(tr.detections); n > 0 && tr.detections[n-1].pointID == det.pointID {
		tr.lastSeen = c.clk.Now()
		return nil
	}

	var samples []sample
	for _, prev := range tr.detections {
		s, ok := c.pair(prev, det)
		if !ok {
			continue
		}
		samples = append(samples, s)
		tr.samples++
		tr.meanSpeed += (s.speedKmh - tr.meanSpeed) / float64(tr.samples)
		if s.limit > 0 && s.speedKmh > s.limit {
			tr.alerts++
		}
	}

	tr.detections = append(tr.detections, det)
	sort.Slice(tr.detections, func(i, j int) bool {
		return tr.detections[i].at.Before(tr.detections[j].at)
	})
	if len(tr.detections) > trackDepth {
		tr.detections = tr.detections[len(tr.detections)-trackDepth:]
	}
	tr.lastSeen = c.clk.Now()
	return samples
}

// pair evaluates one earlier detection against the new one.
func (c *Core) pair(from, to detection) (sample, bool) {
	if from.pointID == to.pointID {
		return sample{}, false
	}
	dt := to.at.Sub(from.at)
	if dt < c.minDt || dt > c.maxDt {
		return sample{}, false
	}
	dist, ok := distanceKm(from.pos, to.pos)
	if !ok {
		return sample{}, false
	}
	v := dist / (dt.Seconds() * hoursPerSecond)
	if v < c.minSpeed || v > c.maxSpeed {
		return sample{}, false
	}
	// Either endpoint's limit can be breached; the lowest nonzero
	// limit is the binding one.
	limit := 0.0
	for _, id := range []string{from.pointID, to.pointID} {
		if p, ok := c.points[id]; ok && p.SpeedLimit > 0 {
			if limit == 0 || p.SpeedLimit < limit {
				limit = p.SpeedLimit
			}
		}
	}
	return sample{
		pointFrom: from.pointID,
		pointTo:   to.pointID,
		distKm:    dist,
		dt:        dt,
		speedKmh:  v,
		limit:     limit,
	}, true
}

// emit publishes the speed.calculated event and, on a limit breach,
// the speed.alert.
func (c *Core) emit(s sample, key string) {
	now := c.clk.Now()
	c.b.Publish(event.Meta(metaSource, event.TypeSpeedCalculated, map[string]any{
		"track_key":   key,
		"speed_kmh":   s.speedKmh,
		"distance_km": s.distKm,
		"dt_seconds":  s.dt.Seconds(),
		"point_from":  s.pointFrom,
		"point_to":    s.pointTo,
	}, now))
	if c.met != nil {
		c.met.SpeedSamples.WithLabelValues(s.pointFrom, s.pointTo).Inc()
	}

	if s.limit > 0 && s.speedKmh > s.limit {
		c.b.Publish(event.Meta(metaSource, event.TypeSpeedAlert, map[string]any{
			"track_key":  key,
			"speed_kmh":  s.speedKmh,
			"limit_kmh":  s.limit,
			"excess_kmh": s.speedKmh - s.limit,
			"point_from": s.pointFrom,
			"point_to":   s.pointTo,
		}, now))
		if c.met != nil {
			c.met.SpeedAlerts.WithLabelValues(s.pointTo).Inc()
		}
		c.logger.Warn("speed limit breach",
			"track", key, "speed_kmh", s.speedKmh, "limit_kmh", s.limit,
			"from", s.pointFrom, "to", s.pointTo)
	}
}

// sweep evicts tracks idle past the retention window.
func (c *Core) sweep() {
	cutoff := c.clk.Now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, tr := range c.tracks {
		if tr.lastSeen.Before(cutoff) {
			delete(c.tracks, key)
		}
	}
	if c.met != nil {
		c.met.TracksActive.Set(float64(len(c.tracks)))
	}
}

// trackKey derives the namespaced track identity. Plates are the
// stronger identity when both are present.
func trackKey(payload map[string]any) string {
	if p := event.Plate(payload); p != "" {
		return "plate:" + p
	}
	if tid := event.TrackingID(payload); tid != "" {
		return "track:" + tid
	}
	return ""
}

// distanceKm computes the separation of two positions of the same
// kind: haversine for geographic pairs, Euclidean for planar.
func distanceKm(a, b Position) (float64, bool) {
	if a.Kind != b.Kind {
		return 0, false
	}
	if a.Kind == Planar {
		dx, dy := b.X-a.X, b.Y-a.Y
		return math.Hypot(dx, dy) / metersPerKm, true
	}
	return haversineKm(a.Lat, a.Lon, b.Lat, b.Lon), true
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	phi1, phi2 := lat1*rad, lat2*rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
