package event

import "sync"

// DefaultDedupWindow is the per-device id history size.
const DefaultDedupWindow = 1024

// Deduper tracks the last N event ids per device and rejects repeats.
// The window is a ring: the 1025th distinct id evicts the oldest, so a
// very old id may be accepted again. Vendor ids are not assumed
// monotonic.
type Deduper struct {
	mu      sync.Mutex
	window  int
	devices map[string]*idRing
	drops   uint64
}

type idRing struct {
	ids  []string
	seen map[string]struct{}
	next int
}

// NewDeduper builds a deduper with the given per-device window;
// window <= 0 uses the default.
func NewDeduper(window int) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{
		window:  window,
		devices: make(map[string]*idRing),
	}
}

// Seen records (deviceID, eventID) and reports whether it was already
// present in the device's window. Events without a device id share the
// "" bucket.
func (d *Deduper) Seen(deviceID, eventID string) bool {
	if eventID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.devices[deviceID]
	if !ok {
		r = &idRing{
			ids:  make([]string, d.window),
			seen: make(map[string]struct{}, d.window),
		}
		d.devices[deviceID] = r
	}
	if _, dup := r.seen[eventID]; dup {
		d.drops++
		return true
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ids[r.next] = eventID
	r.seen[eventID] = struct{}{}
	r.next = (r.next + 1) % d.window
	return false
}

// Drops returns the number of duplicates rejected so far.
func (d *Deduper) Drops() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

// Forget clears the history for a device, e.g. after it is removed.
func (d *Deduper) Forget(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, deviceID)
}
