package connector

import (
	"sync"
	"time"

	"github.com/aegisfabric/aegis/internal/clock"
)

const (
	deviceCacheTTL   = 5 * time.Minute
	lastEventIDLimit = 512
)

// deviceCache holds per-device snapshots with a TTL and the bounded
// map of last event ids per device. Mutated only on the connector's
// reader task; other readers get copies.
type deviceCache struct {
	mu      sync.RWMutex
	clk     clock.Clock
	ttl     time.Duration
	devices map[string]deviceEntry
	lastIDs map[string]string
}

type deviceEntry struct {
	snapshot map[string]any
	storedAt time.Time
}

func newDeviceCache(clk clock.Clock) *deviceCache {
	return &deviceCache{
		clk:     clk,
		ttl:     deviceCacheTTL,
		devices: make(map[string]deviceEntry),
		lastIDs: make(map[string]string),
	}
}

// put stores a device snapshot. The map is copied so later vendor
// mutations cannot leak into readers.
func (c *deviceCache) put(deviceID string, snapshot map[string]any) {
	if deviceID == "" {
		return
	}
	cp := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		cp[k] = v
	}
	c.mu.Lock()
	c.devices[deviceID] = deviceEntry{snapshot: cp, storedAt: c.clk.Now()}
	c.mu.Unlock()
}

// get returns a copy of the device snapshot if it is still fresh.
func (c *deviceCache) get(deviceID string) (map[string]any, bool) {
	c.mu.RLock()
	entry, ok := c.devices[deviceID]
	c.mu.RUnlock()
	if !ok || c.clk.Now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	cp := make(map[string]any, len(entry.snapshot))
	for k, v := range entry.snapshot {
		cp[k] = v
	}
	return cp, true
}

// markEvent records the most recent event id for a device. The map is
// bounded; when full, new devices evict nothing and are simply not
// tracked (the dedup ring still protects them).
func (c *deviceCache) markEvent(deviceID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lastIDs[deviceID]; !ok && len(c.lastIDs) >= lastEventIDLimit {
		return
	}
	c.lastIDs[deviceID] = eventID
}

// lastEvent returns the last seen event id for a device, used as the
// polling cursor.
func (c *deviceCache) lastEvent(deviceID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastIDs[deviceID]
}

// sweep drops expired snapshots; registered on the runtime's clock.
func (c *deviceCache) sweep() {
	now := c.clk.Now()
	c.mu.Lock()
	for id, entry := range c.devices {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.devices, id)
		}
	}
	c.mu.Unlock()
}
