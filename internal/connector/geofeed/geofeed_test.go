package geofeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
)

func newFeedRuntime(t *testing.T, url string) (*connector.Runtime, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Options{})
	t.Cleanup(b.Close)

	reg := connector.NewRegistry(b, connector.Options{})
	reg.RegisterType("geofeed", NewFactory(clock.System()))
	rt, err := reg.Create("feed-1", "geofeed", map[string]string{
		"url":           url,
		"poll_interval": "10ms",
	})
	require.NoError(t, err)
	return rt, b
}

func TestFeedEventsReachBus(t *testing.T) {
	var mu sync.Mutex
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		page++
		n := page
		mu.Unlock()
		if n == 1 {
			// Open's verification fetch.
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		assert.Equal(t, "", r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode([]map[string]any{{
			"eventId":     "lc-1",
			"type":        "lineCrossing",
			"tracking_id": "TRK-9",
			"confidence":  0.92,
			"deviceId":    "anpr-east",
		}})
	}))
	defer srv.Close()

	rt, b := newFeedRuntime(t, srv.URL)

	var got []*event.Event
	var gmu sync.Mutex
	b.Subscribe(bus.Filter{Capabilities: []string{event.CapLineCrossing}}, bus.DropOldest, func(e *event.Event) {
		gmu.Lock()
		got = append(got, e)
		gmu.Unlock()
	})

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gmu.Lock()
		n := len(got)
		gmu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	gmu.Lock()
	defer gmu.Unlock()
	require.NotEmpty(t, got, "line-crossing event should reach the bus")
	e := got[0]
	assert.Equal(t, event.TypeSmartLine, e.Type)
	assert.Equal(t, "anpr-east", e.DeviceID)
	assert.Equal(t, "TRK-9", event.TrackingID(e.Payload))
}

func TestOpenFailsWhenFeedUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt, _ := newFeedRuntime(t, srv.URL)
	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
	assert.Equal(t, "failed(auth)", rt.StateDescription())
}

func TestConfigRequiresURL(t *testing.T) {
	_, err := configFrom(map[string]string{})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
