package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/correlation"
	"github.com/aegisfabric/aegis/internal/dispatch"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/rules"
)

type fakeDriver struct{}

func (fakeDriver) Type() string { return "fake" }

func (fakeDriver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{{
		ID:         "test:ping",
		Name:       "Ping",
		Operations: []capability.Operation{{Name: "ping"}},
	}}
}

func (fakeDriver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	return &fakeSession{}, nil
}

type fakeSession struct{}

func (s *fakeSession) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeSession) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	return map[string]any{"pong": true}, nil
}

func (s *fakeSession) Close(ctx context.Context) error { return nil }

type fixture struct {
	srv *httptest.Server
	b   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(bus.Options{})
	t.Cleanup(b.Close)

	caps := capability.NewRegistry()
	reg := connector.NewRegistry(b, connector.Options{Caps: caps})
	reg.RegisterType("fake", func(settings map[string]string) (connector.Driver, error) {
		return fakeDriver{}, nil
	})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	d := dispatch.New(registryTargets{reg}, b, dispatch.Options{Workers: 2, QueueSize: 16})
	t.Cleanup(d.Close)
	engine := rules.NewEngine(b, d, rules.Options{})
	t.Cleanup(engine.Close)
	core := correlation.New(b, correlation.Options{})
	t.Cleanup(core.Close)

	s := New(reg, engine, d, core, b, caps, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, b: b}
}

type registryTargets struct{ reg *connector.Registry }

func (r registryTargets) Target(id string) (dispatch.Target, bool) {
	rt, ok := r.reg.Get(id)
	return rt, ok
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)
}

func TestConnectorLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/api/connectors", map[string]any{
		"id":   "fake-1",
		"type": "fake",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, "GET", "/api/connectors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []connectorView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "idle", list[0].State)
	assert.Equal(t, []string{"test:ping"}, list[0].Capabilities)

	resp, _ = f.do(t, "POST", "/api/connectors/fake-1/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "POST", "/api/connectors/fake-1/execute", map[string]any{
		"capability_id": "test:ping",
		"operation":     "ping",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"pong":true`)

	resp, body = f.do(t, "POST", "/api/connectors/fake-1/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view connectorView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "idle", view.State)
}

func TestErrorsCarryFaultKind(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/api/connectors/nope/connect", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"ParamError"`)

	resp, body = f.do(t, "POST", "/api/connectors", map[string]any{
		"id":   "x",
		"type": "unregistered",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"ConfigError"`)
}

func TestRuleRoundTrip(t *testing.T) {
	f := newFixture(t)

	rule := rules.Rule{
		ID:      "r-1",
		Filter:  bus.Filter{Types: []event.Type{event.TypeMotion}},
		Enabled: true,
		Action: rules.ActionTemplate{
			ConnectorID:  "fake-1",
			CapabilityID: "test:ping",
			Operation:    "ping",
		},
	}
	resp, body := f.do(t, "PUT", "/api/rules", rule)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, "GET", "/api/rules/r-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got rules.Rule
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Enabled)

	resp, _ = f.do(t, "DELETE", "/api/rules/r-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/api/rules/r-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing action fields are a config error.
	resp, body = f.do(t, "PUT", "/api/rules", rules.Rule{ID: "bad"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"ConfigError"`)
}

func TestCorrelationEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/api/correlation/points", correlation.DetectionPoint{
		ID:       "gate-a",
		Position: correlation.Position{Kind: correlation.Geographic, Lat: 52.52, Lon: 13.405},
		Active:   true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, "GET", "/api/correlation/points", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gate-a")

	resp, body = f.do(t, "GET", "/api/correlation/tracks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", string(body))
}

func TestEventStreamDeliversSSE(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", f.srv.URL+"/api/events/stream?types=motion", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	now := time.Now().UTC()
	f.b.Publish(&event.Event{
		ID:                "ev-1",
		SourceConnectorID: "cam-feed",
		Type:              event.TypeMotion,
		DeviceID:          "cam-7",
		OccurredAt:        now,
		ReceivedAt:        now,
		Payload:           map[string]any{"score": 90.0},
	})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, fmt.Sprintf("event: %s", event.TypeMotion), eventLine)
	assert.Contains(t, dataLine, `"ev-1"`)
	assert.Contains(t, dataLine, `"cam-7"`)
}
