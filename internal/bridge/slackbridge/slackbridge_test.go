package slackbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/fault"
)

func slackServer(t *testing.T, postHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"user":"aegis-bot","team":"ops"}`))
	})
	mux.HandleFunc("/chat.postMessage", postHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, srv *httptest.Server, channel string) *session {
	t.Helper()
	factory := NewFactory()
	drv, err := factory(map[string]string{
		"token":   "xoxb-test",
		"channel": channel,
		"api_url": srv.URL + "/",
	})
	require.NoError(t, err)
	sess, err := drv.Open(context.Background(), nil)
	require.NoError(t, err)
	return sess.(*session)
}

func TestNotifySendPostsToChannel(t *testing.T) {
	var gotChannel string
	srv := slackServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.FormValue("channel")
		assert.Equal(t, "plate RKZ-481 at 184 km/h", r.FormValue("text"))
		w.Write([]byte(`{"ok":true,"channel":"C042","ts":"1724572800.000100"}`))
	})

	s := openSession(t, srv, "#alerts")
	out, err := s.Call(context.Background(), "notify:send", "post", map[string]any{
		"text": "plate RKZ-481 at 184 km/h",
	})
	require.NoError(t, err)
	assert.Equal(t, "#alerts", gotChannel, "default channel applies when the call names none")
	assert.Equal(t, "C042", out.(map[string]any)["channel"])
}

func TestNotifySendRequiresChannel(t *testing.T) {
	srv := slackServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no post expected")
	})
	s := openSession(t, srv, "")
	_, err := s.Call(context.Background(), "notify:send", "post", map[string]any{"text": "hi"})
	assert.Equal(t, fault.KindParam, fault.KindOf(err))
}

func TestUnknownOperationRejected(t *testing.T) {
	srv := slackServer(t, func(w http.ResponseWriter, r *http.Request) {})
	s := openSession(t, srv, "#alerts")
	_, err := s.Call(context.Background(), "notify:send", "shout", nil)
	assert.Equal(t, fault.KindUnknownCapability, fault.KindOf(err))
}

func TestOpenRejectsBadToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	factory := NewFactory()
	drv, err := factory(map[string]string{"token": "xoxb-bad", "api_url": srv.URL + "/"})
	require.NoError(t, err)

	_, err = drv.Open(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
}

func TestConfigRequiresToken(t *testing.T) {
	_, err := configFrom(map[string]string{"channel": "#alerts"})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
