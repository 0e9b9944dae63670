package protect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const (
	writeWait   = 10 * time.Second
	settleDelay = 1 * time.Second
	maxMsgSize  = 4 * 1024 * 1024
)

// subscribeTopics are the live-update channels requested after the
// socket settles.
var subscribeTopics = []string{"motion", "smartDetectZone", "camera", "system"}

// dialSocket upgrades the plaintext socket and subscribes to the live
// update topics. The API key rides as an extra handshake header; the
// standard upgrade fields (Upgrade, Sec-WebSocket-Version/Key) are
// supplied by the dialer.
func dialSocket(ctx context.Context, cfg Config, clk clock.Clock, apiKey string) (*websocket.Conn, error) {
	wsURL, err := socketURL(cfg)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "protect.socket", err)
	}

	header := http.Header{}
	if apiKey != "" {
		header.Set(apiKeyHeader, apiKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fault.Wrap(fault.KindAuth, "protect.socket", err)
		}
		return nil, fault.Wrap(fault.KindUnreachable, "protect.socket", err)
	}
	conn.SetReadLimit(maxMsgSize)

	// The NVR drops subscribe messages sent before it finishes its own
	// bookkeeping; give it a settle window.
	if err := clk.Sleep(ctx, settleDelay); err != nil {
		conn.Close()
		return nil, err
	}
	for _, topic := range subscribeTopics {
		sub, _ := json.Marshal(map[string]string{"action": "subscribe", "newUpdateId": topic})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			conn.Close()
			return nil, fault.Wrap(fault.KindTransport, "protect.subscribe", err)
		}
	}
	return conn, nil
}

// socketURL derives the ws endpoint from the REST base URL; the vendor
// serves the upgrade on the plaintext port.
func socketURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + cfg.SocketPath
	return u.String(), nil
}

// readSocket pumps frames into the pipeline until the transport drops
// or ctx is cancelled. It is the only reader of the connection.
func readSocket(ctx context.Context, conn *websocket.Conn, pipe *connector.Pipeline, pong chan<- struct{}) error {
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		conn.Close() // unblocks ReadMessage
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fault.Wrap(fault.KindTransport, "protect.socket", err)
		}
		pipe.IngestFrame(payload)
	}
}
