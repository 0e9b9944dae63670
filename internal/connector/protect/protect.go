package protect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const defaultPollInterval = 10 * time.Second

// Config is the frozen per-instance configuration.
type Config struct {
	BaseURL  string
	Username string
	Password string
	APIKey   string

	LoginPath     string
	BootstrapPath string
	EventsPath    string
	SocketPath    string
	SnapshotPath  string
	PTZPath       string
	RebootPath    string

	PollInterval time.Duration
}

func configFrom(settings map[string]string) (Config, error) {
	cfg := Config{
		BaseURL:       settings["base_url"],
		Username:      settings["username"],
		Password:      settings["password"],
		APIKey:        settings["api_key"],
		LoginPath:     orDefault(settings["login_path"], "/api/auth/login"),
		BootstrapPath: orDefault(settings["bootstrap_path"], "/proxy/protect/api/bootstrap"),
		EventsPath:    orDefault(settings["events_path"], "/proxy/protect/api/events"),
		SocketPath:    orDefault(settings["socket_path"], "/proxy/protect/ws/updates"),
		SnapshotPath:  orDefault(settings["snapshot_path"], "/proxy/protect/api/cameras/%s/snapshot"),
		PTZPath:       orDefault(settings["ptz_path"], "/proxy/protect/api/cameras/%s/ptz"),
		RebootPath:    orDefault(settings["reboot_path"], "/proxy/protect/api/nvr/reboot"),
		PollInterval:  defaultPollInterval,
	}
	if raw := settings["poll_interval"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if cfg.BaseURL == "" {
		return cfg, fault.New(fault.KindConfig, "protect.config", "base_url is required")
	}
	if cfg.APIKey == "" && (cfg.Username == "" || cfg.Password == "") {
		return cfg, fault.New(fault.KindConfig, "protect.config", "api_key or username/password required")
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Driver implements the camera-NVR connector.
type Driver struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger
}

// NewFactory returns the connector.Factory for the "protect" type.
func NewFactory(clk clock.Clock) connector.Factory {
	return func(settings map[string]string) (connector.Driver, error) {
		cfg, err := configFrom(settings)
		if err != nil {
			return nil, err
		}
		if clk == nil {
			clk = clock.System()
		}
		return &Driver{
			cfg:    cfg,
			clk:    clk,
			logger: slog.Default().With("component", "protect"),
		}, nil
	}
}

func (d *Driver) Type() string { return "protect" }

// Manifest declares the NVR capabilities with their parameter schemas.
func (d *Driver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{
		{
			ID:                 "camera:snapshot",
			Name:               "Camera snapshot",
			RequiresConnection: true,
			Operations: []capability.Operation{{
				Name: "get",
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"camera_id": {"type": "string", "minLength": 1}},
					"required": ["camera_id"]
				}`),
			}},
		},
		{
			ID:                 "camera:ptz",
			Name:               "Camera pan/tilt/zoom",
			RequiresConnection: true,
			Operations: []capability.Operation{{
				Name: "move",
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"camera_id": {"type": "string", "minLength": 1},
						"pan":  {"type": "number", "minimum": -1, "maximum": 1},
						"tilt": {"type": "number", "minimum": -1, "maximum": 1},
						"zoom": {"type": "number", "minimum": 0, "maximum": 1}
					},
					"required": ["camera_id"]
				}`),
			}},
		},
		{
			ID:                 "nvr:reboot",
			Name:               "NVR reboot",
			RequiresConnection: true,
			Operations: []capability.Operation{{
				Name: "post",
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"confirm": {"type": "boolean", "const": true}},
					"required": ["confirm"]
				}`),
			}},
		},
	}
}

// Open authenticates, bootstraps, and establishes the live transport:
// the duplex socket when it can be upgraded, the polling loop as the
// secondary transport when it cannot. Auth failures abort; a socket
// failure alone does not.
func (d *Driver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	client := newClient(d.cfg)
	if err := client.Authenticate(ctx); err != nil {
		return nil, err
	}
	bs, err := client.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Info("bootstrap complete", "cameras", len(bs.Cameras), "last_update", bs.LastUpdateID)
	for _, cam := range bs.Cameras {
		// Seed the pipeline's device cache through the normal path.
		pipe.Ingest("camera", cam)
	}

	s := &session{
		driver: d,
		client: client,
		pipe:   pipe,
		cursor: bs.LastUpdateID,
		pong:   make(chan struct{}, 1),
	}

	key := bs.AccessKey
	if key == "" {
		key = client.apiKeyValue()
	}
	conn, serr := dialSocket(ctx, d.cfg, d.clk, key)
	if serr != nil {
		if fault.IsKind(serr, fault.KindAuth) {
			return nil, serr
		}
		d.logger.Warn("duplex socket unavailable, falling back to polling", "error", serr)
	} else {
		s.conn = conn
	}
	return s, nil
}

// session is one live NVR connection: socket reader or poller, plus
// REST capability calls.
type session struct {
	driver *Driver
	client *Client
	pipe   *connector.Pipeline
	conn   *websocket.Conn
	pong   chan struct{}

	mu     sync.Mutex
	cursor string
}

// Run pumps inbound events until the transport drops or ctx is done.
func (s *session) Run(ctx context.Context) error {
	if s.conn != nil {
		return readSocket(ctx, s.conn, s.pipe, s.pong)
	}
	return s.poll(ctx)
}

// poll is the fallback transport: fetch events past the cursor every
// interval. Duplicates are filtered downstream by the pipeline dedup.
func (s *session) poll(ctx context.Context) error {
	for {
		if err := s.driver.clk.Sleep(ctx, s.driver.cfg.PollInterval); err != nil {
			return nil
		}
		events, err := s.client.Events(ctx, s.cursorValue())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fault.IsKind(err, fault.KindUnreachable) || fault.IsKind(err, fault.KindAuth) {
				return err
			}
			s.driver.logger.Warn("event poll failed", "error", err)
			continue
		}
		for _, raw := range events {
			vendorType, _ := raw["type"].(string)
			s.pipe.Ingest(vendorType, raw)
			if id, ok := raw["eventId"].(string); ok && id != "" {
				s.setCursor(id)
			}
		}
	}
}

func (s *session) cursorValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *session) setCursor(id string) {
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
}

// Probe checks liveness. On the socket it is a control ping awaiting a
// pong; on the polling transport it is a bootstrap fetch.
func (s *session) Probe(ctx context.Context) error {
	if s.conn == nil {
		_, err := s.client.Bootstrap(ctx)
		return err
	}
	// Drain a stale pong so the wait below observes a fresh one.
	select {
	case <-s.pong:
	default:
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fault.Wrap(fault.KindTransport, "protect.probe", err)
	}
	select {
	case <-s.pong:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.KindTimeout, "protect.probe", ctx.Err())
	}
}

// Call executes a capability against the NVR REST surface.
func (s *session) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	switch capID {
	case "camera:snapshot":
		return s.snapshot(ctx, params)
	case "camera:ptz":
		return s.ptz(ctx, params)
	case "nvr:reboot":
		return s.reboot(ctx)
	default:
		return nil, fault.Newf(fault.KindUnknownCapability, "protect.call", "capability %q", capID)
	}
}

func (s *session) snapshot(ctx context.Context, params map[string]any) (any, error) {
	cameraID, _ := params["camera_id"].(string)
	resp, err := s.client.do(ctx, "GET", pathWithID(s.driver.cfg.SnapshotPath, cameraID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp.Body)
}

func (s *session) ptz(ctx context.Context, params map[string]any) (any, error) {
	cameraID, _ := params["camera_id"].(string)
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.do(ctx, "POST", pathWithID(s.driver.cfg.PTZPath, cameraID), body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return map[string]any{"moved": true}, nil
}

func (s *session) reboot(ctx context.Context) (any, error) {
	resp, err := s.client.do(ctx, "POST", s.driver.cfg.RebootPath, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return map[string]any{"rebooting": true}, nil
}

// pathWithID fills the camera id into a %s path template.
func pathWithID(template, id string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, id)
	}
	return template
}

func readBody(r io.Reader) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 8<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "protect.call", err)
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		return parsed, nil
	}
	return raw, nil
}

// Close tears the transport down; REST needs no teardown.
func (s *session) Close(ctx context.Context) error {
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}
