// Package geofeed is the vehicle/position feed connector: it polls an
// HTTPS endpoint for line-crossing, ANPR, and location-ping records
// and feeds them into the fabric, where the correlation core picks up
// anything carrying a tracking id or plate.
package geofeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const defaultPollInterval = 10 * time.Second

// Config is the frozen per-instance configuration.
type Config struct {
	URL          string
	Token        string
	PollInterval time.Duration
}

func configFrom(settings map[string]string) (Config, error) {
	cfg := Config{
		URL:          settings["url"],
		Token:        settings["token"],
		PollInterval: defaultPollInterval,
	}
	if raw := settings["poll_interval"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if cfg.URL == "" {
		return cfg, fault.New(fault.KindConfig, "geofeed.config", "url is required")
	}
	return cfg, nil
}

// Driver implements the position feed connector.
type Driver struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger
}

// NewFactory returns the connector.Factory for the "geofeed" type.
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
			logger: slog.Default().With("component", "geofeed"),
		}, nil
	}
}

func (d *Driver) Type() string { return "geofeed" }

// Manifest: the feed is inbound-only; its one capability re-reads the
// feed on demand so rules can force a refresh.
func (d *Driver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{{
		ID:         "feed:refresh",
		Name:       "Force feed refresh",
		Operations: []capability.Operation{{Name: "poll"}},
	}}
}

// Open verifies the feed answers, then hands back a polling session.
func (d *Driver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	s := &session{
		driver: d,
		pipe:   pipe,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
	if _, err := s.fetch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	driver *Driver
	pipe   *connector.Pipeline
	http   *http.Client

	mu     sync.Mutex
	cursor string
}

// Run polls the feed until ctx is cancelled. Persistent unreachability
// surfaces as a transport drop so the runtime degrades and backs off.
func (s *session) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := s.driver.clk.Sleep(ctx, s.driver.cfg.PollInterval); err != nil {
			return nil
		}
		n, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.driver.logger.Warn("feed poll failed", "consecutive", failures, "error", err)
			if failures >= 3 {
				return fault.Wrap(fault.KindTransport, "geofeed.poll", err)
			}
			continue
		}
		failures = 0
		if n > 0 {
			s.driver.logger.Debug("feed polled", "records", n)
		}
	}
}

// fetch pulls one page of records past the cursor and feeds the
// pipeline. Records are vendor-shaped maps; normalization and dedup
// happen downstream.
func (s *session) fetch(ctx context.Context) (int, error) {
	url := s.driver.cfg.URL
	s.mu.Lock()
	if s.cursor != "" {
		url += "?since=" + s.cursor
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fault.Wrap(fault.KindConfig, "geofeed.fetch", err)
	}
	if s.driver.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.driver.cfg.Token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fault.Wrap(fault.KindUnreachable, "geofeed.fetch", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, fault.Newf(fault.KindAuth, "geofeed.fetch", "feed returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return 0, fault.Newf(fault.KindUpstream, "geofeed.fetch", "feed returned %d", resp.StatusCode)
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return 0, fault.Wrap(fault.KindProtocol, "geofeed.fetch", err)
	}
	for _, rec := range records {
		vendorType, _ := rec["type"].(string)
		s.pipe.Ingest(vendorType, rec)
		if id, ok := rec["eventId"].(string); ok && id != "" {
			s.mu.Lock()
			s.cursor = id
			s.mu.Unlock()
		}
	}
	return len(records), nil
}

// Call implements the refresh capability.
func (s *session) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	if capID != "feed:refresh" || op != "poll" {
		return nil, fault.Newf(fault.KindUnknownCapability, "geofeed.call", "capability %q op %q", capID, op)
	}
	n, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"records": n}, nil
}

func (s *session) Close(ctx context.Context) error { return nil }
