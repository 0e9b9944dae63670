// Package redisbridge is the outbound broker bridge: a capability-only
// connector exposing broker:publish, fanning alert payloads into Redis
// pub/sub channels for external consumers.
package redisbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisfabric/aegis/internal/breaker"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const dialTimeout = 3 * time.Second

// Config is the frozen per-instance configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// ChannelPrefix namespaces published channels ("aegis." by default).
	ChannelPrefix string
}

func configFrom(settings map[string]string) (Config, error) {
	cfg := Config{
		Addr:          settings["addr"],
		Password:      settings["password"],
		ChannelPrefix: settings["channel_prefix"],
	}
	if cfg.Addr == "" {
		return cfg, fault.New(fault.KindConfig, "redisbridge.config", "addr is required")
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "aegis."
	}
	if raw := settings["db"]; raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return cfg, fault.Newf(fault.KindConfig, "redisbridge.config", "invalid db %q", raw)
		}
		cfg.DB = db
	}
	return cfg, nil
}

// Driver implements the broker bridge.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory returns the connector.Factory for the "redis" type.
func NewFactory() connector.Factory {
	return func(settings map[string]string) (connector.Driver, error) {
		cfg, err := configFrom(settings)
		if err != nil {
			return nil, err
		}
		return &Driver{
			cfg:    cfg,
			logger: slog.Default().With("component", "redisbridge"),
		}, nil
	}
}

func (d *Driver) Type() string { return "redis" }

func (d *Driver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{{
		ID:                 "broker:publish",
		Name:               "Publish to broker channel",
		RequiresConnection: true,
		Operations: []capability.Operation{{
			Name: "publish",
			ParamSchema: []byte(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string", "minLength": 1},
					"payload": {"type": "object"}
				},
				"required": ["channel", "payload"]
			}`),
		}},
	}}
}

// Open dials the broker and proves connectivity with a ping.
func (d *Driver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         d.cfg.Addr,
		Password:     d.cfg.Password,
		DB:           d.cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fault.Wrap(fault.KindUnreachable, "redisbridge.open", err)
	}
	d.logger.Info("broker connected", "addr", d.cfg.Addr, "db", d.cfg.DB)
	return &session{
		driver: d,
		rdb:    rdb,
		brk:    breaker.New(breaker.DefaultConfig("redis")),
	}, nil
}

type session struct {
	driver *Driver
	rdb    *redis.Client
	brk    *breaker.Breaker
}

// Run blocks until ctx is cancelled; the bridge has no inbound side.
func (s *session) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Probe keeps the heartbeat honest with a broker ping.
func (s *session) Probe(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.KindUnreachable, "redisbridge.probe", err)
	}
	return nil
}

func (s *session) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	if capID != "broker:publish" || op != "publish" {
		return nil, fault.Newf(fault.KindUnknownCapability, "redisbridge.call", "capability %q op %q", capID, op)
	}
	channel, _ := params["channel"].(string)
	if channel == "" {
		return nil, fault.New(fault.KindParam, "redisbridge.call", "channel is required")
	}
	body, err := json.Marshal(params["payload"])
	if err != nil {
		return nil, fault.Wrap(fault.KindParam, "redisbridge.call", err)
	}

	full := s.driver.cfg.ChannelPrefix + channel
	var receivers int64
	err = s.brk.Execute(func() error {
		n, err := s.rdb.Publish(ctx, full, body).Result()
		receivers = n
		return err
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "redisbridge.publish", err)
	}
	s.driver.logger.Debug("broker message published", "channel", full, "receivers", receivers)
	return map[string]any{"channel": full, "receivers": receivers}, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.rdb.Close()
}
