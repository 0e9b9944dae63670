// Package slackbridge is the outbound chat bridge: a capability-only
// connector exposing notify:send, used by rules to push alerts into a
// channel. It produces no inbound events.
package slackbridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/aegisfabric/aegis/internal/breaker"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

// Config is the frozen per-instance configuration.
type Config struct {
	Token          string
	DefaultChannel string

	// APIURL overrides the Slack endpoint, for tests.
	APIURL string
}

func configFrom(settings map[string]string) (Config, error) {
	cfg := Config{
		Token:          settings["token"],
		DefaultChannel: settings["channel"],
		APIURL:         settings["api_url"],
	}
	if cfg.Token == "" {
		return cfg, fault.New(fault.KindConfig, "slackbridge.config", "token is required")
	}
	return cfg, nil
}

// Driver implements the chat bridge.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory returns the connector.Factory for the "slack" type.
func NewFactory() connector.Factory {
	return func(settings map[string]string) (connector.Driver, error) {
		cfg, err := configFrom(settings)
		if err != nil {
			return nil, err
		}
		return &Driver{
			cfg:    cfg,
			logger: slog.Default().With("component", "slackbridge"),
		}, nil
	}
}

func (d *Driver) Type() string { return "slack" }

func (d *Driver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{{
		ID:                 "notify:send",
		Name:               "Send chat notification",
		RequiresConnection: true,
		Operations: []capability.Operation{{
			Name: "post",
			ParamSchema: []byte(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string"},
					"text": {"type": "string", "minLength": 1}
				},
				"required": ["text"]
			}`),
		}},
	}}
}

// Open verifies the token with an auth test before declaring the
// bridge connected.
func (d *Driver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	opts := []slack.Option{}
	if d.cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(d.cfg.APIURL))
	}
	api := slack.New(d.cfg.Token, opts...)

	if _, err := api.AuthTestContext(ctx); err != nil {
		return nil, classify("slackbridge.open", err)
	}
	return &session{
		driver: d,
		api:    api,
		brk:    breaker.New(breaker.DefaultConfig("slack")),
	}, nil
}

type session struct {
	driver *Driver
	api    *slack.Client
	brk    *breaker.Breaker
}

// Run blocks until ctx is cancelled; the bridge has no inbound side.
func (s *session) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *session) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	if capID != "notify:send" || op != "post" {
		return nil, fault.Newf(fault.KindUnknownCapability, "slackbridge.call", "capability %q op %q", capID, op)
	}
	text, _ := params["text"].(string)
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = s.driver.cfg.DefaultChannel
	}
	if channel == "" {
		return nil, fault.New(fault.KindParam, "slackbridge.call", "no channel given and no default configured")
	}

	var ch, ts string
	err := s.brk.Execute(func() error {
		var err error
		ch, ts, err = s.api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		return nil, classify("slackbridge.post", err)
	}
	s.driver.logger.Debug("notification posted", "channel", ch, "ts", ts)
	return map[string]any{"channel": ch, "ts": ts}, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

// classify maps Slack API errors onto the fault taxonomy. The API
// reports failures as error strings like "invalid_auth"; rate limits
// carry a retry-after that the runtime honors as a cooldown.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == breaker.ErrOpen || err == breaker.ErrTooManyRequests {
		return fault.Wrap(fault.KindUpstream, op, err)
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return &connector.CooldownError{
			After: rle.RetryAfter,
			Err:   fault.Wrap(fault.KindUpstream, op, err),
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"),
		strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "token_revoked"),
		strings.Contains(msg, "account_inactive"):
		return fault.Wrap(fault.KindAuth, op, err)
	case strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "is_archived"):
		return fault.Wrap(fault.KindParam, op, err)
	default:
		return fault.Wrap(fault.KindUpstream, op, err)
	}
}
