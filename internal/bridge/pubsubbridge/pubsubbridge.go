// Package pubsubbridge is the outbound archive bridge: a
// capability-only connector exposing archive:publish, pushing event
// payloads into a Cloud Pub/Sub topic for durable downstream delivery.
package pubsubbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/aegisfabric/aegis/internal/breaker"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const openTimeout = 15 * time.Second

// Config is the frozen per-instance configuration.
type Config struct {
	ProjectID string
	TopicID   string

	// CreateTopic provisions the topic on first connect when absent.
	CreateTopic bool
}

func configFrom(settings map[string]string) (Config, error) {
	cfg := Config{
		ProjectID:   settings["project_id"],
		TopicID:     settings["topic_id"],
		CreateTopic: settings["create_topic"] == "true",
	}
	if cfg.ProjectID == "" {
		return cfg, fault.New(fault.KindConfig, "pubsubbridge.config", "project_id is required")
	}
	if cfg.TopicID == "" {
		return cfg, fault.New(fault.KindConfig, "pubsubbridge.config", "topic_id is required")
	}
	return cfg, nil
}

// Driver implements the archive bridge.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory returns the connector.Factory for the "pubsub" type.
func NewFactory() connector.Factory {
	return func(settings map[string]string) (connector.Driver, error) {
		cfg, err := configFrom(settings)
		if err != nil {
			return nil, err
		}
		return &Driver{
			cfg:    cfg,
			logger: slog.Default().With("component", "pubsubbridge"),
		}, nil
	}
}

func (d *Driver) Type() string { return "pubsub" }

func (d *Driver) Manifest() []capability.Descriptor {
	return []capability.Descriptor{{
		ID:                 "archive:publish",
		Name:               "Archive to durable topic",
		RequiresConnection: true,
		Operations: []capability.Operation{{
			Name: "publish",
			ParamSchema: []byte(`{
				"type": "object",
				"properties": {
					"payload": {"type": "object"},
					"attributes": {"type": "object"},
					"ordering_key": {"type": "string"}
				},
				"required": ["payload"]
			}`),
		}},
	}}
}

// Open connects to Pub/Sub and resolves (or provisions) the topic.
func (d *Driver) Open(ctx context.Context, pipe *connector.Pipeline) (connector.Session, error) {
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	client, err := pubsub.NewClient(openCtx, d.cfg.ProjectID)
	if err != nil {
		return nil, classify("pubsubbridge.open", err)
	}

	topic := client.Topic(d.cfg.TopicID)
	exists, err := topic.Exists(openCtx)
	if err != nil {
		client.Close()
		return nil, classify("pubsubbridge.open", err)
	}
	if !exists {
		if !d.cfg.CreateTopic {
			client.Close()
			return nil, fault.Newf(fault.KindConfig, "pubsubbridge.open", "topic %q does not exist", d.cfg.TopicID)
		}
		topic, err = client.CreateTopic(openCtx, d.cfg.TopicID)
		if err != nil {
			client.Close()
			return nil, classify("pubsubbridge.open", err)
		}
		d.logger.Info("archive topic created", "topic", d.cfg.TopicID)
	}
	topic.EnableMessageOrdering = true

	d.logger.Info("archive connected", "project", d.cfg.ProjectID, "topic", d.cfg.TopicID)
	return &session{
		driver: d,
		client: client,
		topic:  topic,
		brk:    breaker.New(breaker.DefaultConfig("pubsub")),
	}, nil
}

type session struct {
	driver *Driver
	client *pubsub.Client
	topic  *pubsub.Topic
	brk    *breaker.Breaker
}

// Run blocks until ctx is cancelled; the bridge has no inbound side.
func (s *session) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *session) Call(ctx context.Context, capID, op string, params map[string]any) (any, error) {
	if capID != "archive:publish" || op != "publish" {
		return nil, fault.Newf(fault.KindUnknownCapability, "pubsubbridge.call", "capability %q op %q", capID, op)
	}
	body, err := json.Marshal(params["payload"])
	if err != nil {
		return nil, fault.Wrap(fault.KindParam, "pubsubbridge.call", err)
	}

	msg := &pubsub.Message{Data: body}
	if attrs, ok := params["attributes"].(map[string]any); ok {
		msg.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if sv, ok := v.(string); ok {
				msg.Attributes[k] = sv
			}
		}
	}
	if key, ok := params["ordering_key"].(string); ok {
		msg.OrderingKey = key
	}

	var serverID string
	err = s.brk.Execute(func() error {
		res := s.topic.Publish(ctx, msg)
		id, err := res.Get(ctx)
		serverID = id
		return err
	})
	if err != nil {
		// A failed ordered publish pauses the key until resumed.
		if msg.OrderingKey != "" {
			s.topic.ResumePublish(msg.OrderingKey)
		}
		return nil, classify("pubsubbridge.publish", err)
	}
	s.driver.logger.Debug("event archived", "message_id", serverID)
	return map[string]any{"message_id": serverID}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.topic.Stop()
	return s.client.Close()
}

// classify maps Pub/Sub client errors onto the fault taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == breaker.ErrOpen || err == breaker.ErrTooManyRequests {
		return fault.Wrap(fault.KindUpstream, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "PermissionDenied"),
		strings.Contains(msg, "Unauthenticated"),
		strings.Contains(msg, "credentials"):
		return fault.Wrap(fault.KindAuth, op, err)
	case strings.Contains(msg, "DeadlineExceeded"):
		return fault.Wrap(fault.KindTimeout, op, err)
	case strings.Contains(msg, "Unavailable"):
		return fault.Wrap(fault.KindUnreachable, op, err)
	default:
		return fault.Wrap(fault.KindUpstream, op, err)
	}
}
