package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aegisfabric/aegis/internal/api"
	"github.com/aegisfabric/aegis/internal/bridge/pubsubbridge"
	"github.com/aegisfabric/aegis/internal/bridge/redisbridge"
	"github.com/aegisfabric/aegis/internal/bridge/slackbridge"
	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/capability"
	"github.com/aegisfabric/aegis/internal/clock"
	"github.com/aegisfabric/aegis/internal/config"
	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/connector/geofeed"
	"github.com/aegisfabric/aegis/internal/connector/protect"
	"github.com/aegisfabric/aegis/internal/correlation"
	"github.com/aegisfabric/aegis/internal/dispatch"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/metrics"
	"github.com/aegisfabric/aegis/internal/rules"
	"github.com/aegisfabric/aegis/internal/store"
)

func main() {
	configPath := flag.String("config", "aegis.yaml", "path to the YAML configuration file")
	flag.Parse()

	log.Println("Starting aegis event fabric...")

	// .env before config so file values can come from the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Init(ctx); err != nil {
		log.Fatalf("store schema: %v", err)
	}

	met := metrics.New()
	clk := clock.System()

	var b *bus.Bus
	b = bus.New(bus.Options{
		SourceQueueSize:     cfg.Bus.EventQueueSize,
		SubscriberQueueSize: cfg.Bus.SubscriberQueueSize,
		BackpressureWait:    cfg.Backpressure(),
		OnSourceDrop: func(source string) {
			met.BusOverflow.WithLabelValues(source).Inc()
			// The overflow meta-event rides its own source so a
			// flooding connector cannot drown its own drop reports.
			if source != "core" {
				b.Publish(event.Meta("core", event.TypeOverflow, map[string]any{
					"source": source,
				}, clk.Now()))
			}
		},
	})
	defer b.Close()

	caps := capability.NewRegistry()
	registry := connector.NewRegistry(b, connector.Options{
		Clock:       clk,
		Metrics:     met,
		Caps:        caps,
		DedupWindow: cfg.Event.DedupWindow,
		Normalizer:  &event.Normalizer{SkewTolerance: cfg.SkewTolerance()},
	})
	registry.RegisterType("protect", protect.NewFactory(clk))
	registry.RegisterType("geofeed", geofeed.NewFactory(clk))
	registry.RegisterType("slack", slackbridge.NewFactory())
	registry.RegisterType("redis", redisbridge.NewFactory())
	registry.RegisterType("pubsub", pubsubbridge.NewFactory())

	dispatcher := dispatch.New(registryTargets{registry}, b, dispatch.Options{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		ActionTimeout: cfg.ActionTimeout(),
		Clock:         clk,
		Metrics:       met,
	})
	defer dispatcher.Close()

	engine := rules.NewEngine(b, dispatcher, rules.Options{
		MaxRules: cfg.Rules.Max,
		Clock:    clk,
		Metrics:  met,
	})
	defer engine.Close()

	core := correlation.New(b, correlation.Options{
		Clock:         clk,
		Metrics:       met,
		MinDt:         time.Duration(cfg.Correlation.MinDtSeconds) * time.Second,
		MaxDt:         time.Duration(cfg.Correlation.MaxDtSeconds) * time.Second,
		MinSpeed:      cfg.Correlation.MinSpeedKmh,
		MaxSpeed:      cfg.Correlation.MaxSpeedKmh,
		MinConfidence: cfg.Correlation.MinConfidence,
		Retention:     time.Duration(cfg.Correlation.RetentionHours) * time.Hour,
	})
	defer core.Close()

	restoreState(ctx, cfg, st, registry, engine, core)
	declareConnectors(ctx, cfg, registry)
	wireBridges(ctx, cfg, registry)
	mirrorEvents(b, st)
	archiveEvents(ctx, b, registry)

	server := api.New(registry, engine, dispatcher, core, b, caps, st)
	if err := server.Serve(ctx, cfg.Server.Port); err != nil {
		log.Fatalf("admin surface: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Printf("connector shutdown: %v", err)
	}
	log.Println("aegis stopped")
}

// registryTargets adapts the connector registry to the dispatch side.
type registryTargets struct{ reg *connector.Registry }

func (r registryTargets) Target(id string) (dispatch.Target, bool) {
	rt, ok := r.reg.Get(id)
	return rt, ok
}

// restoreState replays persisted rules and detection points, and
// recreates persisted connectors not present in the file config.
func restoreState(ctx context.Context, cfg *config.Config, st *store.Store,
	registry *connector.Registry, engine *rules.Engine, core *correlation.Core) {
	persisted, err := st.LoadRules(ctx)
	if err != nil {
		log.Printf("rule restore: %v", err)
	}
	for _, r := range persisted {
		if err := engine.Upsert(r); err != nil {
			log.Printf("rule restore %s: %v", r.ID, err)
		}
	}

	points, err := st.LoadPoints(ctx)
	if err != nil {
		log.Printf("point restore: %v", err)
	}
	for _, p := range points {
		if err := core.RegisterPoint(p); err != nil {
			log.Printf("point restore %s: %v", p.ID, err)
		}
	}

	conns, err := st.LoadConnectors(ctx)
	if err != nil {
		log.Printf("connector restore: %v", err)
	}
	for _, c := range conns {
		declared := false
		for _, fc := range cfg.Connectors {
			if fc.ID == c.ID {
				declared = true
				break
			}
		}
		if declared {
			continue
		}
		cfg.Connectors = append(cfg.Connectors, config.ConnectorConfig{
			ID:          c.ID,
			Type:        c.Type,
			AutoConnect: c.AutoConnect,
			Settings:    c.Settings,
		})
	}
}

// declareConnectors creates the configured instances and connects the
// auto-connect ones. A connector that cannot connect at boot is left
// created; the admin surface can retry it.
func declareConnectors(ctx context.Context, cfg *config.Config, registry *connector.Registry) {
	for _, c := range cfg.Connectors {
		rt, err := registry.Create(c.ID, c.Type, c.Settings)
		if err != nil {
			log.Printf("connector %s: %v", c.ID, err)
			continue
		}
		if c.AutoConnect {
			if err := rt.Connect(ctx); err != nil {
				log.Printf("connector %s connect: %v", c.ID, err)
			}
		}
	}
}

// wireBridges declares and connects the outbound bridges present in
// config. A bridge that cannot connect at boot stays created for a
// later retry through the admin surface.
func wireBridges(ctx context.Context, cfg *config.Config, registry *connector.Registry) {
	if cfg.Bridges.Slack.Token != "" {
		connectBridge(ctx, registry, "bridge-slack", "slack", map[string]string{
			"token":   cfg.Bridges.Slack.Token,
			"channel": cfg.Bridges.Slack.DefaultChannel,
		})
	}
	if cfg.Bridges.Redis.Addr != "" {
		connectBridge(ctx, registry, "bridge-redis", "redis", map[string]string{
			"addr":     cfg.Bridges.Redis.Addr,
			"password": cfg.Bridges.Redis.Password,
			"db":       itoa(cfg.Bridges.Redis.DB),
		})
	}
	if cfg.Bridges.PubSub.ProjectID != "" {
		connectBridge(ctx, registry, "bridge-pubsub", "pubsub", map[string]string{
			"project_id":   cfg.Bridges.PubSub.ProjectID,
			"topic_id":     cfg.Bridges.PubSub.Topic,
			"create_topic": "true",
		})
	}
}

func connectBridge(ctx context.Context, registry *connector.Registry, id, typ string, settings map[string]string) {
	rt, err := registry.Create(id, typ, settings)
	if err != nil {
		log.Printf("%s: %v", id, err)
		return
	}
	if err := rt.Connect(ctx); err != nil {
		log.Printf("%s connect: %v", id, err)
	}
}

// archiveEvents forwards every published event to the pubsub bridge's
// archive capability when that bridge is configured. The forward calls
// the connector directly rather than going through the dispatcher, so
// the dispatcher's own completion meta-events cannot feed back into
// another archive publish.
func archiveEvents(ctx context.Context, b *bus.Bus, registry *connector.Registry) {
	rt, ok := registry.Get("bridge-pubsub")
	if !ok {
		return
	}
	feed := make(chan *event.Event, 256)
	b.Subscribe(bus.Filter{}, bus.DropOldest, func(e *event.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-feed:
				if !rt.Connected() {
					continue
				}
				pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				_, err := rt.Execute(pctx, "archive:publish", "publish", map[string]any{
					"payload":      e,
					"ordering_key": e.SourceConnectorID,
					"attributes":   map[string]any{"type": string(e.Type)},
				})
				cancel()
				if err != nil {
					log.Printf("event archive: %v", err)
				}
			}
		}
	}()
}

// mirrorEvents appends every published event to the store's
// append-only log when persistence is on.
func mirrorEvents(b *bus.Bus, st *store.Store) {
	if st == nil {
		return
	}
	b.Subscribe(bus.Filter{}, bus.DropOldest, func(e *event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st.AppendEvent(ctx, e)
	})
}

func itoa(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
