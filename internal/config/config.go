// Package config loads the fabric's YAML configuration and applies the
// environment toggles that override it.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Event       EventConfig       `yaml:"event"`
	Rules       RulesConfig       `yaml:"rules"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Store       StoreConfig       `yaml:"store"`
	Connectors  []ConnectorConfig `yaml:"connectors"`
	Bridges     BridgesConfig     `yaml:"bridges"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type BusConfig struct {
	EventQueueSize      int `yaml:"event_queue_size"`
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
	BackpressureMs      int `yaml:"backpressure_ms"`
}

type EventConfig struct {
	SkewToleranceSeconds int `yaml:"skew_tolerance_seconds"`
	DedupWindow          int `yaml:"dedup_window"`
}

type RulesConfig struct {
	Max int `yaml:"max"`
}

type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	TimeoutMs int `yaml:"timeout_ms"`
}

type CorrelationConfig struct {
	MinDtSeconds   int     `yaml:"min_dt_seconds"`
	MaxDtSeconds   int     `yaml:"max_dt_seconds"`
	MinSpeedKmh    float64 `yaml:"min_speed_kmh"`
	MaxSpeedKmh    float64 `yaml:"max_speed_kmh"`
	MinConfidence  float64 `yaml:"min_confidence"`
	RetentionHours int     `yaml:"retention_hours"`
}

type StoreConfig struct {
	// DSN is the Postgres connection string; empty disables the
	// persistence collaborator entirely.
	DSN string `yaml:"dsn"`
}

// ConnectorConfig declares one connector instance. Settings is the
// frozen vendor-specific config handed to the implementation.
type ConnectorConfig struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	AutoConnect bool              `yaml:"auto_connect"`
	Settings    map[string]string `yaml:"settings"`
}

type BridgesConfig struct {
	Slack  SlackConfig  `yaml:"slack"`
	Redis  RedisConfig  `yaml:"redis"`
	PubSub PubSubConfig `yaml:"pubsub"`
}

type SlackConfig struct {
	Token          string `yaml:"token"`
	DefaultChannel string `yaml:"default_channel"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// Defaults mirror the fabric contract.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Bus: BusConfig{
			EventQueueSize:      1024,
			SubscriberQueueSize: 256,
			BackpressureMs:      100,
		},
		Event: EventConfig{
			SkewToleranceSeconds: 300,
			DedupWindow:          1024,
		},
		Rules:    RulesConfig{Max: 100},
		Dispatch: DispatchConfig{Workers: 16, QueueSize: 256, TimeoutMs: 10000},
		Correlation: CorrelationConfig{
			MinDtSeconds:   1,
			MaxDtSeconds:   300,
			MinSpeedKmh:    5,
			MaxSpeedKmh:    200,
			MinConfidence:  0.7,
			RetentionHours: 24,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults and then
// applies environment overrides. A missing file is not an error; the
// defaults plus environment stand alone.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies the core-affecting environment toggles.
func (c *Config) applyEnv() {
	envInt("AEGIS_EVENT_QUEUE_SIZE", &c.Bus.EventQueueSize)
	envInt("AEGIS_RULE_MAX", &c.Rules.Max)
	envInt("AEGIS_ACTION_WORKERS", &c.Dispatch.Workers)
	envInt("AEGIS_ACTION_TIMEOUT_MS", &c.Dispatch.TimeoutMs)
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		*dst = v
	}
}

// SkewTolerance returns the event timestamp skew tolerance.
func (c *Config) SkewTolerance() time.Duration {
	return time.Duration(c.Event.SkewToleranceSeconds) * time.Second
}

// ActionTimeout returns the default per-action deadline.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutMs) * time.Millisecond
}

// Backpressure returns the bus publish backpressure window.
func (c *Config) Backpressure() time.Duration {
	return time.Duration(c.Bus.BackpressureMs) * time.Millisecond
}
