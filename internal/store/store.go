// Package store is the optional Postgres persistence collaborator. The
// fabric runs fully in memory; when a DSN is configured the store
// mirrors connectors, rules, and detection points for restart
// recovery, and appends events for observability. A nil *Store is a
// valid no-op, so callers never branch on whether persistence is on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/aegisfabric/aegis/internal/correlation"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
	"github.com/aegisfabric/aegis/internal/rules"
)

// Store wraps the Postgres connection. Nil receiver methods no-op.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects and verifies the database. An empty DSN returns a nil
// store, which every method treats as "persistence disabled".
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "store.open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindUnreachable, "store.open", err)
	}
	return &Store{db: db, logger: slog.Default().With("component", "store")}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS connectors (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		settings     JSONB NOT NULL DEFAULT '{}',
		auto_connect BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id         TEXT PRIMARY KEY,
		spec       JSONB NOT NULL,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS detection_points (
		id         TEXT PRIMARY KEY,
		spec       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq         BIGSERIAL PRIMARY KEY,
		event_id    TEXT NOT NULL,
		source      TEXT NOT NULL,
		type        TEXT NOT NULL,
		device_id   TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		payload     JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS events_type_idx ON events (type, occurred_at)`,
}

// Init creates the schema when absent.
func (s *Store) Init(ctx context.Context) error {
	if s == nil {
		return nil
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fault.Wrap(fault.KindUpstream, "store.init", err)
		}
	}
	return nil
}

// SaveConnector upserts one connector declaration.
func (s *Store) SaveConnector(ctx context.Context, id, typ string, settings map[string]string, autoConnect bool) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fault.Wrap(fault.KindParam, "store.connector", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors (id, type, settings, auto_connect, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET type = EXCLUDED.type, settings = EXCLUDED.settings,
		    auto_connect = EXCLUDED.auto_connect, updated_at = now()`,
		id, typ, raw, autoConnect)
	return fault.Wrap(fault.KindUpstream, "store.connector", err)
}

// StoredConnector is one persisted connector declaration.
type StoredConnector struct {
	ID          string
	Type        string
	Settings    map[string]string
	AutoConnect bool
}

// LoadConnectors returns the persisted connector declarations.
func (s *Store) LoadConnectors(ctx context.Context) ([]StoredConnector, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, settings, auto_connect FROM connectors ORDER BY id`)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "store.connectors", err)
	}
	defer rows.Close()

	var out []StoredConnector
	for rows.Next() {
		var c StoredConnector
		var raw []byte
		if err := rows.Scan(&c.ID, &c.Type, &raw, &c.AutoConnect); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.connectors", err)
		}
		if err := json.Unmarshal(raw, &c.Settings); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.connectors", err)
		}
		out = append(out, c)
	}
	return out, fault.Wrap(fault.KindUpstream, "store.connectors", rows.Err())
}

// DeleteConnector removes one declaration; unknown ids are a no-op.
func (s *Store) DeleteConnector(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = $1`, id)
	return fault.Wrap(fault.KindUpstream, "store.connector", err)
}

// SaveRule upserts a rule as its JSON spec.
func (s *Store) SaveRule(ctx context.Context, r rules.Rule) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fault.Wrap(fault.KindParam, "store.rule", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, spec, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET spec = EXCLUDED.spec, enabled = EXCLUDED.enabled, updated_at = now()`,
		r.ID, raw, r.Enabled)
	return fault.Wrap(fault.KindUpstream, "store.rule", err)
}

// LoadRules returns the persisted rule set.
func (s *Store) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT spec FROM rules ORDER BY id`)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "store.rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.rules", err)
		}
		var r rules.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.rules", err)
		}
		out = append(out, r)
	}
	return out, fault.Wrap(fault.KindUpstream, "store.rules", rows.Err())
}

// DeleteRule removes one rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	return fault.Wrap(fault.KindUpstream, "store.rule", err)
}

// SavePoint upserts a detection point.
func (s *Store) SavePoint(ctx context.Context, p correlation.DetectionPoint) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fault.Wrap(fault.KindParam, "store.point", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detection_points (id, spec, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET spec = EXCLUDED.spec, updated_at = now()`,
		p.ID, raw)
	return fault.Wrap(fault.KindUpstream, "store.point", err)
}

// LoadPoints returns the persisted detection points.
func (s *Store) LoadPoints(ctx context.Context) ([]correlation.DetectionPoint, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT spec FROM detection_points ORDER BY id`)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "store.points", err)
	}
	defer rows.Close()

	var out []correlation.DetectionPoint
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.points", err)
		}
		var p correlation.DetectionPoint
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "store.points", err)
		}
		out = append(out, p)
	}
	return out, fault.Wrap(fault.KindUpstream, "store.points", rows.Err())
}

// AppendEvent writes one event to the append-only log. The log is
// never read back by the fabric; failures are logged and swallowed so
// a sick database cannot stall the bus.
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) {
	if s == nil {
		return
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		raw = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, source, type, device_id, occurred_at, received_at, payload)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		e.ID, e.SourceConnectorID, string(e.Type), e.DeviceID, e.OccurredAt, e.ReceivedAt, raw)
	if err != nil {
		s.logger.Warn("event append failed", "event", e.ID, "error", err)
	}
}
