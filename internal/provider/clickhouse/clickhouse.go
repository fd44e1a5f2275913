// Package clickhouse stores tracking events in a ClickHouse table.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

// EventRow is a row in the events table.
type EventRow struct {
	EventID    string
	EventName  string
	Timestamp  time.Time
	UserID     string
	SessionID  string
	Source     string
	Properties string
	Context    string
}

type Provider struct {
	cfg  config.ClickHouseConfig
	open func(*clickhouse.Options) (driver.Conn, error)

	mu   sync.RWMutex
	conn driver.Conn
}

func New(cfg config.ClickHouseConfig) *Provider {
	return &Provider{cfg: cfg, open: clickhouse.Open}
}

func (p *Provider) Name() string { return provider.NameClickHouse }

// Initialize opens the connection, pings it and creates the tables when missing.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.cfg.Addr == "" {
		return provider.Missing(provider.NameClickHouse, "addr")
	}
	if p.cfg.Table == "" {
		return provider.Missing(provider.NameClickHouse, "table")
	}

	dialTimeout := p.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	conn, err := p.open(&clickhouse.Options{
		Addr: []string{p.cfg.Addr},
		Auth: clickhouse.Auth{
			Database: p.cfg.Database,
			Username: p.cfg.Username,
			Password: p.cfg.Password,
		},
		DialTimeout:  dialTimeout,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: open: %w", err)
	}

	// Test connection
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("clickhouse: ping %s: %w", p.cfg.Addr, err)
	}
	if err := p.ensureSchema(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	log.Debug().Str("provider", provider.NameClickHouse).Str("addr", p.cfg.Addr).Str("table", p.cfg.Table).Msg("Provider initialized")
	return nil
}

func (p *Provider) ensureSchema(ctx context.Context, conn driver.Conn) error {
	ddl := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id String,
			event_name LowCardinality(String),
			timestamp DateTime64(3, 'UTC'),
			user_id String,
			session_id String,
			source LowCardinality(String),
			properties String,
			context String
		) ENGINE = MergeTree
		ORDER BY (event_name, timestamp)`, p.cfg.Table),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id String,
			traits String,
			identified_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(identified_at)
		ORDER BY user_id`, p.identitiesTable()),
	}
	for _, q := range ddl {
		if err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("clickhouse: create schema: %w", err)
		}
	}
	return nil
}

func (p *Provider) Track(ctx context.Context, ev event.TrackingEvent) error {
	conn := p.current()
	if conn == nil {
		return provider.ErrNotInitialized
	}

	row, err := toRow(ev)
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameClickHouse, Op: "track", EventID: ev.ID, Err: err}
	}

	err = conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			event_id, event_name, timestamp, user_id, session_id, source, properties, context
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.cfg.Table),
		row.EventID, row.EventName, row.Timestamp, row.UserID, row.SessionID, row.Source, row.Properties, row.Context,
	)
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameClickHouse, Op: "track", EventID: ev.ID, Err: err}
	}
	return nil
}

func (p *Provider) Identify(ctx context.Context, userID string, traits map[string]any) error {
	conn := p.current()
	if conn == nil {
		return provider.ErrNotInitialized
	}

	if traits == nil {
		traits = map[string]any{}
	}
	data, err := json.Marshal(traits)
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameClickHouse, Op: "identify", Err: err}
	}

	err = conn.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (user_id, traits, identified_at) VALUES (?, ?, ?)`, p.identitiesTable()),
		userID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameClickHouse, Op: "identify", Err: err}
	}
	return nil
}

func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Str("provider", provider.NameClickHouse).Msg("Failed to close connection")
	}
	return nil
}

func (p *Provider) current() driver.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Provider) identitiesTable() string {
	return p.cfg.Table + "_identities"
}

func toRow(ev event.TrackingEvent) (EventRow, error) {
	if ev.Properties == nil {
		return EventRow{}, fmt.Errorf("event %s has no properties", ev.ID)
	}
	props, err := json.Marshal(ev.Properties.Fields())
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal properties: %w", err)
	}

	ctxJSON := "{}"
	if ev.Context != nil {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return EventRow{}, fmt.Errorf("marshal context: %w", err)
		}
		ctxJSON = string(b)
	}

	return EventRow{
		EventID:    ev.ID,
		EventName:  string(ev.Name()),
		Timestamp:  ev.Timestamp,
		UserID:     ev.UserID,
		SessionID:  ev.SessionID,
		Source:     string(ev.Source),
		Properties: string(props),
		Context:    ctxJSON,
	}, nil
}
