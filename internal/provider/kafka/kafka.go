// Package kafka publishes tracking events to a Kafka topic for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

// Record types, carried in the "type" header.
const (
	RecordEvent    = "event"
	RecordIdentify = "identify"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// IdentifyRecord is the message value written by Identify.
type IdentifyRecord struct {
	UserID    string         `json:"userId"`
	Traits    map[string]any `json:"traits,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Provider struct {
	cfg       config.KafkaConfig
	newWriter func(config.KafkaConfig) messageWriter

	mu     sync.RWMutex
	writer messageWriter
}

func New(cfg config.KafkaConfig) *Provider {
	return &Provider{cfg: cfg, newWriter: newWriter}
}

// newWriter writes synchronously so a failed write surfaces to the caller.
func newWriter(cfg config.KafkaConfig) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
}

func (p *Provider) Name() string { return provider.NameKafka }

func (p *Provider) Initialize(ctx context.Context) error {
	if len(p.cfg.Brokers) == 0 {
		return provider.Missing(provider.NameKafka, "brokers")
	}
	if p.cfg.Topic == "" {
		return provider.Missing(provider.NameKafka, "topic")
	}

	w := p.newWriter(p.cfg)

	p.mu.Lock()
	p.writer = w
	p.mu.Unlock()

	log.Debug().Str("provider", provider.NameKafka).Strs("brokers", p.cfg.Brokers).Str("topic", p.cfg.Topic).Msg("Provider initialized")
	return nil
}

func (p *Provider) Track(ctx context.Context, ev event.TrackingEvent) error {
	w := p.current()
	if w == nil {
		return provider.ErrNotInitialized
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameKafka, Op: "track", EventID: ev.ID, Err: err}
	}

	key := ev.SessionID
	if key == "" {
		key = ev.ID
	}
	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(RecordEvent)},
			{Key: "event_name", Value: []byte(ev.Name())},
		},
	})
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameKafka, Op: "track", EventID: ev.ID, Err: err}
	}
	return nil
}

func (p *Provider) Identify(ctx context.Context, userID string, traits map[string]any) error {
	w := p.current()
	if w == nil {
		return provider.ErrNotInitialized
	}

	data, err := json.Marshal(IdentifyRecord{UserID: userID, Traits: traits, Timestamp: time.Now().UTC()})
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameKafka, Op: "identify", Err: err}
	}

	err = w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(userID),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(RecordIdentify)}},
	})
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NameKafka, Op: "identify", Err: err}
	}
	return nil
}

func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.mu.Unlock()

	if w == nil {
		return nil
	}
	if err := w.Close(); err != nil {
		log.Warn().Err(err).Str("provider", provider.NameKafka).Msg("Failed to close writer")
	}
	return nil
}

func (p *Provider) current() messageWriter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writer
}
