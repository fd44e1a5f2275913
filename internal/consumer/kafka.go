package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
)

// Tracker accepts relayed events.
type Tracker interface {
	Track(ev event.TrackingEvent)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer relays tracking events published by backend services into
// the tracking service.
type KafkaConsumer struct {
	reader  messageReader
	tracker Tracker
	topic   string
	group   string
}

// NewKafkaConsumer returns nil when no brokers or topic are configured.
func NewKafkaConsumer(cfg config.ConsumerConfig, tracker Tracker) *KafkaConsumer {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader:  reader,
		tracker: tracker,
		topic:   cfg.Topic,
		group:   cfg.GroupID,
	}
}

// Start consumes until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.topic).
		Str("group", c.group).
		Msg("Starting Kafka relay")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				log.Info().Msg("Kafka relay stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		c.handle(msg)

		// Bad messages are committed too so the relay never stalls on them.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) handle(msg kafka.Message) {
	var ev event.TrackingEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Error().
			Err(err).
			Str("value", string(msg.Value)).
			Int64("offset", msg.Offset).
			Msg("Failed to parse message")
		return
	}

	ev = event.Complete(ev, event.SourceSystem)
	if err := ev.Validate(); err != nil {
		log.Warn().
			Err(err).
			Str("event_id", ev.ID).
			Str("event_name", string(ev.Name())).
			Msg("Dropping invalid relayed event")
		return
	}

	c.tracker.Track(ev)
}

func (c *KafkaConsumer) Close() error {
	if c == nil {
		return nil
	}
	log.Info().Msg("Closing Kafka relay")
	return c.reader.Close()
}
