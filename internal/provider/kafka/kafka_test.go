package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func newTestProvider(t *testing.T) (*Provider, *fakeWriter) {
	t.Helper()
	fw := &fakeWriter{}
	p := New(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "marketing.events"})
	p.newWriter = func(config.KafkaConfig) messageWriter { return fw }
	require.NoError(t, p.Initialize(context.Background()))
	return p, fw
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestInitializeValidatesConfig(t *testing.T) {
	ctx := context.Background()
	var ce *provider.ConfigurationError

	err := New(config.KafkaConfig{Topic: "t"}).Initialize(ctx)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "brokers", ce.Field)

	err = New(config.KafkaConfig{Brokers: []string{"b:9092"}}).Initialize(ctx)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "topic", ce.Field)
}

func TestTrackWritesEventJSON(t *testing.T) {
	p, fw := newTestProvider(t)

	ev := event.New(event.Performance{Metric: "lcp", Value: 1200, Unit: event.UnitMilliseconds}, event.WithSessionID("s-1"))
	require.NoError(t, p.Track(context.Background(), ev))

	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, "s-1", string(msg.Key))
	assert.Equal(t, RecordEvent, header(msg, "type"))
	assert.Equal(t, "performance", header(msg, "event_name"))

	var decoded event.TrackingEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.Properties, decoded.Properties)
}

func TestTrackKeysByEventIDWithoutSession(t *testing.T) {
	p, fw := newTestProvider(t)

	ev := event.New(event.PageView{Path: "/"})
	require.NoError(t, p.Track(context.Background(), ev))
	assert.Equal(t, ev.ID, string(fw.msgs[0].Key))
}

func TestTrackWriteFailure(t *testing.T) {
	p, fw := newTestProvider(t)
	fw.err = errors.New("leader not available")

	err := p.Track(context.Background(), event.New(event.PageView{Path: "/"}))
	var de *provider.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, provider.NameKafka, de.Provider)
}

func TestIdentifyWritesRecord(t *testing.T) {
	p, fw := newTestProvider(t)
	require.NoError(t, p.Identify(context.Background(), "u1", map[string]any{"plan": "pro"}))

	msg := fw.msgs[0]
	assert.Equal(t, RecordIdentify, header(msg, "type"))

	var rec IdentifyRecord
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, map[string]any{"plan": "pro"}, rec.Traits)
}

func TestResetClosesWriter(t *testing.T) {
	assert.NoError(t, New(config.KafkaConfig{}).Reset(context.Background()))

	p, fw := newTestProvider(t)
	require.NoError(t, p.Reset(context.Background()))
	assert.True(t, fw.closed)
	assert.ErrorIs(t, p.Track(context.Background(), event.New(event.PageView{Path: "/"})), provider.ErrNotInitialized)
}
