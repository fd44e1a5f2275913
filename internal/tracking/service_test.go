package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/metrics"
	"github.com/helicontrade/tracking/internal/provider"
	"github.com/helicontrade/tracking/internal/provider/mock"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func enabledConfig(opts config.OptionsConfig) config.TrackingConfig {
	return config.TrackingConfig{Enabled: true, Options: opts}
}

func perfEvent(metric string) event.TrackingEvent {
	return event.New(event.Performance{Metric: metric, Value: 42, Unit: event.UnitMilliseconds})
}

func flush(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func TestProviderIsolation(t *testing.T) {
	failing := mock.New(mock.Options{Name: "failing", FailureRate: 1})
	healthy := mock.New(mock.Options{Name: "healthy"})
	rec := &sleepRecorder{}

	s := New(enabledConfig(config.OptionsConfig{BatchSize: 4, MaxRetries: 3}),
		WithProviders(failing, healthy), WithSleep(rec.sleep))
	require.NoError(t, s.Initialize(context.Background()))

	var sent []string
	for i := 0; i < 10; i++ {
		ev := perfEvent(fmt.Sprintf("m%d", i))
		sent = append(sent, ev.ID)
		s.Track(ev)
	}
	flush(t, s)

	got := make(map[string]int)
	for _, ev := range healthy.Events() {
		got[ev.ID]++
	}
	for _, id := range sent {
		assert.Equal(t, 3, got[id], "event %s", id)
	}
	assert.Len(t, got, 10)
	assert.Equal(t, 10*3, failing.TrackCalls())
	assert.Equal(t, uint64(10), s.Stats().Dropped)
}

func TestDefaultRetryResendsFullFanOut(t *testing.T) {
	failing := mock.New(mock.Options{Name: "failing", FailureRate: 1})
	healthy := mock.New(mock.Options{Name: "healthy"})
	rec := &sleepRecorder{}

	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 3}),
		WithProviders(failing, healthy), WithSleep(rec.sleep))
	require.NoError(t, s.Initialize(context.Background()))

	s.Track(perfEvent("lcp"))
	flush(t, s)

	assert.Equal(t, 3, failing.TrackCalls())
	assert.Equal(t, 3, healthy.TrackCalls())
	assert.Len(t, healthy.Events(), 3)
}

func TestRetryFailedOnlySkipsHealthy(t *testing.T) {
	failing := mock.New(mock.Options{Name: "failing", FailureRate: 1})
	healthy := mock.New(mock.Options{Name: "healthy"})
	rec := &sleepRecorder{}

	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 3, RetryFailedOnly: true}),
		WithProviders(failing, healthy), WithSleep(rec.sleep))
	require.NoError(t, s.Initialize(context.Background()))

	s.Track(perfEvent("lcp"))
	flush(t, s)

	assert.Equal(t, 3, failing.TrackCalls())
	assert.Equal(t, 1, healthy.TrackCalls())
	assert.Len(t, rec.recorded(), 2)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestRetryBackoffBound(t *testing.T) {
	p := mock.New(mock.Options{FailureRate: 1})
	rec := &sleepRecorder{}

	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 6}), WithProviders(p), WithSleep(rec.sleep))
	require.NoError(t, s.Initialize(context.Background()))

	s.Track(perfEvent("lcp"))
	flush(t, s)

	assert.Equal(t, 6, p.TrackCalls())
	delays := rec.recorded()
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 10*time.Second))
		})
	}
}

func TestDispatchReturnsRetriesExhausted(t *testing.T) {
	p := mock.New(mock.Options{FailureRate: 1})
	require.NoError(t, p.Initialize(context.Background()))
	rec := &sleepRecorder{}
	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 2}), WithSleep(rec.sleep))

	err := s.dispatch(perfEvent("lcp"), []provider.Provider{p})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, mock.ErrInjected)
	var de *provider.DeliveryError
	assert.True(t, errors.As(err, &de))
}

func TestBatchPartition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "events")
		batchSize := rapid.IntRange(1, 15).Draw(t, "batch_size")

		p := mock.New(mock.Options{})
		s := New(enabledConfig(config.OptionsConfig{BatchSize: batchSize}), WithProviders(p))

		var (
			mu      sync.Mutex
			batches [][]string
		)
		s.onBatch = func(batch []event.TrackingEvent) {
			ids := make([]string, len(batch))
			for i, ev := range batch {
				ids[i] = ev.ID
			}
			mu.Lock()
			batches = append(batches, ids)
			mu.Unlock()
		}

		// Queued before Initialize so every batch but the last is full.
		var sent []string
		for i := 0; i < n; i++ {
			ev := perfEvent("m")
			sent = append(sent, ev.ID)
			s.Track(ev)
		}
		require.NoError(t, s.Initialize(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Flush(ctx))

		var dequeued []string
		for i, b := range batches {
			assert.LessOrEqual(t, len(b), batchSize)
			if i < len(batches)-1 {
				assert.Len(t, b, batchSize)
			}
			dequeued = append(dequeued, b...)
		}
		assert.Equal(t, sent, dequeued)

		seen := make(map[string]int)
		for _, ev := range p.Events() {
			seen[ev.ID]++
		}
		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "event %s delivered more than once", id)
		}
	})
}

func TestConcurrentTrackDeliversEachEventOnce(t *testing.T) {
	p := mock.New(mock.Options{Latency: time.Millisecond})
	s := New(enabledConfig(config.OptionsConfig{BatchSize: 3}), WithProviders(p))
	require.NoError(t, s.Initialize(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				s.Track(perfEvent("m"))
			}
		}()
	}
	wg.Wait()
	flush(t, s)

	seen := make(map[string]bool)
	for _, ev := range p.Events() {
		assert.False(t, seen[ev.ID], "duplicate delivery of %s", ev.ID)
		seen[ev.ID] = true
	}
	assert.Len(t, seen, 200)
}

func TestDisabledServiceMakesNoProviderCalls(t *testing.T) {
	p := mock.New(mock.Options{})
	s := New(config.TrackingConfig{Enabled: false}, WithProviders(p))
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	s.Track(perfEvent("lcp"))
	s.Identify(ctx, "u1", map[string]any{"plan": "pro"})
	require.NoError(t, s.Flush(ctx))

	assert.False(t, p.Initialized())
	assert.Zero(t, p.TrackCalls())
	assert.Zero(t, p.IdentifyCalls())
	assert.Zero(t, s.Stats().QueueDepth)
}

func TestResetBeforeInitialize(t *testing.T) {
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(mock.New(mock.Options{})))

	assert.NotPanics(t, func() { s.Reset(context.Background()) })
	assert.Empty(t, s.Stats().Providers)
	assert.Equal(t, "uninitialized", s.Stats().State)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	p := mock.New(mock.Options{})
	p.FailNext(2)

	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond}), WithProviders(p))
	require.NoError(t, s.Initialize(context.Background()))

	ev := perfEvent("ttfb")
	s.Track(ev)
	flush(t, s)

	require.Equal(t, 3, p.TrackCalls())
	events := p.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)

	times := p.TrackCallTimes()
	elapsed := times[2].Sub(times[0])
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, uint64(1), s.Stats().Delivered)
}

func TestFailTwiceThenSucceedDefaultBackoff(t *testing.T) {
	p := mock.New(mock.Options{})
	p.FailNext(2)
	rec := &sleepRecorder{}

	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p), WithSleep(rec.sleep))
	require.NoError(t, s.Initialize(context.Background()))

	s.Track(perfEvent("ttfb"))
	flush(t, s)

	assert.Equal(t, 3, p.TrackCalls())
	assert.Len(t, p.Events(), 1)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
}

func TestIdentifyFanOutIsolation(t *testing.T) {
	good := mock.New(mock.Options{Name: "good"})
	bad := mock.New(mock.Options{Name: "bad", FailureRate: 1})

	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(good, bad))
	require.NoError(t, s.Initialize(context.Background()))

	assert.NotPanics(t, func() {
		s.Identify(context.Background(), "u1", map[string]any{"plan": "pro"})
	})
	assert.Equal(t, map[string]any{"plan": "pro"}, good.Users()["u1"])
	assert.Equal(t, 1, bad.IdentifyCalls())
}

func TestIdentifyBeforeInitializeIsNoop(t *testing.T) {
	p := mock.New(mock.Options{})
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	s.Identify(context.Background(), "u1", nil)
	assert.Zero(t, p.IdentifyCalls())
}

func TestInitializeIsAllOrNothing(t *testing.T) {
	first := mock.New(mock.Options{Name: "first"})
	broken := mock.New(mock.Options{Name: "broken", InitErr: provider.Missing("broken", "api_key")})

	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(first, broken))
	err := s.Initialize(context.Background())

	var ce *provider.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "api_key", ce.Field)
	assert.False(t, first.Initialized())
	assert.GreaterOrEqual(t, first.ResetCalls(), 1)
	assert.Empty(t, s.Stats().Providers)
	assert.Equal(t, "uninitialized", s.Stats().State)
}

func TestInitializeRejectsDuplicateNames(t *testing.T) {
	s := New(enabledConfig(config.OptionsConfig{}),
		WithProviders(mock.New(mock.Options{}), mock.New(mock.Options{})))

	err := s.Initialize(context.Background())
	var ce *provider.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestInitializeTwiceIsNoop(t *testing.T) {
	p := mock.New(mock.Options{})
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, []string{"mock"}, s.Stats().Providers)
}

// gatedProvider blocks in Initialize until release is closed.
type gatedProvider struct {
	*mock.Provider
	entered chan struct{}
	release chan struct{}
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{
		Provider: mock.New(mock.Options{}),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedProvider) Initialize(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return g.Provider.Initialize(ctx)
}

func TestResetDuringInitializeDiscardsProviders(t *testing.T) {
	p := newGatedProvider()
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	errc := make(chan error, 1)
	go func() { errc <- s.Initialize(context.Background()) }()

	<-p.entered
	assert.Equal(t, "initializing", s.Stats().State)
	s.Reset(context.Background())
	close(p.release)

	assert.ErrorIs(t, <-errc, ErrInitializeAborted)
	assert.Equal(t, "uninitialized", s.Stats().State)
	assert.Empty(t, s.Stats().Providers)
	assert.False(t, p.Initialized())
}

func TestConcurrentInitializeWaitsForFirst(t *testing.T) {
	p := newGatedProvider()
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	first := make(chan error, 1)
	go func() { first <- s.Initialize(context.Background()) }()
	<-p.entered

	second := make(chan error, 1)
	go func() { second <- s.Initialize(context.Background()) }()

	select {
	case err := <-second:
		t.Fatalf("second Initialize returned before the first finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, "ready", s.Stats().State)
	assert.Equal(t, []string{"mock"}, s.Stats().Providers)
}

func TestInitializeWaitHonoursContext(t *testing.T) {
	p := newGatedProvider()
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	go s.Initialize(context.Background())
	<-p.entered
	defer close(p.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Initialize(ctx), context.DeadlineExceeded)
}

func TestEventsQueuedBeforeInitializeAreDelivered(t *testing.T) {
	p := mock.New(mock.Options{})
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))

	s.Track(perfEvent("a"))
	s.Track(perfEvent("b"))
	assert.Equal(t, 2, s.Stats().QueueDepth)
	assert.ErrorIs(t, s.Flush(context.Background()), ErrNotReady)

	require.NoError(t, s.Initialize(context.Background()))
	flush(t, s)
	assert.Len(t, p.Events(), 2)
}

func TestResetThenReinitialize(t *testing.T) {
	p := mock.New(mock.Options{})
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p))
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	s.Reset(ctx)
	assert.False(t, p.Initialized())
	assert.Equal(t, "uninitialized", s.Stats().State)

	require.NoError(t, s.Initialize(ctx))
	s.Track(perfEvent("lcp"))
	flush(t, s)
	assert.Len(t, p.Events(), 1)
}

func TestCloseFlushesAndResets(t *testing.T) {
	p := mock.New(mock.Options{Latency: 5 * time.Millisecond})
	m := metrics.New()
	s := New(enabledConfig(config.OptionsConfig{}), WithProviders(p), WithMetrics(m))
	require.NoError(t, s.Initialize(context.Background()))

	for i := 0; i < 20; i++ {
		s.Track(perfEvent("m"))
	}
	require.NoError(t, s.Close(context.Background()))

	assert.Len(t, p.Events(), 20)
	assert.False(t, p.Initialized())

	s.Track(perfEvent("late"))
	assert.Zero(t, s.Stats().QueueDepth)
	assert.Error(t, s.Initialize(context.Background()))
}

func TestCloseInterruptsBackoff(t *testing.T) {
	p := mock.New(mock.Options{FailureRate: 1})
	s := New(enabledConfig(config.OptionsConfig{MaxRetries: 5, InitialBackoff: time.Minute, MaxBackoff: time.Minute}), WithProviders(p))
	require.NoError(t, s.Initialize(context.Background()))

	s.Track(perfEvent("lcp"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestFromConfigBuildsConfiguredProviders(t *testing.T) {
	ps := FromConfig(config.TrackingConfig{
		GoogleAnalytics: &config.GoogleAnalyticsConfig{MeasurementID: "G-1", APISecret: "s"},
		PostHog:         &config.PostHogConfig{APIKey: "phc"},
		Mock:            &config.MockConfig{},
	})

	var names []string
	for _, p := range ps {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{provider.NameGoogleAnalytics, provider.NamePostHog, provider.NameMock}, names)
	assert.Empty(t, FromConfig(config.TrackingConfig{}))
}
