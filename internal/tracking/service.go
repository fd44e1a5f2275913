// Package tracking delivers events to every registered analytics provider.
//
// Track only enqueues. A single drain worker pulls FIFO batches of at most
// batch_size events, dispatches the events of a batch concurrently and waits
// for the whole batch before pulling the next one. Each event is fanned out to
// all providers; failed deliveries are retried with capped exponential backoff
// and dropped with an error log once max_retries attempts have failed.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/metrics"
	"github.com/helicontrade/tracking/internal/provider"
)

var (
	// ErrRetriesExhausted wraps the last error of an event that was dropped.
	ErrRetriesExhausted = errors.New("tracking: retries exhausted")
	// ErrNotReady is returned by Flush when events are queued but the service
	// is not initialized, so they cannot drain.
	ErrNotReady = errors.New("tracking: service not initialized")
	// ErrInitializeAborted is returned by an Initialize overtaken by Reset.
	ErrInitializeAborted = errors.New("tracking: reset during initialize")
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Service.
type Option func(*Service)

// WithProviders registers the given providers instead of building them from
// the configuration. Providers must be fresh or reusable across Initialize calls.
func WithProviders(ps ...provider.Provider) Option {
	return func(s *Service) {
		s.build = func() []provider.Provider { return ps }
	}
}

// WithMetrics records queue and delivery metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(s *Service) { s.sleep = fn }
}

// Stats is a point-in-time view of the service.
type Stats struct {
	State      string   `json:"state"`
	Enabled    bool     `json:"enabled"`
	Providers  []string `json:"providers"`
	QueueDepth int      `json:"queueDepth"`
	Draining   bool     `json:"draining"`
	Delivered  uint64   `json:"delivered"`
	Dropped    uint64   `json:"dropped"`
}

// Service owns the event queue and the registered providers. It is safe for
// concurrent use.
type Service struct {
	cfg     config.TrackingConfig
	opts    config.OptionsConfig
	build   func() []provider.Provider
	metrics *metrics.Metrics
	sleep   SleepFunc

	mu        sync.Mutex
	state     State
	closed    bool
	providers map[string]provider.Provider
	queue     []event.TrackingEvent
	draining  bool
	idle      chan struct{}

	// generation is bumped by Reset; an Initialize that sees it change
	// discards the providers it built.
	generation uint64
	pending    *initCall

	// observes every batch pulled from the queue; tests only.
	onBatch func([]event.TrackingEvent)

	delivered atomic.Uint64
	dropped   atomic.Uint64

	// ctx bounds all provider calls and backoff sleeps; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.TrackingConfig, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		opts:      cfg.Options.WithDefaults(),
		sleep:     sleepContext,
		providers: make(map[string]provider.Provider),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.build = func() []provider.Provider { return FromConfig(s.cfg) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize builds and initializes every configured provider. It is a no-op
// when already initialized or when tracking is disabled. If any provider
// fails, the providers initialized so far are reset, nothing is registered
// and the error is returned. A call made while another Initialize is running
// waits for it and returns its result. If Reset runs before initialization
// completes, the new providers are reset and ErrInitializeAborted is returned.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateInitializing:
		call := s.pending
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-call.done:
			return call.err
		}
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		log.Warn().Msg("Tracking disabled, skipping initialization")
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return errors.New("tracking: service closed")
	}
	s.state = StateInitializing
	generation := s.generation
	call := &initCall{done: make(chan struct{})}
	s.pending = call
	s.mu.Unlock()

	call.err = s.initialize(ctx, generation)
	close(call.done)
	return call.err
}

// initCall is an Initialize in progress; err is valid once done is closed.
type initCall struct {
	done chan struct{}
	err  error
}

func (s *Service) initialize(ctx context.Context, generation uint64) error {
	ready := make(map[string]provider.Provider)
	var initialized []provider.Provider
	for _, p := range s.build() {
		name := p.Name()
		err := p.Initialize(ctx)
		if err == nil {
			if _, dup := ready[name]; dup {
				err = &provider.ConfigurationError{Provider: name, Field: "name", Reason: "registered twice"}
			}
		}
		if err != nil {
			log.Error().Err(err).Str("provider", name).Msg("Failed to initialize provider")
			s.resetAll(ctx, append(initialized, p))

			s.mu.Lock()
			if s.generation == generation {
				s.state = StateUninitialized
			}
			s.mu.Unlock()
			return fmt.Errorf("tracking: initialize %s: %w", name, err)
		}
		ready[name] = p
		initialized = append(initialized, p)
	}

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		log.Warn().Msg("Tracking reset during initialization, discarding providers")
		s.resetAll(context.WithoutCancel(ctx), initialized)
		return ErrInitializeAborted
	}
	s.providers = ready
	s.state = StateReady
	if len(s.queue) > 0 && !s.draining {
		s.startDrainLocked()
	}
	s.mu.Unlock()

	log.Info().
		Strs("providers", sortedNames(ready)).
		Int("batch_size", s.opts.BatchSize).
		Int("max_retries", s.opts.MaxRetries).
		Msg("Tracking service initialized")
	return nil
}

// Track accepts ev for delivery and returns immediately. Delivery happens in
// the background once the service is initialized.
func (s *Service) Track(ev event.TrackingEvent) {
	if !s.cfg.Enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		log.Warn().Str("event_id", ev.ID).Str("event_name", string(ev.Name())).Msg("Tracking service closed, event discarded")
		return
	}
	s.queue = append(s.queue, ev)
	s.metrics.RecordEnqueued(len(s.queue))

	if s.state == StateReady && !s.draining {
		s.startDrainLocked()
	}
}

// Identify associates userID with traits in every provider. Provider
// failures are logged and never returned.
func (s *Service) Identify(ctx context.Context, userID string, traits map[string]any) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	targets := s.snapshotLocked()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
			defer cancel()
			if err := p.Identify(actx, userID, traits); err != nil {
				log.Warn().Err(err).Str("provider", p.Name()).Str("user_id", userID).Msg("Failed to identify user")
			}
		}(p)
	}
	wg.Wait()
}

// Reset releases every provider, clears the registry and returns the service
// to the uninitialized state. Safe to call at any time.
func (s *Service) Reset(ctx context.Context) {
	s.mu.Lock()
	targets := s.snapshotLocked()
	s.providers = make(map[string]provider.Provider)
	s.state = StateUninitialized
	s.generation++
	s.mu.Unlock()

	s.resetAll(ctx, targets)
}

// Flush blocks until the queue is empty and no drain is running.
func (s *Service) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.draining {
			pending := len(s.queue)
			s.mu.Unlock()
			if pending > 0 {
				return fmt.Errorf("%w: %d events pending", ErrNotReady, pending)
			}
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close stops accepting events, flushes the queue within ctx, interrupts any
// remaining delivery and resets all providers.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Tracking queue not fully flushed before close")
	}

	s.cancel()
	s.wg.Wait()

	s.Reset(context.WithoutCancel(ctx))
	return err
}

// Stats reports the current state of the service.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:      s.state.String(),
		Enabled:    s.cfg.Enabled,
		Providers:  sortedNames(s.providers),
		QueueDepth: len(s.queue),
		Draining:   s.draining,
		Delivered:  s.delivered.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// startDrainLocked must be called with s.mu held and s.draining false.
func (s *Service) startDrainLocked() {
	s.draining = true
	s.idle = make(chan struct{})
	s.wg.Add(1)
	go s.drain()
}

func (s *Service) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.state != StateReady || s.ctx.Err() != nil {
			s.draining = false
			close(s.idle)
			s.mu.Unlock()
			return
		}

		n := min(s.opts.BatchSize, len(s.queue))
		batch := slices.Clone(s.queue[:n])
		s.queue = slices.Delete(s.queue, 0, n)
		targets := s.snapshotLocked()
		s.metrics.SetQueueDepth(len(s.queue))
		s.mu.Unlock()

		if s.onBatch != nil {
			s.onBatch(batch)
		}

		var wg sync.WaitGroup
		for _, ev := range batch {
			wg.Add(1)
			go func(ev event.TrackingEvent) {
				defer wg.Done()
				s.dispatch(ev, targets)
			}(ev)
		}
		wg.Wait()
	}
}

// dispatch delivers ev to targets, retrying the whole fan-out while any
// provider fails. With retry_failed_only a retry only goes to the providers
// that failed the previous attempt.
func (s *Service) dispatch(ev event.TrackingEvent, targets []provider.Provider) error {
	if len(targets) == 0 {
		return nil
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		attempts = attempt
		failed, err := s.fanOut(ev, targets)
		if err == nil {
			s.delivered.Add(1)
			return nil
		}
		lastErr = err
		if s.opts.RetryFailedOnly {
			targets = failed
		}

		// Don't sleep after the last attempt
		if attempt == s.opts.MaxRetries {
			break
		}

		delay := Backoff(attempt, s.opts.InitialBackoff, s.opts.MaxBackoff)
		s.retryLog().
			Err(err).
			Str("event_id", ev.ID).
			Str("event_name", string(ev.Name())).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Dispatch failed, retrying")
		s.metrics.RecordRetry()

		if err := s.sleep(s.ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	s.dropped.Add(1)
	s.metrics.RecordDropped()
	err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	log.Error().
		Err(err).
		Str("event_id", ev.ID).
		Str("event_name", string(ev.Name())).
		Str("session_id", ev.SessionID).
		Msg("Dropping event")
	return err
}

// fanOut calls Track on every target concurrently and returns the providers
// that failed together with their joined errors.
func (s *Service) fanOut(ev event.TrackingEvent, targets []provider.Provider) ([]provider.Provider, error) {
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p provider.Provider) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.AttemptTimeout)
			defer cancel()

			start := time.Now()
			err := p.Track(ctx, ev)
			s.metrics.RecordDelivery(p.Name(), err, time.Since(start))
			if err != nil {
				log.Debug().Err(err).Str("provider", p.Name()).Str("event_id", ev.ID).Msg("Provider track failed")
				errs[i] = err
			}
		}(i, p)
	}
	wg.Wait()

	var failed []provider.Provider
	for i, err := range errs {
		if err != nil {
			failed = append(failed, targets[i])
		}
	}
	return failed, errors.Join(errs...)
}

func (s *Service) resetAll(ctx context.Context, targets []provider.Provider) {
	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			if err := p.Reset(ctx); err != nil {
				log.Warn().Err(err).Str("provider", p.Name()).Msg("Failed to reset provider")
			}
		}(p)
	}
	wg.Wait()
}

func (s *Service) retryLog() *zerolog.Event {
	if s.opts.Debug {
		return log.Info()
	}
	return log.Debug()
}

// snapshotLocked returns the registered providers ordered by name.
func (s *Service) snapshotLocked() []provider.Provider {
	out := make([]provider.Provider, 0, len(s.providers))
	for _, name := range sortedNames(s.providers) {
		out = append(out, s.providers[name])
	}
	return out
}

func sortedNames(m map[string]provider.Provider) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Backoff returns the delay after failed attempt n (n >= 1):
// initial * 2^(n-1), capped at ceiling.
func Backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
