// Package mock provides an in-memory provider for tests and local development.
// It records delivered events and identified users and can inject latency and failures.
package mock

import (
	"context"
	"errors"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("injected failure")

type Options struct {
	// Name defaults to "mock". Distinct names let several mocks share a service.
	Name string
	// Latency is added to every Track and Identify call.
	Latency time.Duration
	// FailureRate is the probability (0..1) that Track or Identify fails.
	FailureRate float64
	// InitErr is returned by Initialize when set.
	InitErr error
}

// Provider is the mock tracking provider.
type Provider struct {
	opts Options

	mu            sync.Mutex
	initialized   bool
	failNext      int
	events        []event.TrackingEvent
	users         map[string]map[string]any
	trackCalls    []time.Time
	identifyCalls int
	resetCalls    int
}

func New(opts Options) *Provider {
	if opts.Name == "" {
		opts.Name = provider.NameMock
	}
	return &Provider{
		opts:  opts,
		users: make(map[string]map[string]any),
	}
}

// FromConfig builds a mock from the tracking configuration section.
func FromConfig(cfg config.MockConfig) *Provider {
	return New(Options{Latency: cfg.Latency, FailureRate: cfg.FailureRate})
}

func (p *Provider) Name() string { return p.opts.Name }

func (p *Provider) Initialize(ctx context.Context) error {
	if p.opts.InitErr != nil {
		return p.opts.InitErr
	}
	if p.opts.FailureRate < 0 || p.opts.FailureRate > 1 {
		return &provider.ConfigurationError{Provider: p.opts.Name, Field: "failure_rate", Reason: "must be between 0 and 1"}
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) Track(ctx context.Context, ev event.TrackingEvent) error {
	p.mu.Lock()
	p.trackCalls = append(p.trackCalls, time.Now())
	ready := p.initialized
	p.mu.Unlock()

	if !ready {
		return provider.ErrNotInitialized
	}
	if err := p.wait(ctx); err != nil {
		return &provider.DeliveryError{Provider: p.opts.Name, Op: "track", EventID: ev.ID, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shouldFail() {
		return &provider.DeliveryError{Provider: p.opts.Name, Op: "track", EventID: ev.ID, Err: ErrInjected}
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *Provider) Identify(ctx context.Context, userID string, traits map[string]any) error {
	p.mu.Lock()
	p.identifyCalls++
	ready := p.initialized
	p.mu.Unlock()

	if !ready {
		return provider.ErrNotInitialized
	}
	if err := p.wait(ctx); err != nil {
		return &provider.DeliveryError{Provider: p.opts.Name, Op: "identify", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shouldFail() {
		return &provider.DeliveryError{Provider: p.opts.Name, Op: "identify", Err: ErrInjected}
	}
	p.users[userID] = maps.Clone(traits)
	return nil
}

func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCalls++
	p.initialized = false
	return nil
}

// FailNext makes the next n Track or Identify calls fail regardless of FailureRate.
func (p *Provider) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// Events returns the events delivered successfully, in delivery order.
func (p *Provider) Events() []event.TrackingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.TrackingEvent(nil), p.events...)
}

// Users returns identified users and their traits.
func (p *Provider) Users() map[string]map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[string]any, len(p.users))
	for id, traits := range p.users {
		out[id] = maps.Clone(traits)
	}
	return out
}

// TrackCalls returns how many times Track was invoked, failed calls included.
func (p *Provider) TrackCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trackCalls)
}

// TrackCallTimes returns the start time of every Track invocation.
func (p *Provider) TrackCallTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.trackCalls...)
}

func (p *Provider) IdentifyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identifyCalls
}

func (p *Provider) ResetCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetCalls
}

func (p *Provider) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// shouldFail must be called with p.mu held.
func (p *Provider) shouldFail() bool {
	if p.failNext > 0 {
		p.failNext--
		return true
	}
	return p.opts.FailureRate > 0 && rand.Float64() < p.opts.FailureRate
}

func (p *Provider) wait(ctx context.Context) error {
	if p.opts.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(p.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
