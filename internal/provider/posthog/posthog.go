// Package posthog delivers events through the PostHog Go SDK.
package posthog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ph "github.com/posthog/posthog-go"
	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

// ErrFeatureFlagsDisabled is returned by FeatureEnabled when enable_feature_flags is off.
var ErrFeatureFlagsDisabled = errors.New("posthog: feature flags disabled")

// client is the part of ph.Client the provider uses.
type client interface {
	Enqueue(ph.Message) error
	IsFeatureEnabled(ph.FeatureFlagPayload) (interface{}, error)
	Close() error
}

// Provider hands every call to the SDK, which flushes immediately.
type Provider struct {
	cfg       config.PostHogConfig
	newClient func(apiKey string, cfg ph.Config) (client, error)

	mu     sync.RWMutex
	client client
}

func New(cfg config.PostHogConfig) *Provider {
	return &Provider{
		cfg: cfg,
		newClient: func(apiKey string, c ph.Config) (client, error) {
			sdk, err := ph.NewWithConfig(apiKey, c)
			if err != nil {
				return nil, err
			}
			return sdk, nil
		},
	}
}

func (p *Provider) Name() string { return provider.NamePostHog }

func (p *Provider) Initialize(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return provider.Missing(provider.NamePostHog, "api_key")
	}
	host := p.cfg.Host
	if host == "" {
		host = config.DefaultPostHogHost
	}

	c, err := p.newClient(p.cfg.APIKey, ph.Config{
		Endpoint: host,
		// One message per request, sent as soon as it is enqueued.
		BatchSize:      1,
		Interval:       250 * time.Millisecond,
		PersonalApiKey: p.cfg.PersonalAPIKey,
		Callback:       callback{},
		Logger:         zerologAdapter{},
	})
	if err != nil {
		return &provider.ConfigurationError{Provider: provider.NamePostHog, Field: "host", Reason: err.Error()}
	}

	p.mu.Lock()
	p.client = c
	p.mu.Unlock()

	log.Debug().Str("provider", provider.NamePostHog).Str("host", host).Msg("Provider initialized")
	return nil
}

func (p *Provider) Track(ctx context.Context, ev event.TrackingEvent) error {
	c := p.current()
	if c == nil {
		return provider.ErrNotInitialized
	}

	if err := c.Enqueue(buildCapture(ev)); err != nil {
		return &provider.DeliveryError{Provider: provider.NamePostHog, Op: "track", EventID: ev.ID, Err: err}
	}
	return nil
}

func (p *Provider) Identify(ctx context.Context, userID string, traits map[string]any) error {
	c := p.current()
	if c == nil {
		return provider.ErrNotInitialized
	}

	props := ph.NewProperties()
	for k, v := range traits {
		props.Set(k, v)
	}
	err := c.Enqueue(ph.Identify{DistinctId: userID, Timestamp: time.Now().UTC(), Properties: props})
	if err != nil {
		return &provider.DeliveryError{Provider: provider.NamePostHog, Op: "identify", Err: err}
	}
	return nil
}

// Reset flushes pending messages and shuts the SDK client down.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("provider", provider.NamePostHog).Msg("Failed to close client")
	}
	return nil
}

// FeatureEnabled evaluates a feature flag for distinctID.
func (p *Provider) FeatureEnabled(ctx context.Context, key, distinctID string) (bool, error) {
	if !p.cfg.EnableFeatureFlags {
		return false, ErrFeatureFlagsDisabled
	}
	c := p.current()
	if c == nil {
		return false, provider.ErrNotInitialized
	}

	v, err := c.IsFeatureEnabled(ph.FeatureFlagPayload{Key: key, DistinctId: distinctID})
	if err != nil {
		return false, fmt.Errorf("posthog: evaluate flag %s: %w", key, err)
	}
	enabled, _ := v.(bool)
	return enabled, nil
}

func (p *Provider) current() client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// callback logs deliveries the SDK completes in the background.
type callback struct{}

func (callback) Success(msg ph.APIMessage) {
	log.Debug().Str("provider", provider.NamePostHog).Msg("Message delivered")
}

func (callback) Failure(msg ph.APIMessage, err error) {
	log.Error().Err(err).Str("provider", provider.NamePostHog).Msg("Message delivery failed")
}

type zerologAdapter struct{}

func (zerologAdapter) Debugf(format string, args ...interface{}) {
	log.Debug().Str("provider", provider.NamePostHog).Msgf(format, args...)
}

func (zerologAdapter) Logf(format string, args ...interface{}) {
	log.Info().Str("provider", provider.NamePostHog).Msgf(format, args...)
}

func (zerologAdapter) Warnf(format string, args ...interface{}) {
	log.Warn().Str("provider", provider.NamePostHog).Msgf(format, args...)
}

func (zerologAdapter) Errorf(format string, args ...interface{}) {
	log.Error().Str("provider", provider.NamePostHog).Msgf(format, args...)
}
