// Package provider defines the contract every analytics backend adapter implements.
//
// A provider translates the generic event into its backend's wire format and performs
// exactly one delivery per call. Providers never retry; the tracking service owns retry.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/helicontrade/tracking/internal/event"
)

// Provider is an analytics backend adapter.
//
// Initialize must be called exactly once before Track or Identify; both return
// ErrNotInitialized otherwise. Reset releases held resources, is safe on an
// uninitialized provider, and leaves the instance unusable.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	Track(ctx context.Context, ev event.TrackingEvent) error
	Identify(ctx context.Context, userID string, traits map[string]any) error
	Reset(ctx context.Context) error
}

// Stable provider names.
const (
	NameGoogleAnalytics = "google_analytics"
	NamePostHog         = "posthog"
	NameKafka           = "kafka"
	NameClickHouse      = "clickhouse"
	NameMock            = "mock"
)

// ErrNotInitialized is returned by operations called before Initialize or after Reset.
var ErrNotInitialized = errors.New("provider not initialized")

// ConfigurationError reports a missing or malformed configuration field.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration %s: %s", e.Provider, e.Field, e.Reason)
}

// DeliveryError reports a failed Track or Identify call.
type DeliveryError struct {
	Provider   string
	Op         string
	EventID    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s: %s failed", e.Provider, e.Op)
	if e.EventID != "" {
		msg += " for event " + e.EventID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Missing is a shorthand for a required-field ConfigurationError.
func Missing(providerName, field string) error {
	return &ConfigurationError{Provider: providerName, Field: field, Reason: "required"}
}
