// Package event defines the trackable occurrences delivered to analytics providers.
//
// A TrackingEvent carries exactly one Properties variant, and the variant decides the
// event name. Events are built once by New (or decoded from JSON) and then passed by
// value; nothing in this module mutates an event after construction.
package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Name identifies the kind of event.
type Name string

const (
	NamePageView          Name = "page_view"
	NameSymbolInteraction Name = "symbol_interaction"
	NameError             Name = "error"
	NamePerformance       Name = "performance"
)

// Known reports whether n is one of the fixed event names.
func (n Name) Known() bool {
	switch n {
	case NamePageView, NameSymbolInteraction, NameError, NamePerformance:
		return true
	}
	return false
}

// Source tells where the event originated.
type Source string

const (
	SourceWeb    Source = "web"
	SourceAPI    Source = "api"
	SourceSystem Source = "system"
)

func (s Source) valid() bool {
	return s == SourceWeb || s == SourceAPI || s == SourceSystem
}

// Properties is the variant-specific payload of an event.
// Implemented by PageView, SymbolInteraction, Exception, Performance and Custom.
type Properties interface {
	EventName() Name
	// Fields returns the payload as a generic map keyed like the JSON encoding.
	Fields() map[string]any
	validate() error
}

// Context describes the client that caused the event. Filled by the enricher.
type Context struct {
	UserAgent      string `json:"userAgent,omitempty"`
	IP             string `json:"ip,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	Country        string `json:"country,omitempty"`
	City           string `json:"city,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// TrackingEvent is one immutable record destined for the analytics providers.
type TrackingEvent struct {
	ID         string
	Timestamp  time.Time
	UserID     string
	SessionID  string
	Source     Source
	Context    *Context
	Properties Properties
}

// Name returns the event name derived from the properties variant.
func (e TrackingEvent) Name() Name {
	if e.Properties == nil {
		return ""
	}
	return e.Properties.EventName()
}

// Option customizes an event built by New.
type Option func(*TrackingEvent)

// WithUserID sets the acting user.
func WithUserID(id string) Option {
	return func(e *TrackingEvent) { e.UserID = id }
}

// WithSessionID sets the browsing session.
func WithSessionID(id string) Option {
	return func(e *TrackingEvent) { e.SessionID = id }
}

// WithSource overrides the default web source.
func WithSource(s Source) Option {
	return func(e *TrackingEvent) { e.Source = s }
}

// WithContext attaches client context. The value is copied.
func WithContext(c Context) Option {
	return func(e *TrackingEvent) { e.Context = &c }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(t time.Time) Option {
	return func(e *TrackingEvent) { e.Timestamp = t.UTC() }
}

// New builds an event with a fresh ID and the current time.
func New(props Properties, opts ...Option) TrackingEvent {
	if c, ok := props.(Custom); ok {
		c.Values = maps.Clone(c.Values)
		props = c
	}

	e := TrackingEvent{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Source:     SourceWeb,
		Properties: props,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Complete fills an ID, timestamp and source on events decoded from clients
// that omitted them. Fields already set are kept.
func Complete(e TrackingEvent, source Source) TrackingEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = source
	}
	return e
}
