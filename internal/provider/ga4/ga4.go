// Package ga4 delivers events to Google Analytics 4 through the Measurement Protocol.
package ga4

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/provider"
)

const (
	DefaultEndpoint = "https://www.google-analytics.com"
	DebugEndpoint   = "https://www.google-analytics.com/debug"

	anonymousClientID = "anonymous"
)

// Provider sends one Measurement Protocol request per Track or Identify call.
type Provider struct {
	cfg        config.GoogleAnalyticsConfig
	httpClient *http.Client

	mu          sync.RWMutex
	initialized bool
	collectURL  string
}

// New creates the provider. A nil client gets a default one.
func New(cfg config.GoogleAnalyticsConfig, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{cfg: cfg, httpClient: client}
}

func (p *Provider) Name() string { return provider.NameGoogleAnalytics }

func (p *Provider) Initialize(ctx context.Context) error {
	if p.cfg.MeasurementID == "" {
		return provider.Missing(provider.NameGoogleAnalytics, "measurement_id")
	}
	if p.cfg.APISecret == "" {
		return provider.Missing(provider.NameGoogleAnalytics, "api_secret")
	}

	base := p.cfg.Endpoint
	if base == "" {
		base = DefaultEndpoint
		if p.cfg.Debug {
			base = DebugEndpoint
		}
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/mp/collect")
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &provider.ConfigurationError{Provider: provider.NameGoogleAnalytics, Field: "endpoint", Reason: fmt.Sprintf("invalid URL %q", base)}
	}
	q := u.Query()
	q.Set("measurement_id", p.cfg.MeasurementID)
	q.Set("api_secret", p.cfg.APISecret)
	u.RawQuery = q.Encode()

	p.mu.Lock()
	p.collectURL = u.String()
	p.initialized = true
	p.mu.Unlock()

	log.Debug().Str("provider", provider.NameGoogleAnalytics).Bool("debug", p.cfg.Debug).Msg("Provider initialized")
	return nil
}

func (p *Provider) Track(ctx context.Context, ev event.TrackingEvent) error {
	target, ok := p.target()
	if !ok {
		return provider.ErrNotInitialized
	}
	return p.send(ctx, target, "track", ev.ID, buildPayload(ev))
}

// Identify sends the traits as user properties alongside a single identify event.
func (p *Provider) Identify(ctx context.Context, userID string, traits map[string]any) error {
	target, ok := p.target()
	if !ok {
		return provider.ErrNotInitialized
	}

	pl := payload{
		ClientID:        userID,
		UserID:          userID,
		TimestampMicros: time.Now().UnixMicro(),
		Events:          []mpEvent{{Name: "identify", Params: map[string]any{}}},
	}
	if len(traits) > 0 {
		pl.UserProperties = make(map[string]userProperty, len(traits))
		for k, v := range traits {
			pl.UserProperties[k] = userProperty{Value: v}
		}
	}
	return p.send(ctx, target, "identify", "", pl)
}

func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.initialized = false
	p.collectURL = ""
	p.mu.Unlock()

	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *Provider) target() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collectURL, p.initialized
}

func (p *Provider) send(ctx context.Context, target, op, eventID string, pl payload) error {
	fail := func(status int, err error) error {
		return &provider.DeliveryError{Provider: provider.NameGoogleAnalytics, Op: op, EventID: eventID, StatusCode: status, Err: err}
	}

	body, err := json.Marshal(pl)
	if err != nil {
		return fail(0, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", bytes.TrimSpace(respBody)))
	}

	if p.cfg.Debug {
		logValidation(eventID, respBody)
	}
	return nil
}

type validationResponse struct {
	ValidationMessages []struct {
		FieldPath      string `json:"fieldPath"`
		Description    string `json:"description"`
		ValidationCode string `json:"validationCode"`
	} `json:"validationMessages"`
}

func logValidation(eventID string, body []byte) {
	if len(body) == 0 {
		return
	}
	var vr validationResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		log.Debug().Err(err).Str("event_id", eventID).Msg("GA4 debug response not decodable")
		return
	}
	if len(vr.ValidationMessages) == 0 {
		log.Debug().Str("event_id", eventID).Msg("GA4 payload valid")
		return
	}
	for _, m := range vr.ValidationMessages {
		log.Warn().
			Str("provider", provider.NameGoogleAnalytics).
			Str("event_id", eventID).
			Str("field", m.FieldPath).
			Str("code", m.ValidationCode).
			Msg(m.Description)
	}
}
