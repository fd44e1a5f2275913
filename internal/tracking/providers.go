package tracking

import (
	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/provider"
	"github.com/helicontrade/tracking/internal/provider/clickhouse"
	"github.com/helicontrade/tracking/internal/provider/ga4"
	"github.com/helicontrade/tracking/internal/provider/kafka"
	"github.com/helicontrade/tracking/internal/provider/mock"
	"github.com/helicontrade/tracking/internal/provider/posthog"
)

// FromConfig builds a fresh provider for every sub-config present in cfg.
func FromConfig(cfg config.TrackingConfig) []provider.Provider {
	var ps []provider.Provider
	if cfg.GoogleAnalytics != nil {
		ps = append(ps, ga4.New(*cfg.GoogleAnalytics, nil))
	}
	if cfg.PostHog != nil {
		ps = append(ps, posthog.New(*cfg.PostHog))
	}
	if cfg.Kafka != nil {
		ps = append(ps, kafka.New(*cfg.Kafka))
	}
	if cfg.ClickHouse != nil {
		ps = append(ps, clickhouse.New(*cfg.ClickHouse))
	}
	if cfg.Mock != nil {
		ps = append(ps, mock.FromConfig(*cfg.Mock))
	}
	return ps
}
