package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
}

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SessionCookie   string        `yaml:"session_cookie"`
	// Requests whose path starts with one of these are not tracked.
	SkipPrefixes []string `yaml:"skip_prefixes"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TrackingConfig drives the tracking service. A nil provider section means
// that provider is not registered.
type TrackingConfig struct {
	Enabled         bool                   `yaml:"enabled"`
	GoogleAnalytics *GoogleAnalyticsConfig `yaml:"google_analytics"`
	PostHog         *PostHogConfig         `yaml:"posthog"`
	Kafka           *KafkaConfig           `yaml:"kafka"`
	ClickHouse      *ClickHouseConfig      `yaml:"clickhouse"`
	Mock            *MockConfig            `yaml:"mock"`
	Options         OptionsConfig          `yaml:"options"`
}

type GoogleAnalyticsConfig struct {
	MeasurementID string `yaml:"measurement_id"`
	APISecret     string `yaml:"api_secret"`
	Debug         bool   `yaml:"debug"`
	// Endpoint overrides the Measurement Protocol base URL.
	Endpoint string `yaml:"endpoint"`
}

type PostHogConfig struct {
	APIKey             string `yaml:"api_key"`
	Host               string `yaml:"host"`
	EnableFeatureFlags bool   `yaml:"enable_feature_flags"`
	PersonalAPIKey     string `yaml:"personal_api_key"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ClickHouseConfig struct {
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Table       string        `yaml:"table"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type MockConfig struct {
	Latency     time.Duration `yaml:"latency"`
	FailureRate float64       `yaml:"failure_rate"`
}

type OptionsConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	Debug           bool          `yaml:"debug"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RetryFailedOnly bool          `yaml:"retry_failed_only"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type ConsumerConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Defaults for tracking options.
const (
	DefaultBatchSize      = 10
	DefaultMaxRetries     = 3
	DefaultAttemptTimeout = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 10 * time.Second
	DefaultPostHogHost    = "https://us.i.posthog.com"
)

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.Tracking.normalize()
	cfg.Consumer.Brokers = compact(cfg.Consumer.Brokers)

	// Set defaults
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.SessionCookie == "" {
		cfg.Server.SessionCookie = "hc_sid"
	}
	if cfg.Server.SkipPrefixes == nil {
		cfg.Server.SkipPrefixes = []string{"/v1/", "/health", "/metrics", "/_nuxt/"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.Consumer.GroupID == "" {
		cfg.Consumer.GroupID = "tracking-relay"
	}
	cfg.Tracking.Options = cfg.Tracking.Options.WithDefaults()

	return &cfg, nil
}

// WithDefaults returns o with zero values replaced by the defaults.
func (o OptionsConfig) WithDefaults() OptionsConfig {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	return o
}

// normalize drops provider sections whose required fields are all empty,
// which is what a section of unset ${VARS} expands to. Partially filled
// sections are kept so the provider reports what is missing.
func (t *TrackingConfig) normalize() {
	if ga := t.GoogleAnalytics; ga != nil && ga.MeasurementID == "" && ga.APISecret == "" {
		t.GoogleAnalytics = nil
	}
	if ph := t.PostHog; ph != nil {
		if ph.APIKey == "" {
			t.PostHog = nil
		} else if ph.Host == "" {
			ph.Host = DefaultPostHogHost
		}
	}
	if k := t.Kafka; k != nil {
		k.Brokers = compact(k.Brokers)
		if len(k.Brokers) == 0 && k.Topic == "" {
			t.Kafka = nil
		}
	}
	if ch := t.ClickHouse; ch != nil {
		if ch.Addr == "" {
			t.ClickHouse = nil
		} else {
			if ch.Database == "" {
				ch.Database = "default"
			}
			if ch.Table == "" {
				ch.Table = "tracking_events"
			}
		}
	}
}

// compact splits comma separated entries and drops empty ones, so both
// `brokers: ["${KAFKA_BROKERS}"]` and a YAML list work.
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
