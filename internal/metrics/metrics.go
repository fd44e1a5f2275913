// Package metrics exposes Prometheus collectors for the tracking pipeline and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	eventsEnqueued   prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retries          prometheus.Counter
	eventsDropped    prometheus.Counter
	queueDepth       prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		eventsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracking_events_enqueued_total",
				Help: "Total number of events accepted into the delivery queue",
			},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_deliveries_total",
				Help: "Total number of provider track calls by outcome",
			},
			[]string{"provider", "outcome"},
		),

		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracking_delivery_duration_seconds",
				Help:    "Provider track call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracking_retries_total",
				Help: "Total number of dispatch retry attempts",
			},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracking_events_dropped_total",
				Help: "Total number of events dropped after exhausting retries",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracking_queue_depth",
				Help: "Number of events waiting in the delivery queue",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracking_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.eventsEnqueued,
		m.deliveries,
		m.deliveryDuration,
		m.retries,
		m.eventsDropped,
		m.queueDepth,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordEnqueued records an accepted event and the resulting queue depth.
func (m *Metrics) RecordEnqueued(depth int) {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordDelivery records one provider track call.
func (m *Metrics) RecordDelivery(provider string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.deliveries.WithLabelValues(provider, outcome).Inc()
	m.deliveryDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request count and latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
