package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics collects reference backend counters. A nil *ServerMetrics is
// valid and records nothing.
type ServerMetrics struct {
	Requests        *prometheus.CounterVec
	PushConnections prometheus.Gauge
	PublishedEvents *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

// NewServerMetrics constructs and registers the backend collectors.
func NewServerMetrics(registerer prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by route and status.",
		}, []string{"method", "route", "status"}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "open_connections",
			Help:      "Open push websocket connections.",
		}),
		PublishedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "published_events_total",
			Help:      "Message events fanned out to subscribers.",
		}, []string{"type"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Mutating requests rejected by the per-user limiter.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.Requests, m.PushConnections, m.PublishedEvents, m.RateLimited)
	}
	return m
}

// RequestHandled counts one HTTP request.
func (m *ServerMetrics) RequestHandled(method, route string, status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// ConnectionOpened increments the open push connection gauge.
func (m *ServerMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.PushConnections.Inc()
}

// ConnectionClosed decrements the open push connection gauge.
func (m *ServerMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.PushConnections.Dec()
}

// EventPublished counts one fanned out event.
func (m *ServerMetrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.PublishedEvents.WithLabelValues(eventType).Inc()
}

// RequestRateLimited counts one limiter rejection.
func (m *ServerMetrics) RequestRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
