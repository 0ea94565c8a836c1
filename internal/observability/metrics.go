// ABOUTME: Prometheus metrics for sends, store latency and live delivery
// ABOUTME: Implements conversation.Observer on a private registry exposed through Handler

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/pairchat/internal/conversation"
)

// Metrics contains the pairchat Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent  *prometheus.CounterVec
	AppendSeconds prometheus.Histogram
	LiveSessions  prometheus.Gauge
	LiveChannels  prometheus.Gauge
	LiveDropped   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
}

// NewMetrics creates a private registry with Go and process collectors plus
// the pairchat metrics.
func NewMetrics() *Metrics {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_messages_sent_total",
				Help: "Send attempts by outcome (sent, ignored, failed)",
			},
			[]string{"status"},
		),
		AppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairchat_store_append_seconds",
			Help:    "Time to durably append one message",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_live_sessions",
			Help: "Open live sessions",
		}),
		LiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_live_channels",
			Help: "Conversations with a live broadcast channel",
		}),
		LiveDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_live_dropped_total",
				Help: "Live messages not delivered to a lagging subscriber, by overflow policy",
			},
			[]string{"policy"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	registry.MustRegister(
		m.MessagesSent,
		m.AppendSeconds,
		m.LiveSessions,
		m.LiveChannels,
		m.LiveDropped,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

var _ conversation.Observer = (*Metrics)(nil)

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MessageSent counts one Send outcome by status.
func (m *Metrics) MessageSent(status conversation.SendStatus) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(string(status)).Inc()
}

// AppendDuration observes how long a durable append took.
func (m *Metrics) AppendDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.AppendSeconds.Observe(d.Seconds())
}

// SessionOpened increments the live subscriber gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

// SessionClosed decrements the live subscriber gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

// MessagesDropped counts live messages discarded under policy.
func (m *Metrics) MessagesDropped(policy conversation.OverflowPolicy, n int) {
	if m == nil {
		return
	}
	m.LiveDropped.WithLabelValues(string(policy)).Add(float64(n))
}

// ChannelsOpen sets the number of open conversation channels.
func (m *Metrics) ChannelsOpen(n int) {
	if m == nil {
		return
	}
	m.LiveChannels.Set(float64(n))
}

// RequestServed counts one HTTP response.
func (m *Metrics) RequestServed(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
