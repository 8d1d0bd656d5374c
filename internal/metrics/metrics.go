// Package metrics exposes relay counters on a dedicated prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors updated by the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	pruned     prometheus.Counter
	fanout     prometheus.Histogram
	wsConns    prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Inbound messages handled, by response status code.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Per-recipient push outcomes.",
		}, []string{"outcome"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "pruned_connections_total",
			Help:      "Stale registry entries removed after a gone push.",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning one message out to all recipients.",
			Buckets:   prometheus.DefBuckets,
		}),
		wsConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_connections",
			Help:      "Open websocket connections on this process.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.deliveries,
		m.pruned,
		m.fanout,
		m.wsConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePrune() {
	if m == nil {
		return
	}
	m.pruned.Inc()
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.fanout.Observe(d.Seconds())
}

// ConnOpened and ConnClosed track the websocket gauge.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.wsConns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.wsConns.Dec()
}
