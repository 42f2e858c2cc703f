// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	Requests          *prometheus.CounterVec
	DatabaseState     prometheus.Gauge
}

// New registers the collectors on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rentwatch",
			Name:      "http_active_connections",
			Help:      "Open client connections tracked for shutdown.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentwatch",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		DatabaseState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rentwatch",
			Name:      "mongo_connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.Requests,
		m.DatabaseState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
