package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exposed by a Broker. A nil
// *Metrics is valid wherever the Broker accepts one; every recording
// method is a no-op on a nil receiver. Handler needs a non-nil *Metrics.
type Metrics struct {
	registry          *prometheus.Registry
	channelsActive    prometheus.Gauge
	subscribersTotal  prometheus.Gauge
	portsLeased       prometheus.Gauge
	teardownsTotal    *prometheus.CounterVec
	starts            prometheus.Counter
}

// NewMetrics creates and registers the broker's Prometheus instruments
// against a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	channelsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_channels_active",
		Help: "Number of channels currently present in the registry",
	})
	subscribersTotal := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_subscribers_total",
		Help: "Number of subscribers currently attached across all channels",
	})
	portsLeased := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ports_leased",
		Help: "Number of loopback ports currently leased",
	})
	teardownsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_teardowns_total",
		Help: "Total number of channel teardowns, by reason",
	}, []string{"reason"})
	starts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_starts_total",
		Help: "Total number of Start calls, including dedup hits",
	})

	registry.MustRegister(channelsActive, subscribersTotal, portsLeased, teardownsTotal, starts)

	return &Metrics{
		registry:         registry,
		channelsActive:   channelsActive,
		subscribersTotal: subscribersTotal,
		portsLeased:      portsLeased,
		teardownsTotal:   teardownsTotal,
		starts:           starts,
	}
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format, refreshing the gauges from the live broker state
// just before each scrape.
func (m *Metrics) Handler(refresh func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func (m *Metrics) recordStart() {
	if m == nil {
		return
	}
	m.starts.Inc()
}

func (m *Metrics) recordTeardown(reason string) {
	if m == nil {
		return
	}
	m.teardownsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) setGauges(channels, subscribers, ports int) {
	if m == nil {
		return
	}
	m.channelsActive.Set(float64(channels))
	m.subscribersTotal.Set(float64(subscribers))
	m.portsLeased.Set(float64(ports))
}
