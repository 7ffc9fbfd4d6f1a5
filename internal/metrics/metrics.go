// ABOUTME: Prometheus counters for forwarding and send outcomes.
// ABOUTME: Uses a private registry so test instances never collide.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Forwarded       *prometheus.CounterVec
	ForwardFailures *prometheus.CounterVec
	DedupeDrops     *prometheus.CounterVec
	FilteredEvents  *prometheus.CounterVec
	APISends        prometheus.Counter
	APISendFailures prometheus.Counter
}

// New creates a metrics set backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_forwarded_total",
			Help: "Messages successfully forwarded to the CRM webhook, by direction.",
		}, []string{"direction"}),
		ForwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_forward_failures_total",
			Help: "Forwarding attempts that failed or found no webhook configured, by direction.",
		}, []string{"direction"}),
		DedupeDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dedupe_drops_total",
			Help: "Events dropped as duplicates, by direction.",
		}, []string{"direction"}),
		FilteredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_filtered_events_total",
			Help: "Group and broadcast events ignored before dedup, by direction.",
		}, []string{"direction"}),
		APISends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_api_sends_total",
			Help: "Messages submitted through the send API.",
		}),
		APISendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_api_send_failures_total",
			Help: "Send API submissions that failed after all retries.",
		}),
	}

	registry.MustRegister(
		m.Forwarded,
		m.ForwardFailures,
		m.DedupeDrops,
		m.FilteredEvents,
		m.APISends,
		m.APISendFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
