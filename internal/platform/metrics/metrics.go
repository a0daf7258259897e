package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the resolution and
// delivery pipeline.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	resolvesTotal      prometheus.Counter
	resolveErrors      prometheus.Counter
	refinementsTotal   prometheus.Counter
	relayTransfers     prometheus.Counter
	relayErrors        prometheus.Counter
	activeRelayEntries prometheus.Gauge
	errorsTotal        prometheus.Counter
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	resolvesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_resolves_total",
		Help: "Total number of source URL resolutions attempted",
	})
	resolveErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_resolve_errors_total",
		Help: "Total number of failed source URL resolutions",
	})
	refinementsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_refinements_total",
		Help: "Total number of query refinements that reached a provider",
	})
	relayTransfers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_relay_transfers_total",
		Help: "Total number of relay transfers started",
	})
	relayErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_relay_errors_total",
		Help: "Total number of relay transfers that ended in an error",
	})
	activeRelayEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexstream_active_relay_entries",
		Help: "Number of live chunk-relay entries",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexstream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		resolvesTotal,
		resolveErrors,
		refinementsTotal,
		relayTransfers,
		relayErrors,
		activeRelayEntries,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		resolvesTotal:      resolvesTotal,
		resolveErrors:      resolveErrors,
		refinementsTotal:   refinementsTotal,
		relayTransfers:     relayTransfers,
		relayErrors:        relayErrors,
		activeRelayEntries: activeRelayEntries,
		errorsTotal:        errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncResolves increments the resolution attempt counter.
func (m *Metrics) IncResolves() {
	m.resolvesTotal.Inc()
}

// IncResolveErrors increments the failed resolution counter.
func (m *Metrics) IncResolveErrors() {
	m.resolveErrors.Inc()
}

// IncRefinements increments the provider-backed refinement counter.
func (m *Metrics) IncRefinements() {
	m.refinementsTotal.Inc()
}

// IncRelayTransfers increments the started transfer counter.
func (m *Metrics) IncRelayTransfers() {
	m.relayTransfers.Inc()
}

// IncRelayErrors increments the failed transfer counter.
func (m *Metrics) IncRelayErrors() {
	m.relayErrors.Inc()
}

// SetActiveRelayEntries sets the live relay entry gauge.
func (m *Metrics) SetActiveRelayEntries(n int) {
	m.activeRelayEntries.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active relay entries).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
