package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds respgate's Prometheus metrics. The server's heartbeat loop
// updates the health, remaining-quota and heartbeat collectors; the request
// count and latency collectors are registered but nothing updates them.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestLatencyMS    *prometheus.HistogramVec
	ProviderHealthState *prometheus.GaugeVec // 0=unhealthy/cooldown, 1=healthy
	QuotaRemaining      *prometheus.GaugeVec
	HeartbeatTotal      prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "respgate_requests_total",
			Help: "Total forwarded requests, by provider and outcome",
		}, []string{"provider", "status"}),
		RequestLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "respgate_request_latency_ms",
			Help:    "Upstream request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider"}),
		ProviderHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "respgate_provider_health_state",
			Help: "Provider routability (1=healthy, 0=in cooldown)",
		}, []string{"provider"}),
		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "respgate_quota_remaining",
			Help: "Last-known remaining quota for a provider, in the provider's own units",
		}, []string{"provider"}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "respgate_heartbeat_total",
			Help: "Incremented on a fixed interval; external monitors alert if it stalls",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatencyMS, m.ProviderHealthState, m.QuotaRemaining, m.HeartbeatTotal)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
