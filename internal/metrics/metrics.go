// Package metrics holds the Prometheus collectors for the LTI Tool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private registry plus the Tool's collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	logins        *prometheus.CounterVec
	launches      *prometheus.CounterVec
	registrations *prometheus.CounterVec
	keySetFetches *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "OIDC login initiations by platform vendor and result.",
		}, []string{"vendor", "result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Launch verifications by result (ok or failure reason).",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Dynamic registrations by result.",
		}, []string{"result"}),
		keySetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyset_fetches_total",
			Help:      "Platform key set fetches by result.",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins, m.launches, m.registrations, m.keySetFetches, m.httpDuration,
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Login(vendor, result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) Launch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// KeySetFetch matches the keyset.Cache OnFetch hook.
func (m *Metrics) KeySetFetch(_ string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keySetFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, code).Observe(d.Seconds())
}
