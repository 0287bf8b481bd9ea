package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's Prometheus collectors. Each instance owns its
// own registry so tests can build as many as they like.
//
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	fetchFailures prometheus.Counter
	jobs          *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	liveJobs      prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remindcal",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remindcal",
			Name:      "fetch_failures_total",
			Help:      "Poll cycles whose event fetch failed.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remindcal",
			Name:      "jobs_total",
			Help:      "Reminder job transitions by kind (scheduled, rescheduled, dropped, cancelled, fired).",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remindcal",
			Name:      "deliveries_total",
			Help:      "Reminder deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		liveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remindcal",
			Name:      "live_jobs",
			Help:      "Scheduled reminder jobs that have not fired yet.",
		}),
	}
	m.registry.MustRegister(m.cycles, m.fetchFailures, m.jobs, m.deliveries, m.liveJobs)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleDone(fetchFailed bool) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	if fetchFailed {
		m.fetchFailures.Inc()
	}
}

func (m *Metrics) Job(kind string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SetLiveJobs(n int) {
	if m == nil {
		return
	}
	m.liveJobs.Set(float64(n))
}
