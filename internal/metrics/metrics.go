// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/probe"
)

const namespace = "abeslink"

// Recorder implements engine.Recorder on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	probes        *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	logins        *prometheus.CounterVec
	loginAttempts prometheus.Histogram
	loginLatency  prometheus.Histogram
	status        *prometheus.GaugeVec
	rejected      *prometheus.CounterVec
}

// New creates a Recorder with Go and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of completed probes by verdict",
			},
			[]string{"status", "failure"},
		),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Probe round-trip latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5},
		}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Total number of login runs by outcome",
			},
			[]string{"outcome"},
		),
		loginAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_attempts",
			Help:      "Submissions needed per login run",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		loginLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_duration_seconds",
			Help:      "Wall time of a login run including backoff",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "status",
				Help:      "Current connection status, 1 for the active one",
			},
			[]string{"status"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_rejected_total",
				Help:      "Probe or login requests rejected because the engine was busy",
			},
			[]string{"operation"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.probes, r.probeLatency,
		r.logins, r.loginAttempts, r.loginLatency,
		r.status, r.rejected,
	)
	for _, s := range portal.AllStatuses() {
		r.status.WithLabelValues(string(s)).Set(0)
	}
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ProbeCompleted(status portal.Status, failure probe.Failure, latency time.Duration) {
	f := string(failure)
	if f == "" {
		f = "none"
	}
	r.probes.WithLabelValues(string(status), f).Inc()
	if failure == probe.FailureNone {
		r.probeLatency.Observe(latency.Seconds())
	}
}

func (r *Recorder) LoginCompleted(outcome login.Outcome, attempts int, latency time.Duration) {
	r.logins.WithLabelValues(string(outcome)).Inc()
	r.loginAttempts.Observe(float64(attempts))
	r.loginLatency.Observe(latency.Seconds())
}

func (r *Recorder) StatusChanged(status portal.Status) {
	for _, s := range portal.AllStatuses() {
		v := 0.0
		if s == status {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
}

func (r *Recorder) RequestRejected(operation string) {
	r.rejected.WithLabelValues(operation).Inc()
}
