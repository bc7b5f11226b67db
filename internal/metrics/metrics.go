// Package metrics exposes build and validation counters on a private
// prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dockgen"

type Metrics struct {
	registry *prometheus.Registry

	validations   *prometheus.CounterVec
	fallbacks     prometheus.Counter
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Dockerfile validations by verdict.",
		}, []string{"verdict"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Builds that replaced the submitted recipe with a template.",
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished build attempts by outcome, path and failure kind.",
		}, []string{"outcome", "path", "failure_kind"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of build attempts.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Generation records waiting for a worker.",
		}),
	}
	m.registry.MustRegister(
		m.validations,
		m.fallbacks,
		m.builds,
		m.buildDuration,
		m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveValidation(valid bool) {
	if m == nil {
		return
	}
	verdict := "invalid"
	if valid {
		verdict = "valid"
	}
	m.validations.WithLabelValues(verdict).Inc()
}

func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// ObserveBuild records one finished attempt. failureKind is empty on success.
func (m *Metrics) ObserveBuild(success, fallback bool, failureKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if failureKind == "" {
		failureKind = "none"
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	path := "direct"
	if fallback {
		path = "fallback"
	}
	m.builds.WithLabelValues(outcome, path, failureKind).Inc()
	m.buildDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
