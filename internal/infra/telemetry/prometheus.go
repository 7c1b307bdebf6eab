package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"toolgate/internal/domain"
)

type PrometheusMetrics struct {
	probeDuration      *prometheus.HistogramVec
	catalogBuilds      *prometheus.CounterVec
	catalogBuildTime   prometheus.Histogram
	catalogTools       prometheus.Gauge
	invocationDuration *prometheus.HistogramVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_probe_duration_seconds",
				Help:    "Duration of upstream discovery probes in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind", "status"},
		),
		catalogBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_catalog_builds_total",
				Help: "Total number of catalog rebuilds",
			},
			[]string{"status"},
		),
		catalogBuildTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolgate_catalog_build_duration_seconds",
				Help:    "Duration of full catalog rebuilds in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		catalogTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_catalog_tools",
				Help: "Number of tools in the current catalog snapshot",
			},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_invocation_duration_seconds",
				Help:    "Duration of dispatched tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source", "decision", "outcome"},
		),
	}
}

func (p *PrometheusMetrics) ObserveProbe(kind domain.OwnerKind, status domain.ProbeStatus, duration time.Duration) {
	p.probeDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveCatalogBuild(toolCount int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.catalogBuilds.WithLabelValues(status).Inc()
	p.catalogBuildTime.Observe(duration.Seconds())
	if err == nil {
		p.catalogTools.Set(float64(toolCount))
	}
}

func (p *PrometheusMetrics) ObserveInvocation(source domain.SourceType, decision domain.Mode, ok bool, duration time.Duration) {
	outcome := "error"
	if ok {
		outcome = "success"
	}
	label := string(decision)
	if label == "" {
		label = "none"
	}
	p.invocationDuration.WithLabelValues(string(source), label, outcome).Observe(duration.Seconds())
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
