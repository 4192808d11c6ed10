// Package metrics exposes the core's operational counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/usecase"
)

// Collector records submissions, conflicts and rollbacks on its own registry.
type Collector struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	conflicts   *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
}

var _ usecase.Recorder = (*Collector)(nil)

func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "chatcrm"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submitted candidate actions by kind, status and error kind.",
		}, []string{"kind", "status", "error_kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time from submission to recorded outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"status"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic version checks lost, by action kind.",
		}, []string{"kind"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback requests by outcome.",
		}, []string{"result"}),
	}
}

func (c *Collector) ObserveSubmission(kind string, status domain.ExecutionStatus, errorKind domain.ErrorCode, elapsed time.Duration) {
	label := string(status)
	if label == "" {
		label = "error"
	}
	c.submissions.WithLabelValues(kind, label, string(errorKind)).Inc()
	c.latency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveConflict(kind string) {
	c.conflicts.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveRollback(result string) {
	c.rollbacks.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
}
