package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	queueLatency prometheus.Histogram
	busySlots    prometheus.Gauge
}

// NewMetrics builds a registry carrying the Go and process collectors plus
// the worker task metrics. Other components register on Registry().
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_worker_tasks_total",
			Help: "Total generate tasks handled by outcome.",
		}, []string{"outcome"}),
		queueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docqa_worker_task_queue_latency_seconds",
			Help:    "Time between job creation and the start of its run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docqa_worker_busy_slots",
			Help: "Job slots currently occupied.",
		}),
	}

	registry.MustRegister(m.tasksTotal, m.queueLatency, m.busySlots)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
