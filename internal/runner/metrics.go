package runner

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	jobsTotal         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	activeJobs        prometheus.Gauge
	questionsTotal    *prometheus.CounterVec
	generatorDuration *prometheus.HistogramVec
}

// NewMetrics registers the runner collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_runner_jobs_total",
			Help: "Total jobs run by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqa_runner_job_duration_seconds",
			Help:    "Wall-clock duration of each job run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docqa_runner_active_jobs",
			Help: "Jobs currently being processed.",
		}),
		questionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_runner_questions_total",
			Help: "Answered questions by answer source.",
		}, []string{"source"}),
		generatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqa_runner_generator_duration_seconds",
			Help:    "Latency of generator calls by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.questionsTotal,
		m.generatorDuration,
	)
	return m
}
