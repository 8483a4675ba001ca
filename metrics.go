package browserq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the queue and workers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	JobsEnqueuedTotal  *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	LeasesRecovered    *prometheus.CounterVec
	JobsInFlight       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserq_jobs_enqueued_total",
				Help: "Jobs accepted by the queue",
			},
			[]string{"type"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserq_jobs_completed_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"type", "success"},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browserq_job_duration_seconds",
				Help:    "Job execution time",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"type"},
		),
		LeasesRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserq_leases_recovered_total",
				Help: "Expired leases handled by recovery",
			},
			[]string{"outcome"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserq_jobs_in_flight",
				Help: "Jobs currently executing in this process",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsEnqueuedTotal,
			m.JobsCompletedTotal,
			m.JobDurationSeconds,
			m.LeasesRecovered,
			m.JobsInFlight,
		)
	}
	return m
}

func (m *Metrics) jobEnqueued(t JobType) {
	if m == nil {
		return
	}
	m.JobsEnqueuedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) jobCompleted(t JobType, success bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "true"
	if !success {
		label = "false"
	}
	m.JobsCompletedTotal.WithLabelValues(string(t), label).Inc()
	m.JobDurationSeconds.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) leasesRecovered(requeued, failed int) {
	if m == nil {
		return
	}
	m.LeasesRecovered.WithLabelValues("requeued").Add(float64(requeued))
	m.LeasesRecovered.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(delta)
}
