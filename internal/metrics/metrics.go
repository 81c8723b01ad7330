package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the delivery engine
type Metrics struct {
	// Delivery counters
	TasksSentTotal    *prometheus.CounterVec
	TasksFailedTotal  *prometheus.CounterVec
	TasksSkippedTotal prometheus.Counter
	AttemptsTotal     *prometheus.CounterVec
	FailoversTotal    *prometheus.CounterVec

	// Admission
	JobsSubmittedTotal   *prometheus.CounterVec
	QuotaRejectionsTotal *prometheus.CounterVec
	ControlRequestsTotal *prometheus.CounterVec

	// Engine gauges
	JobsActive    prometheus.Gauge
	WorkersBusy   prometheus.Gauge
	TasksInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all engine metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TasksSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_tasks_sent_total",
				Help: "Total number of recipient tasks delivered successfully",
			},
			[]string{"provider"},
		),
		TasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_tasks_failed_total",
				Help: "Total number of recipient tasks that failed terminally",
			},
			[]string{"provider", "kind"},
		),
		TasksSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsage_tasks_skipped_total",
				Help: "Total number of recipient tasks skipped due to job stop",
			},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_delivery_attempts_total",
				Help: "Total delivery attempts, including retries",
			},
			[]string{"provider"},
		),
		FailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_provider_failovers_total",
				Help: "Total provider failovers after transient failures",
			},
			[]string{"from_provider"},
		),
		JobsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_jobs_submitted_total",
				Help: "Total jobs accepted at admission",
			},
			[]string{"kind"},
		),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_quota_rejections_total",
				Help: "Total submissions rejected by the quota ledger",
			},
			[]string{"scope"},
		),
		ControlRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_control_requests_total",
				Help: "Total pause/resume/stop control requests",
			},
			[]string{"action", "result"},
		),
		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_jobs_active",
				Help: "Jobs currently queued, processing or paused",
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_workers_busy",
				Help: "Workers currently executing a recipient task",
			},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_tasks_in_flight",
				Help: "Recipient tasks dispatched but not yet finished",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.TasksSentTotal,
		m.TasksFailedTotal,
		m.TasksSkippedTotal,
		m.AttemptsTotal,
		m.FailoversTotal,
		m.JobsSubmittedTotal,
		m.QuotaRejectionsTotal,
		m.ControlRequestsTotal,
		m.JobsActive,
		m.WorkersBusy,
		m.TasksInFlight,
	)
	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler returns the HTTP handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
