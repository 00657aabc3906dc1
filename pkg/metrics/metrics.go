// Package metrics holds the Prometheus collectors of the ingestion and automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskflow"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	updatesProcessed *prometheus.CounterVec
	updatesSkipped   *prometheus.CounterVec
	pollErrors       *prometheus.CounterVec
	pollersRunning   prometheus.Gauge

	stepsExecuted *prometheus.CounterVec
	logsFinished  *prometheus.CounterVec
	runDuration   prometheus.Histogram

	triggersFired   *prometheus.CounterVec
	schedulerSweeps prometheus.Counter
	logsResumed     prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		updatesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_processed_total",
			Help:      "Channel updates handed off to the trigger matcher",
		}, []string{"channel_id"}),
		updatesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_skipped_total",
			Help:      "Channel updates skipped because they could not be normalized",
		}, []string{"channel_id"}),
		pollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed poll cycles",
		}, []string{"channel_id"}),
		pollersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pollers_running",
			Help:      "Channel pollers currently running",
		}),
		stepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Automation steps executed",
		}, []string{"step_type"}),
		logsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_logs_finished_total",
			Help:      "Executor invocations by the status they left the log in",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_run_duration_seconds",
			Help:      "Duration of executor invocations",
			Buckets:   prometheus.DefBuckets,
		}),
		triggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Automation logs started by trigger kind",
		}, []string{"trigger_kind"}),
		schedulerSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_sweeps_total",
			Help:      "Resumption scheduler ticks",
		}),
		logsResumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_logs_resumed_total",
			Help:      "Logs re-entered by the resumption scheduler",
		}),
	}
}

func (m *Metrics) UpdateProcessed(channelID string) {
	if m == nil {
		return
	}

	m.updatesProcessed.WithLabelValues(channelID).Inc()
}

func (m *Metrics) UpdateSkipped(channelID string) {
	if m == nil {
		return
	}

	m.updatesSkipped.WithLabelValues(channelID).Inc()
}

func (m *Metrics) PollError(channelID string) {
	if m == nil {
		return
	}

	m.pollErrors.WithLabelValues(channelID).Inc()
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}

	m.pollersRunning.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}

	m.pollersRunning.Dec()
}

func (m *Metrics) StepExecuted(stepType string) {
	if m == nil {
		return
	}

	m.stepsExecuted.WithLabelValues(stepType).Inc()
}

func (m *Metrics) RunFinished(status string, seconds float64) {
	if m == nil {
		return
	}

	m.logsFinished.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

func (m *Metrics) TriggerFired(kind string) {
	if m == nil {
		return
	}

	m.triggersFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) SchedulerSwept(resumed int) {
	if m == nil {
		return
	}

	m.schedulerSweeps.Inc()
	m.logsResumed.Add(float64(resumed))
}
