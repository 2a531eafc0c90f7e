package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	drawingWorker = "drawing_worker"

	// Job metrics
	jobsFinishedTotal = "jobs_finished_total"
	JobStatusCount    = "job_status_count"
	jobsInFlight      = "jobs_in_flight"

	// Stage metrics
	stageAttemptsTotal   = "stage_attempts_total"
	stageDurationSeconds = "stage_duration_seconds"

	// Labels
	jobStatusLabel   = "status"
	stageNameLabel   = "stage"
	stageResultLabel = "result"
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drawingWorker,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{jobStatusLabel},
)

var jobStatusCountMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: drawingWorker,
		Name:      JobStatusCount,
		Help:      "number of jobs currently in each status",
	},
	[]string{jobStatusLabel},
)

var jobsInFlightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: drawingWorker,
		Name:      jobsInFlight,
		Help:      "number of jobs currently held under a lease by this worker",
	},
)

var stageAttemptsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: drawingWorker,
		Name:      stageAttemptsTotal,
		Help:      "number of stage attempts partitioned by stage and outcome",
	},
	[]string{stageNameLabel, stageResultLabel},
)

var stageDurationSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: drawingWorker,
		Name:      stageDurationSeconds,
		Help:      "stage attempt duration in seconds",
		Buckets:   []float64{1, 5, 15, 60, 120, 300, 600},
	},
	[]string{stageNameLabel},
)

func IncreaseJobsFinishedTotalMetric(status string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{jobStatusLabel: status}).Inc()
}

func UpdateJobStatusCountMetric(status string, count int64) {
	jobStatusCountMetric.With(prometheus.Labels{jobStatusLabel: status}).Set(float64(count))
}

func UpdateJobsInFlightMetric(count int) {
	jobsInFlightMetric.Set(float64(count))
}

func IncreaseStageAttemptsTotalMetric(stage, result string) {
	stageAttemptsTotalMetric.With(prometheus.Labels{
		stageNameLabel:   stage,
		stageResultLabel: result,
	}).Inc()
}

func ObserveStageDurationMetric(stage string, seconds float64) {
	stageDurationSecondsMetric.With(prometheus.Labels{stageNameLabel: stage}).Observe(seconds)
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(jobStatusCountMetric)
	prometheus.MustRegister(jobsInFlightMetric)
	prometheus.MustRegister(stageAttemptsTotalMetric)
	prometheus.MustRegister(stageDurationSecondsMetric)
}
