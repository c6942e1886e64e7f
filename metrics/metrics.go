// Package metrics exposes Prometheus collectors for worker activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects judging activity for Prometheus scraping.
//
// Collectors (all namespaced with "tester_"):
//
//  1. attempts_judged_total (counter): attempts finished, by outcome
//     ("accepted", "rejected", "tested", "compilation_error",
//     "system_error", "recoverable_error").
//  2. tests_run_total (counter): individual test executions, by verdict
//     label.
//  3. judge_duration_seconds (histogram): wall time spent judging one
//     attempt, compile included.
//  4. queue_polls_total (counter): claim rounds that found the queue
//     empty.
//  5. heartbeat_timestamp_seconds (gauge): unix time of the last
//     successful heartbeat write.
//
// A nil *Metrics is valid and records nothing, so wiring stays optional.
type Metrics struct {
	attemptsJudged *prometheus.CounterVec
	testsRun       *prometheus.CounterVec
	judgeDuration  prometheus.Histogram
	queuePolls     prometheus.Counter
	heartbeat      prometheus.Gauge
}

// New creates and registers all worker metrics with the given registry
// (prometheus.DefaultRegisterer when nil).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		attemptsJudged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tester",
			Name:      "attempts_judged_total",
			Help:      "Attempts this worker finished judging, by outcome",
		}, []string{"outcome"}),
		testsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tester",
			Name:      "tests_run_total",
			Help:      "Individual test executions, by verdict label",
		}, []string{"verdict"}),
		judgeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tester",
			Name:      "judge_duration_seconds",
			Help:      "Wall time spent judging one attempt, compile included",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		queuePolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tester",
			Name:      "queue_polls_total",
			Help:      "Claim rounds that found the attempt queue empty",
		}),
		heartbeat: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tester",
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time of the last successful heartbeat write",
		}),
	}
}

// RecordAttempt counts a finished attempt under its outcome.
func (m *Metrics) RecordAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attemptsJudged.WithLabelValues(outcome).Inc()
}

// ObserveJudgeDuration records how long judging one attempt took.
func (m *Metrics) ObserveJudgeDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.judgeDuration.Observe(duration.Seconds())
}

// RecordTest counts one test execution under its verdict label.
func (m *Metrics) RecordTest(verdictLabel string) {
	if m == nil {
		return
	}
	m.testsRun.WithLabelValues(verdictLabel).Inc()
}

// IncQueuePoll counts a claim round that found nothing to judge.
func (m *Metrics) IncQueuePoll() {
	if m == nil {
		return
	}
	m.queuePolls.Inc()
}

// SetHeartbeat records the time of the last heartbeat write.
func (m *Metrics) SetHeartbeat(at time.Time) {
	if m == nil {
		return
	}
	m.heartbeat.Set(float64(at.Unix()))
}
