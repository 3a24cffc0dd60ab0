// Package metrics exposes the Prometheus collectors of the SOGR engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sogr"

type collectors struct {
	recalcTotal    *prometheus.CounterVec
	recalcDuration *prometheus.HistogramVec
	stepOutcomes   *prometheus.CounterVec
	jobResults     *prometheus.CounterVec
	jobsQueued     prometheus.Gauge
	dlqEnqueued    *prometheus.CounterVec
	importRows     *prometheus.CounterVec
	dlqDepth       prometheus.Gauge
	backlogRatio   prometheus.Gauge
}

var get = sync.OnceValue(func() *collectors {
	return &collectors{
		recalcTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalculations_total",
			Help:      "Total asset recalculations by result.",
		}, []string{"result"}),
		recalcDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recalculation_duration_seconds",
			Help:      "Latency of one asset recalculation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"result"}),
		stepOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalculation_steps_total",
			Help:      "Recalculation step outcomes by step and outcome.",
		}, []string{"step", "outcome"}),
		jobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Recalculation jobs by dispatcher and result.",
		}, []string{"dispatcher", "result"}),
		jobsQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Recalculation jobs waiting in the local pool.",
		}),
		dlqEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_enqueued_total",
			Help:      "Jobs moved to the dead letter queue by error type.",
		}, []string{"error_type"}),
		importRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_rows_total",
			Help:      "Spreadsheet rows processed by sheet and result.",
		}, []string{"sheet", "result"}),
		dlqDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Entries currently in the dead letter queue.",
		}),
		backlogRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_ratio",
			Help:      "Share of active assets past their policy replacement year.",
		}),
	}
})

// Init registers the collectors with the default registry. Calling it is
// optional; every recorder registers lazily.
func Init() {
	get()
}

// ObserveRecalculation records one recalculation and its latency.
func ObserveRecalculation(result string, d time.Duration) {
	c := get()
	c.recalcTotal.WithLabelValues(result).Inc()
	c.recalcDuration.WithLabelValues(result).Observe(d.Seconds())
}

// IncStep counts one step outcome.
func IncStep(step, outcome string) {
	get().stepOutcomes.WithLabelValues(step, outcome).Inc()
}

// IncJob counts one finished job.
func IncJob(dispatcher, result string) {
	get().jobResults.WithLabelValues(dispatcher, result).Inc()
}

// SetJobsQueued reports the local pool's queue length.
func SetJobsQueued(n int) {
	get().jobsQueued.Set(float64(n))
}

// IncDLQ counts one dead-lettered job.
func IncDLQ(errorType string) {
	get().dlqEnqueued.WithLabelValues(errorType).Inc()
}

// AddImportRows counts processed spreadsheet rows.
func AddImportRows(sheet, result string, n int) {
	if n <= 0 {
		return
	}
	get().importRows.WithLabelValues(sheet, result).Add(float64(n))
}

// SetDLQDepth reports the current dead letter queue depth.
func SetDLQDepth(n int) {
	get().dlqDepth.Set(float64(n))
}

// SetBacklogRatio reports the backlog share of active assets.
func SetBacklogRatio(r float64) {
	get().backlogRatio.Set(r)
}
