package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records outcomes for the queue consumers and the deposit
// reconciler.
type PipelineMetrics struct {
	consumed       *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	depositsByKind *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_processed",
		Help: "Queue messages processed, by consumer and outcome.",
	}, []string{"consumer", "outcome"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_cycle_duration_seconds",
		Help:    "Duration of deposit reconciliation cycles in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	depositsByKind := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deposits_reconciled",
		Help: "Deposits resolved by the reconciler, by result.",
	}, []string{"result"})
	reg.MustRegister(consumed, cycleDuration, depositsByKind)
	return &PipelineMetrics{
		consumed:       consumed,
		cycleDuration:  cycleDuration,
		depositsByKind: depositsByKind,
	}
}

// IncConsumed increments the processed counter for the named consumer.
func (p *PipelineMetrics) IncConsumed(consumer, outcome string) {
	if p == nil || p.consumed == nil {
		return
	}
	p.consumed.WithLabelValues(normalizeLabel(consumer), normalizeLabel(outcome)).Inc()
}

// ObserveCycle records the duration of one reconciliation cycle.
func (p *PipelineMetrics) ObserveCycle(duration time.Duration) {
	if p == nil || p.cycleDuration == nil {
		return
	}
	p.cycleDuration.Observe(duration.Seconds())
}

// IncDeposit counts a reconciled deposit by result (matched/expired).
func (p *PipelineMetrics) IncDeposit(result string) {
	if p == nil || p.depositsByKind == nil {
		return
	}
	p.depositsByKind.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
