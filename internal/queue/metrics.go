package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
)

// Metrics holds the queue-facing instrumentation. All collectors are
// registered on construction; a nil Registerer yields collectors that
// record but are never scraped, which keeps tests quiet.
type Metrics struct {
	EnqueueTotal     *prometheus.CounterVec
	OverflowTotal    *prometheus.CounterVec
	CommitTotal      prometheus.Counter
	FailTotal        *prometheus.CounterVec
	DeadLetterTotal  prometheus.Counter
	ReapedTotal      prometheus.Counter
	Depth            *prometheus.GaugeVec
	OldestPendingAge *prometheus.GaugeVec
	BreakerState     prometheus.Gauge
	BudgetLevel      prometheus.Gauge
	ForwardDuration  prometheus.Histogram
	BatchTotal       *prometheus.CounterVec
}

// NewMetrics builds the queue collectors and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_enqueue_total",
				Help: "Items accepted into the queue by priority.",
			},
			[]string{"priority"},
		),
		OverflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_overflow_total",
				Help: "Overflow policy outcomes when the queue is at capacity.",
			},
			[]string{"outcome"},
		),
		CommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_commit_total",
			Help: "Items committed after successful forwarding.",
		}),
		FailTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_fail_total",
				Help: "Failed attempts by retry outcome.",
			},
			[]string{"outcome"},
		),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_dead_letter_total",
			Help: "Items moved to the dead letter state.",
		}),
		ReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_reaped_total",
			Help: "Expired reservations returned to pending.",
		}),
		Depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncd_queue_depth",
				Help: "Stored items by status.",
			},
			[]string{"status"},
		),
		OldestPendingAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncd_oldest_pending_age_seconds",
				Help: "Age of the oldest pending item by priority.",
			},
			[]string{"priority"},
		),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		BudgetLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_retry_budget_tokens",
			Help: "Remaining retry budget tokens.",
		}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncd_forward_duration_seconds",
			Help:    "Latency of Forwarder batch sends.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_forward_batches_total",
				Help: "Forwarded batches by breaker-level outcome.",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.EnqueueTotal,
			m.OverflowTotal,
			m.CommitTotal,
			m.FailTotal,
			m.DeadLetterTotal,
			m.ReapedTotal,
			m.Depth,
			m.OldestPendingAge,
			m.BreakerState,
			m.BudgetLevel,
			m.ForwardDuration,
			m.BatchTotal,
		)
	}
	return m
}

// ObserveDepth publishes the per-status gauges from a count snapshot.
// Statuses absent from the snapshot are reset to zero so stale values
// do not linger after a purge.
func (m *Metrics) ObserveDepth(counts store.Counts) {
	for _, st := range store.Statuses() {
		m.Depth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
