package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the matching core.
type Metrics struct {
	CommitmentsCreated  prometheus.Counter
	CommitmentsArrived  prometheus.Counter
	CommitmentsCanceled prometheus.Counter
	CommitmentsTimedOut prometheus.Counter
	TokensIssued        prometheus.Counter
	TokensVerified      prometheus.Counter
	TokensRejected      *prometheus.CounterVec
	DonationsCompleted  prometheus.Counter
	RequestsFulfilled   prometheus.Counter
	SweepDuration       prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		CommitmentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_commitments_created_total",
			Help: "Total number of donation commitments created",
		}),
		CommitmentsArrived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_commitments_arrived_total",
			Help: "Total number of commitments marked arrived",
		}),
		CommitmentsCanceled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_commitments_cancelled_total",
			Help: "Total number of commitments cancelled by donors",
		}),
		CommitmentsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_commitments_timed_out_total",
			Help: "Total number of commitments reaped by the timeout sweeper",
		}),
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_tokens_issued_total",
			Help: "Total number of verification tokens issued",
		}),
		TokensVerified: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_tokens_verified_total",
			Help: "Total number of verification tokens consumed successfully",
		}),
		TokensRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kanver_tokens_rejected_total",
			Help: "Total number of rejected token verifications by reason",
		}, []string{"reason"}),
		DonationsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_donations_completed_total",
			Help: "Total number of completed donations",
		}),
		RequestsFulfilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kanver_requests_fulfilled_total",
			Help: "Total number of blood requests fulfilled",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kanver_sweep_duration_seconds",
			Help:    "Duration of timeout sweeper passes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveSweep records the duration of one sweeper pass.
func (m *Metrics) ObserveSweep(d time.Duration) {
	m.SweepDuration.Observe(d.Seconds())
}

// IncTokenRejected increments the rejection counter for the given reason.
func (m *Metrics) IncTokenRejected(reason string) {
	m.TokensRejected.WithLabelValues(reason).Inc()
}
