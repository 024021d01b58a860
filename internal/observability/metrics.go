package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for quotedesk.
type Metrics struct {
	// Quoting
	QuotesCreated   *prometheus.CounterVec
	QuotesExpired   prometheus.Counter
	QuotesCancelled prometheus.Counter
	QuoteComputeDur prometheus.Histogram

	// Settlement
	TradesSettled      *prometheus.CounterVec
	TradesRejected     *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Ledger
	Deposits             *prometheus.CounterVec
	LedgerEntriesWritten prometheus.Counter

	// Price oracle
	OracleRequestDur *prometheus.HistogramVec
	OracleFailures   *prometheus.CounterVec
}

var latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// NewMetrics registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in main; tests that need isolated
// metrics pass their own registry (or a nil *Metrics, which every
// consumer tolerates).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QuotesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_quotes_created_total",
			Help: "Firm quotes created",
		}, []string{"symbol", "side"}),

		QuotesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotedesk_quotes_expired_total",
			Help: "Quotes lazily transitioned to EXPIRED",
		}),

		QuotesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotedesk_quotes_cancelled_total",
			Help: "Quotes cancelled by the client",
		}),

		QuoteComputeDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotedesk_quote_compute_duration_seconds",
			Help:    "Time to compute a firm quote (including oracle round trip)",
			Buckets: latencyBuckets,
		}),

		TradesSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_trades_settled_total",
			Help: "Trades settled (FILLED)",
		}, []string{"symbol", "side"}),

		TradesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_trades_rejected_total",
			Help: "Settlement attempts rejected, by error code",
		}, []string{"reason"}),

		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotedesk_settlement_duration_seconds",
			Help:    "Wall time of the settlement transaction",
			Buckets: latencyBuckets,
		}),

		Deposits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_deposits_total",
			Help: "Deposits recorded",
		}, []string{"currency"}),

		LedgerEntriesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotedesk_ledger_entries_written_total",
			Help: "Immutable ledger entries appended",
		}),

		OracleRequestDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_oracle_request_duration_seconds",
			Help:    "Indicative price request latency",
			Buckets: latencyBuckets,
		}, []string{"provider"}),

		OracleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_oracle_failures_total",
			Help: "Indicative price requests that failed",
		}, []string{"provider"}),
	}
}
