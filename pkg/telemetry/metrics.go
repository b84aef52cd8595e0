package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

var Module = fx.Provide(NewMetrics)

// Metrics holds the process-wide prometheus collectors. Registered once on
// the default registry so promhttp serves them without extra wiring.
type Metrics struct {
	LedgerEntries    *prometheus.CounterVec
	LedgerRejections *prometheus.CounterVec
	MeteringTicks    prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	PayoutItems      *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  prometheus.Histogram
	BatchRuns        prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		LedgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipcall_ledger_entries_total",
			Help: "Ledger entries created, by kind.",
		}, []string{"kind"}),
		LedgerRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipcall_ledger_rejections_total",
			Help: "Ledger mutations rejected, by reason.",
		}, []string{"reason"}),
		MeteringTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipcall_metering_ticks_total",
			Help: "Metering ticks that issued a charge.",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipcall_sessions_ended_total",
			Help: "Call sessions reaching a terminal state, by state.",
		}, []string{"state"}),
		PayoutItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipcall_payout_items_total",
			Help: "Payout item transitions, by status.",
		}, []string{"status"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipcall_provider_errors_total",
			Help: "Settlement provider failures, by class.",
		}, []string{"class"}),
		ProviderLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tipcall_provider_latency_seconds",
			Help:    "Settlement provider call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipcall_payout_batch_runs_total",
			Help: "Payout batch creations (including idempotent replays).",
		}),
	}
}
