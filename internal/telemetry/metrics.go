package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScannedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_scanned_blocks_total",
		Help: "Ledger blocks read by the continuous scan and forced checks.",
	}, []string{"chain", "mode"})

	ObservedTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_observed_transfers_total",
		Help: "Confirmed transfers to tracked addresses handed to the matcher.",
	}, []string{"chain"})

	ScanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_scan_failures_total",
		Help: "Scan ranges that failed and will be retried.",
	}, []string{"chain"})

	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_match_outcomes_total",
		Help: "Matcher decisions by outcome.",
	}, []string{"outcome"})

	Watermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_scan_watermark",
		Help: "Last fully processed ledger position.",
	}, []string{"chain"})

	ChainHead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_chain_head",
		Help: "Most recent head position reported by the ledger node.",
	}, []string{"chain"})

	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhook_attempts_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})

	WebhookLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_webhook_latency_seconds",
		Help:    "Merchant endpoint response time.",
		Buckets: prometheus.DefBuckets,
	})

	IntakeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_intake_messages_total",
		Help: "Payment intake messages by type and result.",
	}, []string{"type", "result"})
)
