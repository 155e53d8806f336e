// Package metrics exposes workflow outcome counters on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satopon_rounds_started_total",
		Help: "Rounds started across all rooms.",
	})

	RoundsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satopon_rounds_committed_total",
		Help: "Rounds fully approved and written to the ledger.",
	})

	// RoundsCancelled is labelled by what triggered the cancellation:
	// client, timeout, nonzero_sum, or presence.
	RoundsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satopon_rounds_cancelled_total",
		Help: "Rounds cancelled before commit.",
	}, []string{"trigger"})

	SettlementsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satopon_settlements_requested_total",
		Help: "Settlement requests cached.",
	})

	SettlementsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satopon_settlements_completed_total",
		Help: "Settlements committed to the ledger.",
	})

	SettlementsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satopon_settlements_rejected_total",
		Help: "Settlement requests rejected by the recipient.",
	})
)
