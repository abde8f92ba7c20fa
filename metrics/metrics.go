// Package metrics holds the Prometheus collectors of the try-on engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumeTotal counts consume calls by kind and outcome.
	ConsumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tryon",
			Subsystem: "ledger",
			Name:      "consume_total",
			Help:      "Consume calls by kind (generation, regeneration) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// CreditsCharged counts credits debited by consume calls.
	CreditsCharged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tryon",
			Subsystem: "ledger",
			Name:      "credits_charged_total",
			Help:      "Credits debited by successful consume calls.",
		},
	)

	// RedeemTotal counts coupon redemptions by outcome.
	RedeemTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tryon",
			Subsystem: "coupon",
			Name:      "redeem_total",
			Help:      "Coupon redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// GenerationDuration tracks the latency of image model calls.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tryon",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Duration of image generation calls in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"result"}, // generated or fallback
	)

	// HTTPRequests counts handled HTTP requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tryon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordConsume records the outcome of a consume call.
func RecordConsume(kind, outcome string, charged int64) {
	ConsumeTotal.WithLabelValues(kind, outcome).Inc()
	if charged > 0 {
		CreditsCharged.Add(float64(charged))
	}
}

// RecordRedeem records the outcome of a redemption attempt.
func RecordRedeem(outcome string) {
	RedeemTotal.WithLabelValues(outcome).Inc()
}

// RecordGeneration records the duration of an image model call.
func RecordGeneration(result string, seconds float64) {
	GenerationDuration.WithLabelValues(result).Observe(seconds)
}
