package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RuleEvaluationDuration tracks the latency of a single rule evaluation
	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "loyalty_rule_evaluation_duration_seconds",
			Help: "Duration of one loyalty rule evaluation in seconds",
			Buckets: []float64{
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
				30.0,  // 30s
			},
		},
		[]string{"rule_type", "status"}, // success or failure
	)

	// OffersGenerated counts offers created by the engine
	OffersGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_offers_generated_total",
			Help: "Total number of offers generated, by rule type",
		},
		[]string{"rule_type"},
	)

	// OffersRedeemed counts offer redemptions
	OffersRedeemed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_offers_redeemed_total",
			Help: "Total number of offer redemptions, by outcome",
		},
		[]string{"status"}, // success or failure
	)

	// PointsMovements counts ledger operations
	PointsMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_movements_total",
			Help: "Total number of points ledger movements, by operation",
		},
		[]string{"operation"},
	)
)

// RecordRuleEvaluation records the duration and outcome of one rule evaluation
func RecordRuleEvaluation(ruleType, status string, duration float64) {
	RuleEvaluationDuration.WithLabelValues(ruleType, status).Observe(duration)
}
