// Package metrics defines Prometheus metrics for the relay.
//
// Metric naming follows Prometheus conventions:
//   - relay_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PatchOpsApplied counts individual patch operations applied to the document.
	PatchOpsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_patch_ops_applied_total",
			Help: "Total JSON-Patch operations applied to the state document.",
		},
	)

	// PatchOpsDropped counts ops dropped by the filter/validation stages.
	PatchOpsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_patch_ops_dropped_total",
			Help: "Total patch operations dropped before apply, by reason.",
		},
		[]string{"reason"},
	)

	// PatchSubmissionsRejected counts whole submissions rejected as malformed.
	PatchSubmissionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_patch_submissions_rejected_total",
			Help: "Total patch submissions rejected without mutating state.",
		},
	)

	// FullStatesEmitted counts full snapshot replication events.
	FullStatesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_full_states_emitted_total",
			Help: "Total state:full-update events emitted.",
		},
	)

	// RuleEvaluations counts debounced rule evaluation cycles.
	RuleEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rule_evaluations_total",
			Help: "Total rule evaluation cycles.",
		},
	)

	// RuleEvaluationSeconds is a histogram of evaluation cycle duration.
	RuleEvaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_rule_evaluation_seconds",
			Help:    "Duration of rule evaluation cycles in seconds.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// RulesTriggered counts rules whose condition held, by rule name.
	RulesTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rules_triggered_total",
			Help: "Total rule condition matches, by rule.",
		},
		[]string{"rule"},
	)

	// ActiveAlerts tracks the current size of alerts.active.
	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_alerts",
			Help: "Number of alerts currently in alerts.active.",
		},
	)

	// AlertsCreated counts alert creations by trigger.
	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_alerts_created_total",
			Help: "Total alerts created, by trigger.",
		},
		[]string{"trigger"},
	)

	// PushSends counts push dispatch outcomes by provider and result.
	PushSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_push_sends_total",
			Help: "Total push notification sends, by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// BLEAdvertisements counts processed BLE advertisements by parse outcome.
	BLEAdvertisements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ble_advertisements_total",
			Help: "Total BLE advertisements seen, by parse outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		PatchOpsApplied,
		PatchOpsDropped,
		PatchSubmissionsRejected,
		FullStatesEmitted,
		RuleEvaluations,
		RuleEvaluationSeconds,
		RulesTriggered,
		ActiveAlerts,
		AlertsCreated,
		PushSends,
		BLEAdvertisements,
	)
}
