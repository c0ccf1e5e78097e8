package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the engine
type Metrics struct {
	// Autonomy metrics
	ActionsExecuted *prometheus.CounterVec
	ActionsSkipped  *prometheus.CounterVec
	ActionLatency   prometheus.Histogram

	// Learning metrics
	Observations         prometheus.Counter
	PatternsDetected     prometheus.Counter
	PatternsCrystallized prometheus.Counter
	PatternsPruned       *prometheus.CounterVec
	PatternMatches       *prometheus.CounterVec

	// Overseer metrics
	LearningCycles     prometheus.Counter
	LearningCycleTime  prometheus.Histogram
	StoredPatternCount prometheus.Gauge
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		// Actions dispatched to handlers, by trigger kind and outcome
		ActionsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_actions_executed_total",
			Help: "Total number of autonomous actions dispatched, by trigger and outcome",
		}, []string{"trigger", "outcome"}), // outcome: "success" or "error"

		// Actions stopped by a gate before dispatch
		ActionsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_actions_skipped_total",
			Help: "Total number of autonomous actions skipped, by gate",
		}, []string{"gate"}), // gate: disabled, cooldown, safety, personality, capacity, rate

		// Handler execution latency
		ActionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_action_duration_seconds",
			Help:    "Autonomous action handler latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		Observations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_observations_total",
			Help: "Total number of observations recorded",
		}),

		PatternsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_patterns_detected_total",
			Help: "Total number of pattern candidates produced by detection",
		}),

		PatternsCrystallized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_patterns_crystallized_total",
			Help: "Total number of patterns crystallized to the store",
		}),

		PatternsPruned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_patterns_pruned_total",
			Help: "Total number of patterns pruned, by reason",
		}, []string{"reason"}), // reason: "low_success" or "stale"

		PatternMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_pattern_matches_total",
			Help: "Total number of pattern match lookups, by result",
		}, []string{"result"}), // result: "hit" or "miss"

		LearningCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companion_learning_cycles_total",
			Help: "Total number of completed learning cycles",
		}),

		LearningCycleTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_learning_cycle_duration_seconds",
			Help:    "Learning cycle duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),

		StoredPatternCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "companion_stored_patterns",
			Help: "Number of patterns currently in the store",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance. May be nil in tests that
// never call InitMetrics.
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordActionExecuted records a dispatched action outcome
func (m *Metrics) RecordActionExecuted(trigger string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.ActionsExecuted.WithLabelValues(trigger, outcome).Inc()
}

// RecordActionSkipped records a gate stopping an action before dispatch
func (m *Metrics) RecordActionSkipped(gate string) {
	m.ActionsSkipped.WithLabelValues(gate).Inc()
}

// RecordObservation records one observation append
func (m *Metrics) RecordObservation() {
	m.Observations.Inc()
}

// RecordPatternMatch records a match lookup result
func (m *Metrics) RecordPatternMatch(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PatternMatches.WithLabelValues(result).Inc()
}
