// Package metrics provides Prometheus observability metrics for the timeline optimizer.
// It includes Critical and Important metrics for business and operational visibility.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for our application
var Registry = prometheus.NewRegistry()

// factory allows us to register metrics to our custom Registry directly
var factory = promauto.With(Registry)

// =============================================================================
// CRITICAL METRICS - Business Impact Visibility
// =============================================================================

// TotalWaitingMinutes tracks the projected waiting time of the latest schedule per resource.
var TotalWaitingMinutes = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "timeline",
	Name:      "waiting_minutes",
	Help:      "Projected total waiting minutes of the current schedule",
}, []string{"resource"})

// OverrunMinutes tracks how far a resource's projected finish exceeds its working window.
var OverrunMinutes = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "timeline",
	Name:      "overrun_minutes",
	Help:      "Projected minutes past the end of the working window",
}, []string{"resource"})

// AtRiskTasks tracks tasks whose projected wait exceeds the at-risk threshold.
var AtRiskTasks = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "timeline",
	Name:      "at_risk_tasks",
	Help:      "Number of tasks projected to wait longer than the at-risk threshold",
}, []string{"resource"})

// OptimizationScore tracks the objective value of the last optimization.
var OptimizationScore = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "optimizer",
	Name:      "objective_score",
	Help:      "Objective value of the most recent optimization result",
})

// OptimizationsTotal counts optimizations by the strategy that produced the result.
var OptimizationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimizer",
	Name:      "runs_total",
	Help:      "Optimization runs by result strategy and convergence",
}, []string{"strategy", "converged"})

// RecommendationsIssued counts relocation recommendations handed out for approval.
var RecommendationsIssued = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "optimizer",
	Name:      "recommendations_total",
	Help:      "Relocation recommendations emitted for external approval",
})

// =============================================================================
// IMPORTANT METRICS - Operational Health
// =============================================================================

// OptimizationDurationSeconds tracks wall-clock time per optimization.
var OptimizationDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
	Namespace: "optimizer",
	Name:      "duration_seconds",
	Help:      "Time taken to produce an optimization result",
	Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
})

// NodesExplored tracks branch-and-bound nodes per optimization.
var NodesExplored = factory.NewHistogram(prometheus.HistogramOpts{
	Namespace: "optimizer",
	Name:      "nodes_explored",
	Help:      "Search nodes expanded per optimization",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
})

// SimulationsTotal counts timelines simulated on behalf of a caller: a simulate run or a live
// event. Candidate scoring inside the optimizer is not counted.
var SimulationsTotal = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "simulator",
	Name:      "runs_total",
	Help:      "Timelines simulated for a simulate run or a live event",
})

// EventsTotal counts live events by kind and outcome.
var EventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "controller",
	Name:      "events_total",
	Help:      "Live events applied by kind and outcome",
}, []string{"kind", "outcome"})

// EventDurationSeconds tracks end-to-end event handling time.
var EventDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
	Namespace: "controller",
	Name:      "event_duration_seconds",
	Help:      "Time from event arrival to live schedule swap",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
})

// Reoptimizations counts event-triggered re-optimizations.
var Reoptimizations = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "controller",
	Name:      "reoptimizations_total",
	Help:      "Re-optimizations triggered by live events",
}, []string{"reason"})

// LiveSessions tracks sessions by lifecycle state.
var LiveSessions = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "controller",
	Name:      "sessions",
	Help:      "Resource-day sessions by state",
}, []string{"state"})

// ParserErrorsTotal tracks parse errors by error type.
var ParserErrorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "parser",
	Name:      "errors_total",
	Help:      "Total parse errors by error type",
}, []string{"error_type"})

// ParserRecordsTotal tracks total records successfully parsed.
var ParserRecordsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "parser",
	Name:      "records_total",
	Help:      "Total CSV records successfully parsed",
}, []string{"kind"})

// =============================================================================
// Helper Functions
// =============================================================================

// RecordSimulation publishes the per-resource gauges of a simulation result.
func RecordSimulation(resource string, waitingMin, overrunMin float64, atRisk int) {
	TotalWaitingMinutes.WithLabelValues(resource).Set(waitingMin)
	OverrunMinutes.WithLabelValues(resource).Set(overrunMin)
	AtRiskTasks.WithLabelValues(resource).Set(float64(atRisk))
}

// ResetTimelineGauges resets all timeline gauges before a new optimization run.
func ResetTimelineGauges() {
	TotalWaitingMinutes.Reset()
	OverrunMinutes.Reset()
	AtRiskTasks.Reset()
	OptimizationScore.Set(0)
}
