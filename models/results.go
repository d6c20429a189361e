package models

import (
	"time"

	"github.com/google/uuid"
)

// FatigueObservation is one completed task fed to the fatigue estimator.
type FatigueObservation struct {
	At       time.Time
	Realized time.Duration
	Baseline time.Duration
	Ratio    float64
}

// FatigueState is the rolling performance signal of one resource.
type FatigueState struct {
	ResourceID          string
	Recent              []FatigueObservation
	EMA                 float64
	Drift               float64
	ConsecutiveOverruns int
	Overruns            int
	Elevated            bool
}

// TaskOutcome is the simulated timing of one task.
type TaskOutcome struct {
	TaskID         string        `json:"task_id"`
	ResourceID     string        `json:"resource_id"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	RealizedStart  time.Time     `json:"realized_start"`
	RealizedEnd    time.Time     `json:"realized_end"`
	Waiting        time.Duration `json:"waiting"`
	AtRisk         bool          `json:"at_risk"`
}

// ResourceSummary aggregates simulated outcomes for one resource.
type ResourceSummary struct {
	ResourceID string        `json:"resource_id"`
	Waiting    time.Duration `json:"waiting"`
	MaxDelay   time.Duration `json:"max_delay"`
	Idle       time.Duration `json:"idle"`
	Overrun    time.Duration `json:"overrun"`
	Workload   time.Duration `json:"workload"`
	LastEnd    time.Time     `json:"last_end"`
}

// SimulationResult is derived from a schedule by the simulator and never edited by hand.
type SimulationResult struct {
	TotalWaiting time.Duration              `json:"total_waiting"`
	MaxDelay     time.Duration              `json:"max_delay"`
	Overrun      time.Duration              `json:"overrun"`
	Resources    map[string]ResourceSummary `json:"resources"`
	Outcomes     []TaskOutcome              `json:"outcomes"`
	AtRisk       []string                   `json:"at_risk"`
}

// Idle returns per-resource idle time.
func (r *SimulationResult) Idle() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.Resources))
	for id, s := range r.Resources {
		out[id] = s.Idle
	}
	return out
}

// Outcome returns the simulated outcome of a task.
func (r *SimulationResult) Outcome(taskID string) (TaskOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.TaskID == taskID {
			return o, true
		}
	}
	return TaskOutcome{}, false
}

// Weights are the objective coefficients.
type Weights struct {
	Waiting  float64 `yaml:"waiting" json:"waiting"`
	Variance float64 `yaml:"variance" json:"variance"`
	Overrun  float64 `yaml:"overrun" json:"overrun"`
}

// DefaultWeights returns α=0.5, β=0.3, γ=0.2.
func DefaultWeights() Weights {
	return Weights{Waiting: 0.5, Variance: 0.3, Overrun: 0.2}
}

// OverbookPair links a double-booked task to the primary occupying its slot.
type OverbookPair struct {
	PrimaryID   string `json:"primary_id"`
	SecondaryID string `json:"secondary_id"`
	ResourceID  string `json:"resource_id"`
}

// RelaxedConstraint records a hard constraint a manual pin overrides.
type RelaxedConstraint struct {
	TaskID     string `json:"task_id"`
	Constraint string `json:"constraint"`
	Detail     string `json:"detail"`
}

// Recommendation proposes relocating a low-priority task. It must be approved externally.
type Recommendation struct {
	ID                   uuid.UUID     `json:"id"`
	TaskID               string        `json:"task_id"`
	From                 Slot          `json:"from"`
	To                   Slot          `json:"to"`
	WaitingReduction     time.Duration `json:"waiting_reduction"`
	ObjectiveImprovement float64       `json:"objective_improvement"`
	RequiresApproval     bool          `json:"requires_approval"`
}

// Strategy names how an optimization result was produced.
type Strategy string

const (
	StrategyBranchAndBound Strategy = "branch_and_bound"
	StrategyGreedy         Strategy = "greedy"
	StrategyInput          Strategy = "input"
)

// OptimizationResult is a candidate schedule with its score.
type OptimizationResult struct {
	Schedule        *Schedule
	Simulation      *SimulationResult
	Score           float64
	Converged       bool
	Strategy        Strategy
	Degraded        error
	Overbooked      []OverbookPair
	Relaxed         []RelaxedConstraint
	Unplaced        []string
	Recommendations []Recommendation
	Elapsed         time.Duration
	NodesExplored   int64
}
