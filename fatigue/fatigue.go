// Package fatigue maintains a rolling performance signal per resource and turns it into the
// duration adjustment factor consumed by the simulator.
package fatigue

import (
	"appointment-optimizer/models"
	"sync"
	"time"
)

// Config holds the estimator parameters.
type Config struct {
	Window           time.Duration `yaml:"window"`
	Smoothing        float64       `yaml:"smoothing"`
	Slack            float64       `yaml:"slack"`
	DriftThreshold   float64       `yaml:"drift_threshold"`
	MaxConsecutive   int           `yaml:"max_consecutive_overruns"`
	DensityThreshold int           `yaml:"density_threshold"`
	Ceiling          float64       `yaml:"ceiling"`
}

// DefaultConfig returns the default estimator parameters.
func DefaultConfig() Config {
	return Config{
		Window:           2 * time.Hour,
		Smoothing:        0.3,
		Slack:            0.1,
		DriftThreshold:   0.5,
		MaxConsecutive:   3,
		DensityThreshold: 8,
		Ceiling:          1.15,
	}
}

// Adjuster supplies the duration multiplier for a resource.
type Adjuster interface {
	AdjustmentFor(resourceID string) float64
}

// Estimator tracks FatigueState per resource. It is safe for concurrent use.
type Estimator struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*models.FatigueState
}

// New creates an estimator.
func New(cfg Config) *Estimator {
	return &Estimator{
		cfg:    cfg,
		states: make(map[string]*models.FatigueState),
	}
}

// Observe records a completed task and recomputes the resource's state.
func (e *Estimator) Observe(resourceID string, realized, baseline time.Duration, at time.Time) models.FatigueState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[resourceID]
	if !ok {
		st = &models.FatigueState{ResourceID: resourceID, EMA: 1.0}
		e.states[resourceID] = st
	}

	ratio := 1.0
	if baseline > 0 {
		ratio = float64(realized) / float64(baseline)
	}
	st.Recent = append(st.Recent, models.FatigueObservation{
		At:       at,
		Realized: realized,
		Baseline: baseline,
		Ratio:    ratio,
	})
	st.Recent = trim(st.Recent, at.Add(-e.cfg.Window))

	st.EMA = e.cfg.Smoothing*ratio + (1-e.cfg.Smoothing)*st.EMA
	st.Drift = max(0, st.Drift+ratio-1-e.cfg.Slack)

	if realized > baseline {
		st.Overruns++
		st.ConsecutiveOverruns++
	} else {
		st.ConsecutiveOverruns = 0
	}

	st.Elevated = e.elevated(st)
	return copyState(st)
}

// elevated never fires for a resource that has not overrun at least once.
func (e *Estimator) elevated(st *models.FatigueState) bool {
	if st.Overruns == 0 {
		return false
	}
	return st.Drift > e.cfg.DriftThreshold ||
		st.ConsecutiveOverruns >= e.cfg.MaxConsecutive ||
		len(st.Recent) > e.cfg.DensityThreshold
}

// trim drops observations at or before the cutoff.
func trim(obs []models.FatigueObservation, cutoff time.Time) []models.FatigueObservation {
	i := 0
	for i < len(obs) && !obs[i].At.After(cutoff) {
		i++
	}
	return append([]models.FatigueObservation(nil), obs[i:]...)
}

// AdjustmentFor returns 1.0 normally and the configured ceiling when the resource is elevated.
func (e *Estimator) AdjustmentFor(resourceID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.states[resourceID]; ok && st.Elevated {
		return e.cfg.Ceiling
	}
	return 1.0
}

// State returns a copy of the resource's current state.
func (e *Estimator) State(resourceID string) models.FatigueState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.states[resourceID]; ok {
		return copyState(st)
	}
	return models.FatigueState{ResourceID: resourceID, EMA: 1.0}
}

// Reset clears a resource's state at the day boundary.
func (e *Estimator) Reset(resourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, resourceID)
}

// ResetAll clears every resource.
func (e *Estimator) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = make(map[string]*models.FatigueState)
}

// Snapshot freezes the current factors so concurrent readers see a consistent view.
func (e *Estimator) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	factors := make(map[string]float64, len(e.states))
	for id, st := range e.states {
		if st.Elevated {
			factors[id] = e.cfg.Ceiling
		}
	}
	return Snapshot{factors: factors}
}

// Snapshot is an immutable set of adjustment factors.
type Snapshot struct {
	factors map[string]float64
}

// FromStates builds a snapshot from caller-supplied states.
func FromStates(states map[string]models.FatigueState, ceiling float64) Snapshot {
	factors := make(map[string]float64, len(states))
	for id, st := range states {
		if st.Elevated {
			factors[id] = ceiling
		}
	}
	return Snapshot{factors: factors}
}

func (s Snapshot) AdjustmentFor(resourceID string) float64 {
	if f, ok := s.factors[resourceID]; ok {
		return f
	}
	return 1.0
}

func copyState(st *models.FatigueState) models.FatigueState {
	c := *st
	c.Recent = append([]models.FatigueObservation(nil), st.Recent...)
	return c
}
