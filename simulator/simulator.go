// Package simulator replays a proposed timeline and derives realized start/end times, waiting
// times and overrun. It is deterministic and performs no I/O.
package simulator

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/models"
	"math"
	"sort"
	"time"
)

// Config holds simulator parameters.
type Config struct {
	AtRiskThreshold time.Duration `yaml:"at_risk_threshold"`
}

// DefaultConfig returns a 15 minute at-risk threshold.
func DefaultConfig() Config {
	return Config{AtRiskThreshold: 15 * time.Minute}
}

// Simulator is the delay-propagation engine.
type Simulator struct {
	cfg Config
}

// New creates a simulator.
func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// Simulate replays the schedule. adj may be nil, meaning no fatigue adjustment.
// The schedule is not modified.
func (s *Simulator) Simulate(sched *models.Schedule, adj fatigue.Adjuster) (*models.SimulationResult, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	byResource := sched.ByResource()
	for _, id := range sortedKeys(byResource) {
		if err := checkFixed(sched, id, byResource[id]); err != nil {
			return nil, err
		}
	}

	result := &models.SimulationResult{
		Resources: make(map[string]models.ResourceSummary, len(sched.Calendars)),
	}
	for _, id := range sched.Resources() {
		factor := 1.0
		if adj != nil {
			factor = adj.AdjustmentFor(id)
		}
		summary, outcomes := s.walk(sched.Calendars[id], sched, byResource[id], factor)
		result.Resources[id] = summary
		result.Outcomes = append(result.Outcomes, outcomes...)

		result.TotalWaiting += summary.Waiting
		result.Overrun += summary.Overrun
		if summary.MaxDelay > result.MaxDelay {
			result.MaxDelay = summary.MaxDelay
		}
	}
	for _, o := range result.Outcomes {
		if o.AtRisk {
			result.AtRisk = append(result.AtRisk, o.TaskID)
		}
	}
	return result, nil
}

// Apply simulates and returns a copy of the schedule with realized times filled in.
func (s *Simulator) Apply(sched *models.Schedule, adj fatigue.Adjuster) (*models.Schedule, *models.SimulationResult, error) {
	result, err := s.Simulate(sched, adj)
	if err != nil {
		return nil, nil, err
	}
	out := sched.Clone()
	for _, o := range result.Outcomes {
		if i := out.Index(o.TaskID); i >= 0 {
			out.Tasks[i].RealizedStart = o.RealizedStart
			out.Tasks[i].RealizedEnd = o.RealizedEnd
		}
	}
	return out, result, nil
}

// walk processes one resource's tasks in timeline order. Started tasks come first: whatever is
// still pending can only begin once they are done.
func (s *Simulator) walk(cal models.ResourceCalendar, sched *models.Schedule, idx []int, factor float64) (models.ResourceSummary, []models.TaskOutcome) {
	summary := models.ResourceSummary{ResourceID: cal.ResourceID}
	blocked := cal.Blocked()
	availableAt := cal.DayStart()
	prevEnd := availableAt
	summary.LastEnd = availableAt

	order := append([]int(nil), idx...)
	sort.SliceStable(order, func(a, b int) bool {
		return sched.Tasks[order[a]].Anchored() && !sched.Tasks[order[b]].Anchored()
	})

	outcomes := make([]models.TaskOutcome, 0, len(order))
	for _, i := range order {
		t := sched.Tasks[i]
		if t.Status == models.StatusCancelled {
			continue
		}

		var start time.Time
		if t.Anchored() && !t.ActualStart.IsZero() {
			start = t.ActualStart
		} else {
			start = snapOutOfBlocked(latest(t.ScheduledStart, availableAt), blocked)
		}

		out := models.TaskOutcome{
			TaskID:         t.ID,
			ResourceID:     t.ResourceID,
			ScheduledStart: t.ScheduledStart,
			RealizedStart:  start,
			RealizedEnd:    start,
		}

		if !t.Attended() {
			// no-show: zero duration, the cursor stays where it was
			outcomes = append(outcomes, out)
			continue
		}

		duration := effectiveDuration(t, factor)
		end := start.Add(duration)
		out.RealizedEnd = end
		if start.After(t.ScheduledStart) {
			out.Waiting = start.Sub(t.ScheduledStart)
		}
		out.AtRisk = out.Waiting > s.cfg.AtRiskThreshold
		outcomes = append(outcomes, out)

		summary.Waiting += out.Waiting
		summary.Workload += duration
		if out.Waiting > summary.MaxDelay {
			summary.MaxDelay = out.Waiting
		}
		if start.After(prevEnd) {
			summary.Idle += start.Sub(prevEnd) - blockedWithin(prevEnd, start, blocked)
		}
		if end.After(prevEnd) {
			prevEnd = end
		}
		if end.After(summary.LastEnd) {
			summary.LastEnd = end
		}

		availableAt = latest(availableAt, advance(end, cal.MinBuffer, blocked))
	}

	dayEnd := cal.DayEnd()
	if summary.LastEnd.After(dayEnd) {
		summary.Overrun = summary.LastEnd.Sub(dayEnd)
	} else if prevEnd.Before(dayEnd) {
		summary.Idle += dayEnd.Sub(prevEnd) - blockedWithin(prevEnd, dayEnd, blocked)
	}
	return summary, outcomes
}

// effectiveDuration is predicted × factor, or the observed duration once known.
func effectiveDuration(t models.Task, factor float64) time.Duration {
	adjusted := time.Duration(math.Round(float64(t.PredictedDuration) * factor))
	switch t.Status {
	case models.StatusCompleted:
		return t.ActualDuration
	case models.StatusInProgress:
		return max(adjusted, t.PredictedDuration+t.OverrunSoFar)
	}
	return adjusted
}

// advance moves the cursor past a finished task. A break that starts within one buffer of the
// task end (or already contains it) absorbs the delay: the cursor snaps to the break end.
func advance(end time.Time, buffer time.Duration, blocked []models.Window) time.Time {
	for _, b := range blocked {
		if !b.End.After(end) {
			continue
		}
		if !end.Before(b.Start) || b.Start.Sub(end) < buffer {
			return b.End
		}
		break
	}
	return end.Add(buffer)
}

func snapOutOfBlocked(t time.Time, blocked []models.Window) time.Time {
	for _, b := range blocked {
		if b.Contains(t) {
			t = b.End
		}
	}
	return t
}

func blockedWithin(from, to time.Time, blocked []models.Window) time.Duration {
	var total time.Duration
	for _, b := range blocked {
		s, e := latest(from, b.Start), b.End
		if to.Before(e) {
			e = to
		}
		if e.After(s) {
			total += e.Sub(s)
		}
	}
	return total
}

// checkFixed rejects fixed tasks whose scheduled windows overlap or break the minimum buffer.
func checkFixed(sched *models.Schedule, resourceID string, idx []int) error {
	var fixed []models.Task
	for _, i := range idx {
		if t := sched.Tasks[i]; t.Fixed && t.Active() {
			fixed = append(fixed, t)
		}
	}
	sort.SliceStable(fixed, func(a, b int) bool {
		return fixed[a].ScheduledStart.Before(fixed[b].ScheduledStart)
	})

	buffer := sched.Calendars[resourceID].MinBuffer
	for k := 1; k < len(fixed); k++ {
		a, b := fixed[k-1], fixed[k]
		if b.OverbookOf == a.ID || a.OverbookOf == b.ID {
			continue
		}
		aEnd := a.ScheduledStart.Add(a.PredictedDuration)
		constraint := ""
		switch {
		case b.ScheduledStart.Before(aEnd):
			constraint = "overlap"
		case b.ScheduledStart.Before(aEnd.Add(buffer)):
			constraint = "buffer"
		default:
			continue
		}
		return &errors.ConstraintError{
			ResourceID: resourceID,
			Constraint: constraint,
			TaskIDs:    []string{a.ID, b.ID},
			Err:        errors.ErrInvalidSchedule,
		}
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
