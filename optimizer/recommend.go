package optimizer

import (
	"appointment-optimizer/models"
	"context"
	"sort"

	"github.com/google/uuid"
)

// recommend looks for single-task relocations of low-priority pending tasks that reduce both
// total waiting and the objective. It returns nothing unless some task waits longer than the
// recommendation threshold. Tasks not yet examined when ctx is done are skipped.
func (p *problem) recommend(ctx context.Context, sched *models.Schedule, sim *models.SimulationResult) ([]models.Recommendation, error) {
	if sim.MaxDelay <= p.cfg.RecommendThreshold {
		return nil, nil
	}
	base := Score(sim, p.weights)

	occ := newOccupancy()
	for _, t := range sched.Tasks {
		if t.Active() {
			occ.add(p, t, t.ResourceID, t.PlannedStart(), t.PlannedEnd(), t.OverbookOf)
		}
	}

	var recs []models.Recommendation
	for i, t := range sched.Tasks {
		if ctx.Err() != nil {
			break
		}
		if !t.Movable() || t.Status != models.StatusPending || t.Priority < models.LowUrgencyPriority {
			continue
		}
		if t.OverbookOf != "" || occ.partnered[t.ID] {
			continue
		}

		trial := occ.clone()
		trial.remove(p, t.ID)
		from := models.Slot{ResourceID: t.ResourceID, Start: t.ScheduledStart}

		var best *models.Recommendation
		for _, c := range p.candidates(trial, t) {
			if ctx.Err() != nil {
				break
			}
			if c.overbookOf != "" || (c.slot.ResourceID == from.ResourceID && c.slot.Start.Equal(from.Start)) {
				continue
			}
			tasks := append([]models.Task(nil), sched.Tasks...)
			tasks[i].ResourceID = c.slot.ResourceID
			tasks[i].ScheduledStart = c.slot.Start
			moved, err := p.sim.Simulate(&models.Schedule{Day: sched.Day, Calendars: sched.Calendars, Tasks: tasks}, p.adj)
			if err != nil {
				return nil, err
			}

			reduction := sim.TotalWaiting - moved.TotalWaiting
			improvement := base - Score(moved, p.weights)
			if reduction <= 0 || improvement <= epsilon {
				continue
			}
			if best == nil || improvement > best.ObjectiveImprovement+epsilon {
				best = &models.Recommendation{
					TaskID:               t.ID,
					From:                 from,
					To:                   c.slot,
					WaitingReduction:     reduction,
					ObjectiveImprovement: improvement,
					RequiresApproval:     true,
				}
			}
		}
		if best != nil {
			best.ID = uuid.New()
			recs = append(recs, *best)
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if !floatEqual(recs[i].ObjectiveImprovement, recs[j].ObjectiveImprovement) {
			return recs[i].ObjectiveImprovement > recs[j].ObjectiveImprovement
		}
		return recs[i].TaskID < recs[j].TaskID
	})
	if len(recs) > p.cfg.MaxRecommendations {
		recs = recs[:p.cfg.MaxRecommendations]
	}
	return recs, nil
}
