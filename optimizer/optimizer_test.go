package optimizer_test

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/models"
	"appointment-optimizer/optimizer"
	"appointment-optimizer/simulator"
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func calendar(id string, from, to int, buffer time.Duration, breaks ...models.Window) models.ResourceCalendar {
	return models.ResourceCalendar{
		ResourceID:     id,
		WorkingWindows: []models.Window{{Start: at(from, 0), End: at(to, 0)}},
		Breaks:         breaks,
		MinBuffer:      buffer,
	}
}

func task(id, resource string, start time.Time, d time.Duration) models.Task {
	return models.Task{
		ID:                id,
		ResourceID:        resource,
		VisitType:         models.VisitFollowUp,
		ScheduledStart:    start,
		PredictedDuration: d,
		DurationLow:       d,
		DurationHigh:      d,
		Priority:          2,
	}
}

func newOptimizer() *optimizer.Optimizer {
	cfg := optimizer.DefaultConfig()
	cfg.Workers = 2
	cfg.Budget = 5 * time.Second
	return optimizer.New(cfg, simulator.New(simulator.DefaultConfig()))
}

// assertFeasible checks window, break, buffer, room and sequencing constraints for every
// non-pinned task.
func assertFeasible(t *testing.T, res *models.OptimizationResult) {
	t.Helper()
	rules := optimizer.DefaultConfig().Rules
	var active []models.Task
	for _, tk := range res.Schedule.Tasks {
		if tk.Active() {
			active = append(active, tk)
		}
	}
	for i, a := range active {
		if a.Pinned {
			continue
		}
		for _, r := range rules {
			if a.VisitType != r.VisitType || a.Anchored() {
				continue
			}
			midnight := time.Date(a.ScheduledStart.Year(), a.ScheduledStart.Month(), a.ScheduledStart.Day(), 0, 0, 0, 0, a.ScheduledStart.Location())
			offset := a.ScheduledStart.Sub(midnight)
			assert.False(t, r.NotAfter > 0 && offset >= r.NotAfter, "%s starts too late for a %s visit", a.ID, a.VisitType)
			assert.False(t, r.NotBefore > 0 && offset < r.NotBefore, "%s starts too early for a %s visit", a.ID, a.VisitType)
		}
		for _, b := range active[i+1:] {
			if a.RoomID == "" || a.RoomID != b.RoomID || b.Pinned || a.OverbookOf == b.ID || b.OverbookOf == a.ID {
				continue
			}
			overlaps := a.PlannedStart().Before(b.PlannedEnd()) && b.PlannedStart().Before(a.PlannedEnd())
			assert.False(t, overlaps, "%s and %s share room %s", a.ID, b.ID, a.RoomID)
		}
	}
	for id, idx := range res.Schedule.ByResource() {
		cal := res.Schedule.Calendars[id]
		var lastEnd time.Time
		for _, i := range idx {
			tk := res.Schedule.Tasks[i]
			if !tk.Active() {
				continue
			}
			start, end := tk.PlannedStart(), tk.PlannedEnd()
			if !tk.Pinned {
				_, ok := cal.WorkingWindowFor(start, end)
				assert.True(t, ok, "%s outside working windows", tk.ID)
				for _, b := range cal.Breaks {
					assert.False(t, b.Overlaps(start, end), "%s overlaps a break", tk.ID)
				}
				if !lastEnd.IsZero() && tk.OverbookOf == "" {
					assert.False(t, start.Before(lastEnd.Add(cal.MinBuffer)), "%s starts within the buffer", tk.ID)
				}
			}
			if end.After(lastEnd) {
				lastEnd = end
			}
		}
	}
}

func TestOptimize_ResolvesOverlaps(t *testing.T) {
	req := optimizer.Request{
		Calendars: []models.ResourceCalendar{calendar("dr-a", 8, 12, 5*time.Minute)},
		Tasks: []models.Task{
			task("a", "dr-a", at(8, 0), 30*time.Minute),
			task("b", "dr-a", at(8, 10), 30*time.Minute),
			task("c", "dr-a", at(8, 20), 20*time.Minute),
		},
	}

	res, err := newOptimizer().Optimize(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.NoError(t, res.Degraded)
	assert.Equal(t, models.StrategyGreedy, res.Strategy)
	assert.Empty(t, res.Unplaced)
	assert.Zero(t, res.Score)
	assertFeasible(t, res)

	starts := map[string]time.Time{}
	for _, tk := range res.Schedule.Tasks {
		starts[tk.ID] = tk.ScheduledStart
	}
	assert.Equal(t, at(8, 0), starts["a"])
	assert.Equal(t, at(8, 35), starts["b"])
	assert.Equal(t, at(9, 10), starts["c"])
	assert.Equal(t, req.Tasks[1].ScheduledStart, at(8, 10), "input is not modified")
}

func TestOptimize_NeverWorseThanInput(t *testing.T) {
	cals := []models.ResourceCalendar{
		calendar("dr-a", 8, 12, 5*time.Minute),
		calendar("dr-b", 8, 12, 5*time.Minute),
	}
	tasks := []models.Task{
		task("a", "dr-a", at(8, 0), 30*time.Minute),
		task("b", "dr-a", at(8, 35), 30*time.Minute),
		task("c", "dr-a", at(9, 10), 30*time.Minute),
		task("d", "dr-a", at(9, 45), 30*time.Minute),
	}
	sim := simulator.New(simulator.DefaultConfig())
	input, err := sim.Simulate(models.NewSchedule(models.Window{}, cals, tasks), nil)
	require.NoError(t, err)
	inputScore := optimizer.Score(input, models.DefaultWeights())

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: tasks})
	require.NoError(t, err)

	assert.LessOrEqual(t, res.Score, inputScore)
	assert.Less(t, res.Score, inputScore, "workload is balanced across both resources")
	assert.Equal(t, 60*time.Minute, res.Simulation.Resources["dr-a"].Workload)
	assert.Equal(t, 60*time.Minute, res.Simulation.Resources["dr-b"].Workload)
	assertFeasible(t, res)
}

func TestOptimize_RoomsDoNotOverlap(t *testing.T) {
	cals := []models.ResourceCalendar{
		calendar("dr-a", 8, 12, 5*time.Minute),
		calendar("dr-b", 8, 12, 5*time.Minute),
	}
	a := task("a", "dr-a", at(8, 0), 30*time.Minute)
	a.RoomID = "room-1"
	a.AllowedResources = []string{"dr-a"}
	b := task("b", "dr-b", at(8, 0), 30*time.Minute)
	b.RoomID = "room-1"
	b.AllowedResources = []string{"dr-b"}

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: []models.Task{a, b}})
	require.NoError(t, err)

	assert.Empty(t, res.Unplaced)
	assertFeasible(t, res)
	gotA, _ := res.Schedule.Task("a")
	gotB, _ := res.Schedule.Task("b")
	assert.Equal(t, at(8, 0), gotA.ScheduledStart)
	assert.Equal(t, at(8, 30), gotB.ScheduledStart)
}

func TestOptimize_KeepsFeasibleInput(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 5*time.Minute)}
	tasks := []models.Task{
		task("a", "dr-a", at(9, 0), 30*time.Minute),
		task("b", "dr-a", at(10, 0), 30*time.Minute),
	}

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: tasks})
	require.NoError(t, err)

	assert.Equal(t, models.StrategyInput, res.Strategy)
	a, _ := res.Schedule.Task("a")
	b, _ := res.Schedule.Task("b")
	assert.Equal(t, at(9, 0), a.ScheduledStart)
	assert.Equal(t, at(10, 0), b.ScheduledStart)
}

func TestOptimize_TimeoutFallsBack(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	req := optimizer.Request{
		Calendars: []models.ResourceCalendar{
			calendar("dr-a", 8, 12, 5*time.Minute),
			calendar("dr-b", 8, 12, 5*time.Minute),
		},
		Tasks: []models.Task{
			task("a", "dr-a", at(8, 0), 30*time.Minute),
			task("b", "dr-a", at(8, 0), 30*time.Minute),
			task("c", "dr-b", at(8, 0), 30*time.Minute),
			task("d", "dr-b", at(8, 0), 30*time.Minute),
		},
	}

	res, err := newOptimizer().Optimize(ctx, req)
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.True(t, stderrors.Is(res.Degraded, errors.ErrOptimizationTimeout))
	assert.NotEqual(t, models.StrategyBranchAndBound, res.Strategy)
	assert.Empty(t, res.Unplaced)
	assertFeasible(t, res)
}

func TestOptimize_DeadlineCoversGreedy(t *testing.T) {
	var cals []models.ResourceCalendar
	var tasks []models.Task
	for r := 0; r < 8; r++ {
		id := fmt.Sprintf("dr-%d", r)
		cals = append(cals, calendar(id, 8, 17, 5*time.Minute))
		for i := 0; i < 14; i++ {
			tasks = append(tasks, task(fmt.Sprintf("%s-%02d", id, i), id, at(8, 0), 20*time.Minute))
		}
	}

	started := time.Now()
	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{
		Calendars: cals,
		Tasks:     tasks,
		Budget:    200 * time.Millisecond,
	})
	elapsed := time.Since(started)
	require.NoError(t, err)

	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.False(t, res.Converged)
	assert.True(t, stderrors.Is(res.Degraded, errors.ErrOptimizationTimeout))
	assert.Empty(t, res.Unplaced)
	assertFeasible(t, res)
}

type factors map[string]float64

func (f factors) AdjustmentFor(resourceID string) float64 {
	if v, ok := f[resourceID]; ok {
		return v
	}
	return 1
}

func TestOptimize_ConvergedIsOptimal(t *testing.T) {
	short := func(id string) models.ResourceCalendar {
		return models.ResourceCalendar{
			ResourceID:     id,
			WorkingWindows: []models.Window{{Start: at(8, 0), End: at(9, 30)}},
			MinBuffer:      5 * time.Minute,
		}
	}
	cals := []models.ResourceCalendar{short("dr-a"), short("dr-b")}
	tasks := []models.Task{
		task("a", "dr-a", at(8, 0), 20*time.Minute),
		task("b", "dr-a", at(8, 0), 30*time.Minute),
		task("c", "dr-b", at(8, 0), 40*time.Minute),
	}
	adj := factors{"dr-a": 1.15}

	cfg := optimizer.DefaultConfig()
	cfg.Workers = 2
	cfg.Budget = 5 * time.Second
	cfg.SlotStep = 15 * time.Minute
	sim := simulator.New(simulator.DefaultConfig())
	res, err := optimizer.New(cfg, sim).Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: tasks, Fatigue: adj})
	require.NoError(t, err)
	require.True(t, res.Converged)

	// every feasible arrangement on the same grid
	fits := func(placed []models.Task, tk models.Task, buffer time.Duration) bool {
		for _, p := range placed {
			if p.ResourceID != tk.ResourceID {
				continue
			}
			if tk.ScheduledStart.Before(p.PlannedEnd().Add(buffer)) && p.ScheduledStart.Before(tk.PlannedEnd().Add(buffer)) {
				return false
			}
		}
		return true
	}
	best := math.Inf(1)
	var enumerate func(k int, placed []models.Task)
	enumerate = func(k int, placed []models.Task) {
		if k == len(tasks) {
			out, err := sim.Simulate(models.NewSchedule(models.Window{}, cals, placed), adj)
			require.NoError(t, err)
			best = math.Min(best, optimizer.Score(out, models.DefaultWeights()))
			return
		}
		for _, cal := range cals {
			w := cal.WorkingWindows[0]
			for s := w.Start; !s.Add(tasks[k].PredictedDuration).After(w.End); s = s.Add(cfg.SlotStep) {
				tk := tasks[k]
				tk.ResourceID = cal.ResourceID
				tk.ScheduledStart = s
				if fits(placed, tk, cal.MinBuffer) {
					enumerate(k+1, append(placed[:k:k], tk))
				}
			}
		}
	}
	enumerate(0, nil)

	require.False(t, math.IsInf(best, 1))
	assert.InDelta(t, best, res.Score, 1e-9)
}

func TestOptimize_OverbookingCap(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 0)}
	var tasks []models.Task
	for i, h := range []int{8, 9, 10, 11} {
		f := task(string(rune('p'+i)), "dr-a", at(h, 0), 60*time.Minute)
		f.Fixed = true
		f.Priority = 3
		tasks = append(tasks, f)
	}
	for _, id := range []string{"x", "y"} {
		s := task(id, "dr-a", at(8, 0), 30*time.Minute)
		s.NoShowProbability = 0.7
		tasks = append(tasks, s)
	}

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: tasks})
	require.NoError(t, err)

	require.Len(t, res.Overbooked, 1, "one overbooking per four-hour block")
	assert.Len(t, res.Unplaced, 1)
	primary, ok := res.Schedule.Task(res.Overbooked[0].PrimaryID)
	require.True(t, ok)
	secondary, ok := res.Schedule.Task(res.Overbooked[0].SecondaryID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, primary.Priority, models.LowUrgencyPriority)
	assert.Equal(t, primary.ScheduledStart, secondary.ScheduledStart)
}

func TestOptimize_LowNoShowIsNeverOverbooked(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 9, 0)}
	f := task("f", "dr-a", at(8, 0), 60*time.Minute)
	f.Fixed = true
	f.Priority = 3
	x := task("x", "dr-a", at(8, 0), 30*time.Minute)
	x.NoShowProbability = 0.4

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: []models.Task{f, x}})
	require.NoError(t, err)

	assert.Empty(t, res.Overbooked)
	assert.Equal(t, []string{"x"}, res.Unplaced)
}

func TestOptimize_PinsReportRelaxedConstraints(t *testing.T) {
	brk := models.Window{Start: at(10, 0), End: at(10, 30)}
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 5*time.Minute, brk)}
	f := task("f", "dr-a", at(9, 0), 60*time.Minute)
	f.Fixed = true
	tasks := []models.Task{
		f,
		task("p", "dr-a", at(8, 0), 30*time.Minute),
		task("q", "dr-a", at(8, 0), 20*time.Minute),
		task("m", "dr-a", at(8, 0), 30*time.Minute),
	}
	pins := map[string]models.Slot{
		"p": {ResourceID: "dr-a", Start: at(9, 30)},
		"q": {ResourceID: "dr-a", Start: at(10, 10)},
	}

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: tasks, Pins: pins})
	require.NoError(t, err)

	relaxed := map[string][]string{}
	for _, r := range res.Relaxed {
		relaxed[r.TaskID] = append(relaxed[r.TaskID], r.Constraint)
	}
	assert.Equal(t, []string{"overlap"}, relaxed["p"])
	assert.Equal(t, []string{"break"}, relaxed["q"])

	p, _ := res.Schedule.Task("p")
	assert.Equal(t, at(9, 30), p.ScheduledStart)
	assert.True(t, p.Pinned)

	m, ok := res.Schedule.Task("m")
	require.True(t, ok)
	for _, other := range []string{"f", "p", "q"} {
		o, _ := res.Schedule.Task(other)
		assert.False(t, m.PlannedStart().Before(o.PlannedEnd()) && o.PlannedStart().Before(m.PlannedEnd()), "m overlaps %s", other)
	}
	assertFeasible(t, res)
}

func TestOptimize_GreedyTieBreaks(t *testing.T) {
	tests := map[string]struct {
		calendars []models.ResourceCalendar
		tasks     []models.Task
		wantSlot  map[string]models.Slot
		unplaced  []string
	}{
		"EarliestStartThenResourceID": {
			calendars: []models.ResourceCalendar{
				calendar("dr-b", 8, 12, 0),
				calendar("dr-a", 8, 12, 0),
			},
			tasks: []models.Task{task("t", "dr-b", at(7, 0), 30*time.Minute)},
			wantSlot: map[string]models.Slot{
				"t": {ResourceID: "dr-a", Start: at(8, 0)},
			},
		},
		"UrgentTaskPlacedFirst": {
			calendars: []models.ResourceCalendar{
				{
					ResourceID:     "dr-a",
					WorkingWindows: []models.Window{{Start: at(8, 0), End: at(8, 30)}},
				},
			},
			tasks: func() []models.Task {
				lo := task("lo", "dr-a", at(8, 0), 30*time.Minute)
				lo.Priority = 4
				hi := task("hi", "dr-a", at(8, 0), 30*time.Minute)
				hi.Priority = 1
				return []models.Task{lo, hi}
			}(),
			wantSlot: map[string]models.Slot{
				"hi": {ResourceID: "dr-a", Start: at(8, 0)},
			},
			unplaced: []string{"lo"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: tt.calendars, Tasks: tt.tasks})
			require.NoError(t, err)

			for id, want := range tt.wantSlot {
				got, ok := res.Schedule.Task(id)
				require.True(t, ok)
				assert.Equal(t, want.ResourceID, got.ResourceID)
				assert.Equal(t, want.Start, got.ScheduledStart)
			}
			if tt.unplaced == nil {
				assert.Empty(t, res.Unplaced)
			} else {
				assert.Equal(t, tt.unplaced, res.Unplaced)
			}
		})
	}
}

func TestOptimize_SequencingRule(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 17, 5*time.Minute)}
	n := task("n", "dr-a", at(13, 0), 30*time.Minute)
	n.VisitType = models.VisitNew

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{Calendars: cals, Tasks: []models.Task{n}})
	require.NoError(t, err)

	got, _ := res.Schedule.Task("n")
	assert.True(t, got.ScheduledStart.Before(at(12, 0)), "new visits start in the morning, got %s", got.ScheduledStart)
}

func TestOptimize_AnchoredTasksStay(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 5*time.Minute)}
	running := task("run", "dr-a", at(8, 0), 30*time.Minute)
	running.Status = models.StatusInProgress
	running.ActualStart = at(8, 10)
	next := task("next", "dr-a", at(8, 35), 30*time.Minute)

	res, err := newOptimizer().Optimize(context.Background(), optimizer.Request{
		Calendars: cals,
		Tasks:     []models.Task{running, next},
		NotBefore: at(8, 40),
	})
	require.NoError(t, err)

	got, _ := res.Schedule.Task("run")
	assert.Equal(t, at(8, 10), got.ActualStart)
	assert.Equal(t, at(8, 0), got.ScheduledStart)

	moved, _ := res.Schedule.Task("next")
	assert.False(t, moved.ScheduledStart.Before(at(8, 45)), "next respects the running task and the buffer")
}

func TestOptimize_Errors(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 5*time.Minute)}
	a := task("a", "dr-a", at(9, 0), 30*time.Minute)
	a.Fixed = true
	b := task("b", "dr-a", at(9, 15), 30*time.Minute)
	b.Fixed = true

	tests := map[string]struct {
		req  optimizer.Request
		want error
	}{
		"MissingCalendar": {
			req:  optimizer.Request{Calendars: cals, Tasks: []models.Task{task("x", "dr-z", at(9, 0), 30*time.Minute)}},
			want: errors.ErrInvalidInput,
		},
		"FixedConflict": {
			req:  optimizer.Request{Calendars: cals, Tasks: []models.Task{a, b}},
			want: errors.ErrInvalidSchedule,
		},
		"UnknownPin": {
			req: optimizer.Request{
				Calendars: cals,
				Tasks:     []models.Task{task("x", "dr-a", at(9, 0), 30*time.Minute)},
				Pins:      map[string]models.Slot{"nope": {ResourceID: "dr-a", Start: at(9, 0)}},
			},
			want: errors.ErrInvalidInput,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newOptimizer().Optimize(context.Background(), tt.req)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestRecommend(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 0)}
	a := task("a", "dr-a", at(8, 0), 30*time.Minute)
	a.Status = models.StatusCompleted
	a.ActualStart = at(8, 0)
	a.ActualDuration = 60 * time.Minute
	b := task("b", "dr-a", at(8, 30), 30*time.Minute)
	b.Priority = 1
	c := task("c", "dr-a", at(9, 0), 30*time.Minute)
	c.Priority = 3
	d := task("d", "dr-a", at(9, 30), 30*time.Minute)
	d.Priority = 1
	sched := models.NewSchedule(models.Window{}, cals, []models.Task{a, b, c, d})

	recs, err := newOptimizer().Recommend(context.Background(), sched, nil, time.Time{})
	require.NoError(t, err)

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "c", r.TaskID)
	assert.Equal(t, models.Slot{ResourceID: "dr-a", Start: at(9, 0)}, r.From)
	assert.Equal(t, models.Slot{ResourceID: "dr-a", Start: at(10, 0)}, r.To)
	assert.Equal(t, 60*time.Minute, r.WaitingReduction)
	assert.InDelta(t, 30.0, r.ObjectiveImprovement, 1e-9)
	assert.True(t, r.RequiresApproval)
	assert.NotEqual(t, [16]byte{}, [16]byte(r.ID))

	c2, _ := sched.Task("c")
	assert.Equal(t, at(9, 0), c2.ScheduledStart, "recommendations are not applied")
}

func TestRecommend_NothingBelowThreshold(t *testing.T) {
	cals := []models.ResourceCalendar{calendar("dr-a", 8, 12, 0)}
	a := task("a", "dr-a", at(8, 0), 30*time.Minute)
	b := task("b", "dr-a", at(8, 30), 30*time.Minute)
	b.Priority = 4
	sched := models.NewSchedule(models.Window{}, cals, []models.Task{a, b})

	recs, err := newOptimizer().Recommend(context.Background(), sched, nil, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
