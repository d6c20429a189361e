// Package optimizer searches for a timeline that minimizes weighted waiting, workload variance
// and overrun without breaking hard constraints. It runs a parallel depth-first branch and bound
// seeded by a greedy schedule, and falls back to the best schedule found when the time budget
// runs out.
package optimizer

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"appointment-optimizer/simulator"
	"context"
	"math"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config holds optimizer parameters.
type Config struct {
	Weights            models.Weights   `yaml:"weights"`
	Budget             time.Duration    `yaml:"budget"`
	SlotStep           time.Duration    `yaml:"slot_step"`
	Workers            int              `yaml:"workers"`
	Rules              []SequencingRule `yaml:"rules"`
	OverbookThreshold  float64          `yaml:"overbook_threshold"`
	OverbookBlock      time.Duration    `yaml:"overbook_block"`
	RecommendThreshold time.Duration    `yaml:"recommend_threshold"`
	MaxRecommendations int              `yaml:"max_recommendations"`
}

// DefaultConfig returns the production defaults. New visits are restricted to the morning.
func DefaultConfig() Config {
	return Config{
		Weights:            models.DefaultWeights(),
		Budget:             10 * time.Second,
		SlotStep:           5 * time.Minute,
		Workers:            runtime.GOMAXPROCS(0),
		Rules:              []SequencingRule{{VisitType: models.VisitNew, NotAfter: 12 * time.Hour}},
		OverbookThreshold:  0.5,
		OverbookBlock:      4 * time.Hour,
		RecommendThreshold: 20 * time.Minute,
		MaxRecommendations: 5,
	}
}

// withDefaults fills zero fields so a partially specified Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Weights == (models.Weights{}) {
		c.Weights = d.Weights
	}
	if c.Budget <= 0 {
		c.Budget = d.Budget
	}
	if c.SlotStep <= 0 {
		c.SlotStep = d.SlotStep
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.OverbookThreshold <= 0 {
		c.OverbookThreshold = d.OverbookThreshold
	}
	if c.OverbookBlock <= 0 {
		c.OverbookBlock = d.OverbookBlock
	}
	if c.RecommendThreshold <= 0 {
		c.RecommendThreshold = d.RecommendThreshold
	}
	if c.MaxRecommendations <= 0 {
		c.MaxRecommendations = d.MaxRecommendations
	}
	return c
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger used for search progress.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Optimizer) { o.log = l }
}

// Optimizer produces optimized schedules. It holds no per-request state and is safe for
// concurrent use.
type Optimizer struct {
	cfg Config
	sim *simulator.Simulator
	log zerolog.Logger
}

// New creates an optimizer that scores candidates with sim.
func New(cfg Config, sim *simulator.Simulator, opts ...Option) *Optimizer {
	o := &Optimizer{cfg: cfg.withDefaults(), sim: sim, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Request is one optimization problem.
type Request struct {
	// Day bounds the timeline. Zero derives it from the calendars.
	Day       models.Window
	Tasks     []models.Task
	Calendars []models.ResourceCalendar
	// Weights overrides the configured objective weights.
	Weights *models.Weights
	// Budget overrides the configured time budget.
	Budget time.Duration
	// Pins forces tasks into slots regardless of soft and hard constraints.
	Pins    map[string]models.Slot
	Fatigue fatigue.Adjuster
	// NotBefore keeps relocated tasks from starting in the past during live re-optimization.
	NotBefore time.Time
}

// Optimize returns the best schedule found within the time budget. The input tasks are not
// modified. Invalid input or conflicting fixed tasks are returned as errors; a timeout is not an
// error but is reported through the result's Degraded field.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*models.OptimizationResult, error) {
	started := time.Now()

	weights := o.cfg.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}
	budget := o.cfg.Budget
	if req.Budget > 0 {
		budget = req.Budget
	}

	p, err := o.newProblem(req, weights)
	if err != nil {
		return nil, err
	}
	o.log.Debug().
		Int("movable", len(p.movable)).
		Int("immovable", len(p.fixed)).
		Int("pins", len(req.Pins)).
		Dur("budget", budget).
		Msg("optimization started")

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	greedyPl, greedyCost, cut, err := p.greedy(ctx)
	if err != nil {
		return nil, err
	}
	if cut {
		o.log.Warn().Msg("deadline reached during greedy placement, remaining tasks take their earliest slot")
	}
	strategy := models.StrategyGreedy
	seedPl, seedCost := greedyPl, greedyCost

	inputPl, inputCost, feasible, err := p.fromInput()
	if err != nil {
		return nil, err
	}
	if feasible && inputCost <= greedyCost+epsilon {
		strategy = models.StrategyInput
		seedPl, seedCost = inputPl, inputCost
	}

	inc := newIncumbent(seedCost, seedPl)
	converged, nodes, err := p.branchAndBound(ctx, inc)
	if err != nil {
		return nil, err
	}
	cost, best, improved := inc.best()
	if improved {
		strategy = models.StrategyBranchAndBound
	}

	final, sim, err := o.sim.Apply(p.schedule(best), p.adj)
	if err != nil {
		return nil, err
	}
	final.Sort()

	result := &models.OptimizationResult{
		Schedule:      final,
		Simulation:    sim,
		Score:         Score(sim, weights),
		Converged:     converged,
		Strategy:      strategy,
		Relaxed:       p.relaxed,
		Overbooked:    overbookPairs(final),
		Unplaced:      p.unplaced(best),
		NodesExplored: nodes,
	}
	if !converged {
		result.Degraded = errors.ErrOptimizationTimeout
	}
	result.Recommendations, err = p.recommend(ctx, final, sim)
	if err != nil {
		return nil, err
	}
	result.Elapsed = time.Since(started)

	o.record(result)
	ev := o.log.Info()
	if !converged {
		ev = o.log.Warn().Err(result.Degraded)
	}
	ev.Str("strategy", string(strategy)).
		Bool("converged", converged).
		Float64("score", result.Score).
		Float64("cost", cost).
		Int64("nodes", nodes).
		Int("unplaced", len(result.Unplaced)).
		Int("recommendations", len(result.Recommendations)).
		Dur("elapsed", result.Elapsed).
		Msg("optimization finished")
	return result, nil
}

// Recommend proposes relocations of low-priority pending tasks when some task is projected to
// wait longer than the recommendation threshold. Nothing is applied. The search stops early,
// keeping what it found, when ctx is done.
func (o *Optimizer) Recommend(ctx context.Context, sched *models.Schedule, adj fatigue.Adjuster, notBefore time.Time) ([]models.Recommendation, error) {
	sim, err := o.sim.Simulate(sched, adj)
	if err != nil {
		return nil, err
	}
	p := o.problemFor(sched, o.cfg.Weights, adj, notBefore)
	recs, err := p.recommend(ctx, sched, sim)
	if err != nil {
		return nil, err
	}
	metrics.RecommendationsIssued.Add(float64(len(recs)))
	return recs, nil
}

func (o *Optimizer) record(r *models.OptimizationResult) {
	metrics.OptimizationsTotal.WithLabelValues(string(r.Strategy), strconv.FormatBool(r.Converged)).Inc()
	metrics.OptimizationScore.Set(r.Score)
	metrics.OptimizationDurationSeconds.Observe(r.Elapsed.Seconds())
	metrics.NodesExplored.Observe(float64(r.NodesExplored))
	metrics.RecommendationsIssued.Add(float64(len(r.Recommendations)))

	atRisk := make(map[string]int)
	for _, out := range r.Simulation.Outcomes {
		if out.AtRisk {
			atRisk[out.ResourceID]++
		}
	}
	for id, s := range r.Simulation.Resources {
		metrics.RecordSimulation(id, s.Waiting.Minutes(), s.Overrun.Minutes(), atRisk[id])
	}
}

// Score is the weighted objective α·waiting + β·variance(workload) + γ·overrun, in minutes.
func Score(res *models.SimulationResult, w models.Weights) float64 {
	ids := make([]string, 0, len(res.Resources))
	for id := range res.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	loads := make([]float64, len(ids))
	for i, id := range ids {
		loads[i] = res.Resources[id].Workload.Minutes()
	}
	return w.Waiting*res.TotalWaiting.Minutes() + w.Variance*variance(loads) + w.Overrun*res.Overrun.Minutes()
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

func overbookPairs(s *models.Schedule) []models.OverbookPair {
	var pairs []models.OverbookPair
	for _, t := range s.Tasks {
		if t.OverbookOf != "" && t.Active() {
			pairs = append(pairs, models.OverbookPair{PrimaryID: t.OverbookOf, SecondaryID: t.ID, ResourceID: t.ResourceID})
		}
	}
	return pairs
}

// problem is the per-request search state shared read-only by all workers.
type problem struct {
	cfg       Config
	weights   models.Weights
	sim       *simulator.Simulator
	adj       fatigue.Adjuster
	day       models.Window
	calendars map[string]models.ResourceCalendar
	resources []string
	notBefore time.Time

	// fixed holds every task the search does not place: fixed, pinned, started and inactive.
	fixed []models.Task
	// movable is in search order.
	movable []models.Task
	base    *occupancy
	relaxed []models.RelaxedConstraint

	// remaining[d] is the adjusted workload in minutes of movable[d:].
	remaining []float64
	// uniform reports whether every resource has the same fatigue factor.
	uniform bool
}

func (o *Optimizer) problemFor(sched *models.Schedule, weights models.Weights, adj fatigue.Adjuster, notBefore time.Time) *problem {
	p := &problem{
		cfg:       o.cfg,
		weights:   weights,
		sim:       o.sim,
		adj:       adj,
		day:       sched.Day,
		calendars: sched.Calendars,
		resources: sched.Resources(),
		notBefore: notBefore,
		base:      newOccupancy(),
		uniform:   true,
	}
	for _, id := range p.resources {
		if p.factor(id) != p.factor(p.resources[0]) {
			p.uniform = false
		}
	}
	return p
}

func (p *problem) factor(resourceID string) float64 {
	if p.adj == nil {
		return 1
	}
	return p.adj.AdjustmentFor(resourceID)
}

func (o *Optimizer) newProblem(req Request, weights models.Weights) (*problem, error) {
	day := req.Day
	if day.Start.IsZero() || day.End.IsZero() {
		day = models.CalendarSpan(req.Calendars)
	}
	sched := models.NewSchedule(day, req.Calendars, req.Tasks)
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	pinIDs := make([]string, 0, len(req.Pins))
	for id := range req.Pins {
		pinIDs = append(pinIDs, id)
	}
	sort.Strings(pinIDs)
	for _, id := range pinIDs {
		slot := req.Pins[id]
		i := sched.Index(id)
		if i < 0 {
			return nil, &errors.TaskError{TaskID: id, Field: "pin", Detail: "unknown task", Err: errors.ErrInvalidInput}
		}
		if _, ok := sched.Calendars[slot.ResourceID]; !ok {
			return nil, &errors.TaskError{TaskID: id, Field: "pin", Detail: "no calendar for resource " + slot.ResourceID, Err: errors.ErrInvalidInput}
		}
		if sched.Tasks[i].Anchored() || !sched.Tasks[i].Active() {
			return nil, &errors.TaskError{TaskID: id, Field: "pin", Detail: "task is no longer pending", Err: errors.ErrInvalidInput}
		}
		t := &sched.Tasks[i]
		t.ResourceID = slot.ResourceID
		t.ScheduledStart = slot.Start
		t.OverbookOf = ""
		t.Pinned = true
		t.Fixed = false
	}
	sched.Sort()

	// rejects conflicting fixed tasks before any search
	if _, err := o.sim.Simulate(sched, req.Fatigue); err != nil {
		return nil, err
	}

	p := o.problemFor(sched, weights, req.Fatigue, req.NotBefore)
	var pinned []models.Task
	for _, t := range sched.Tasks {
		switch {
		case t.Movable():
			p.movable = append(p.movable, t)
		case t.Pinned && t.Active():
			p.fixed = append(p.fixed, t)
			pinned = append(pinned, t)
		default:
			p.fixed = append(p.fixed, t)
			if t.Active() {
				p.base.add(p, t, t.ResourceID, t.PlannedStart(), t.PlannedEnd(), t.OverbookOf)
			}
		}
	}

	sort.SliceStable(pinned, func(i, j int) bool { return pinned[i].ID < pinned[j].ID })
	for _, t := range pinned {
		slot := models.Slot{ResourceID: t.ResourceID, Start: t.ScheduledStart}
		for _, c := range p.violations(p.base, t, slot, "") {
			p.relaxed = append(p.relaxed, models.RelaxedConstraint{TaskID: t.ID, Constraint: c, Detail: describeSlot(slot)})
		}
		p.base.add(p, t, t.ResourceID, t.ScheduledStart, t.PlannedEnd(), "")
	}

	sort.SliceStable(p.movable, func(i, j int) bool { return searchLess(p.movable[i], p.movable[j]) })
	p.remaining = make([]float64, len(p.movable)+1)
	for d := len(p.movable) - 1; d >= 0; d-- {
		t := p.movable[d]
		p.remaining[d] = p.remaining[d+1] + t.PredictedDuration.Minutes()*p.factor(p.resources[0])
	}
	return p, nil
}

// searchLess orders movable tasks: likely no-shows first, then urgency, then original start.
func searchLess(a, b models.Task) bool {
	if a.NoShowProbability != b.NoShowProbability {
		return a.NoShowProbability > b.NoShowProbability
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledStart.Equal(b.ScheduledStart) {
		return a.ScheduledStart.Before(b.ScheduledStart)
	}
	return a.ID < b.ID
}

// schedule materializes a (possibly partial) assignment on top of the immovable tasks.
func (p *problem) schedule(pl []placement) *models.Schedule {
	tasks := make([]models.Task, 0, len(p.fixed)+len(pl))
	tasks = append(tasks, p.fixed...)
	for _, x := range pl {
		if !x.placed {
			continue
		}
		t := p.movable[x.task]
		t.ResourceID = x.slot.ResourceID
		t.ScheduledStart = x.slot.Start
		t.OverbookOf = x.overbookOf
		tasks = append(tasks, t)
	}
	return &models.Schedule{Day: p.day, Calendars: p.calendars, Tasks: tasks}
}

func (p *problem) unplaced(pl []placement) []string {
	var ids []string
	for _, x := range pl {
		if !x.placed {
			ids = append(ids, p.movable[x.task].ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// parts are the objective components of a (possibly partial) assignment.
type parts struct {
	waiting  float64
	overrun  float64
	loads    []float64
	unplaced int
}

func (p *problem) evaluate(pl []placement) (parts, error) {
	res, err := p.sim.Simulate(p.schedule(pl), p.adj)
	if err != nil {
		return parts{}, err
	}
	out := parts{
		waiting: res.TotalWaiting.Minutes(),
		overrun: res.Overrun.Minutes(),
		loads:   make([]float64, len(p.resources)),
	}
	for i, id := range p.resources {
		out.loads[i] = res.Resources[id].Workload.Minutes()
	}
	for _, x := range pl {
		if !x.placed {
			out.unplaced++
		}
	}
	return out, nil
}

// unplacedPenalty makes any assignment that places more tasks better than one that places fewer.
const unplacedPenalty = 1e6

const epsilon = 1e-9

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) <= epsilon
}

func (p *problem) cost(x parts) float64 {
	return p.weights.Waiting*x.waiting +
		p.weights.Variance*variance(x.loads) +
		p.weights.Overrun*x.overrun +
		unplacedPenalty*float64(x.unplaced)
}

// bound is a lower bound on the cost of every completion of a partial assignment of depth d.
// Waiting and overrun never decrease as tasks are added; variance is bounded by spreading the
// remaining workload as evenly as possible.
func (p *problem) bound(x parts, d int) float64 {
	rest := p.remaining[d]
	if rest == 0 {
		return p.cost(x)
	}
	v := 0.0
	if p.uniform {
		v = waterFill(x.loads, rest)
	}
	return p.weights.Waiting*x.waiting +
		p.weights.Variance*v +
		p.weights.Overrun*x.overrun +
		unplacedPenalty*float64(x.unplaced)
}

// waterFill returns the least variance reachable by adding a total of rest to loads.
func waterFill(loads []float64, rest float64) float64 {
	if len(loads) == 0 {
		return 0
	}
	sorted := append([]float64(nil), loads...)
	sort.Float64s(sorted)
	level := sorted[0]
	for i := range sorted {
		next := math.Inf(1)
		if i+1 < len(sorted) {
			next = sorted[i+1]
		}
		need := (next - level) * float64(i+1)
		if rest <= need {
			level += rest / float64(i+1)
			break
		}
		rest -= need
		level = next
	}
	for i, l := range sorted {
		sorted[i] = math.Max(l, level)
	}
	return variance(sorted)
}
