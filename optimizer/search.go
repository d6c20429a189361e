package optimizer

import (
	"appointment-optimizer/models"
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// placement is the decision for movable[task]. placed is false when no feasible slot existed.
type placement struct {
	task       int
	placed     bool
	slot       models.Slot
	overbookOf string
}

func extend(pl []placement, x placement) []placement {
	out := make([]placement, len(pl), len(pl)+1)
	copy(out, pl)
	return append(out, x)
}

type scored struct {
	candidate
	cost float64
}

// occupancyFor rebuilds the occupied intervals of a partial assignment.
func (p *problem) occupancyFor(pl []placement) *occupancy {
	occ := p.base.clone()
	for _, x := range pl {
		if !x.placed {
			continue
		}
		t := p.movable[x.task]
		occ.add(p, t, x.slot.ResourceID, x.slot.Start, x.slot.Start.Add(t.PredictedDuration), x.overbookOf)
	}
	return occ
}

// greedy places tasks one at a time in search order, each at the feasible slot with the least
// objective increase. Once ctx is done the remaining tasks take their earliest feasible slot
// without scoring, and cut reports that this happened.
func (p *problem) greedy(ctx context.Context) (pl []placement, cost float64, cut bool, err error) {
	occ := p.base.clone()
	pl = make([]placement, 0, len(p.movable))
	for i, t := range p.movable {
		cands := p.candidates(occ, t)
		var best *scored
		for _, c := range cands {
			if ctx.Err() != nil {
				cut = true
				break
			}
			x, err := p.evaluate(extend(pl, placement{task: i, placed: true, slot: c.slot, overbookOf: c.overbookOf}))
			if err != nil {
				return nil, 0, false, err
			}
			s := scored{candidate: c, cost: p.cost(x)}
			if best == nil || candidateLess(s, *best) {
				best = &s
			}
		}
		if cut {
			best = earliest(cands)
		}
		if best == nil {
			pl = append(pl, placement{task: i})
			continue
		}
		pl = append(pl, placement{task: i, placed: true, slot: best.slot, overbookOf: best.overbookOf})
		occ.add(p, t, best.slot.ResourceID, best.slot.Start, best.slot.Start.Add(t.PredictedDuration), best.overbookOf)
	}
	x, err := p.evaluate(pl)
	if err != nil {
		return nil, 0, false, err
	}
	return pl, p.cost(x), cut, nil
}

// earliest returns the first candidate by start, resource ID, plain before overbook.
func earliest(cands []candidate) *scored {
	var best *scored
	for _, c := range cands {
		s := scored{candidate: c}
		if best == nil || candidateLess(s, *best) {
			best = &s
		}
	}
	return best
}

// fromInput keeps every movable task where it is. ok is false when that arrangement breaks a
// hard constraint.
func (p *problem) fromInput() ([]placement, float64, bool, error) {
	order := make([]int, len(p.movable))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return models.TaskLess(p.movable[order[a]], p.movable[order[b]])
	})

	occ := p.base.clone()
	pl := make([]placement, len(p.movable))
	for _, i := range order {
		t := p.movable[i]
		if t.OverbookOf != "" && t.NoShowProbability <= p.cfg.OverbookThreshold {
			return nil, 0, false, nil
		}
		slot := models.Slot{ResourceID: t.ResourceID, Start: t.ScheduledStart}
		if len(p.violations(occ, t, slot, t.OverbookOf)) > 0 {
			return nil, 0, false, nil
		}
		occ.add(p, t, slot.ResourceID, slot.Start, t.PlannedEnd(), t.OverbookOf)
		pl[i] = placement{task: i, placed: true, slot: slot, overbookOf: t.OverbookOf}
	}
	x, err := p.evaluate(pl)
	if err != nil {
		return nil, 0, false, err
	}
	return pl, p.cost(x), true, nil
}

// incumbent is the best complete assignment found so far, shared by all workers.
type incumbent struct {
	mu       sync.Mutex
	limitBit atomic.Uint64
	cost     float64
	pl       []placement
	improved bool
}

func newIncumbent(cost float64, pl []placement) *incumbent {
	in := &incumbent{cost: cost, pl: pl}
	in.limitBit.Store(math.Float64bits(cost))
	return in
}

// limit is the cost a node must beat to be worth exploring.
func (in *incumbent) limit() float64 {
	return math.Float64frombits(in.limitBit.Load())
}

func (in *incumbent) offer(cost float64, pl []placement) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if cost >= in.cost-epsilon {
		return
	}
	in.cost = cost
	in.pl = pl
	in.improved = true
	in.limitBit.Store(math.Float64bits(cost))
}

func (in *incumbent) best() (float64, []placement, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cost, in.pl, in.improved
}

type node struct {
	pl    []placement
	bound float64
}

// branchAndBound explores the candidate tree depth-first with one explicit stack per worker.
// Every child that can still beat the incumbent is kept, best first, so an exhausted tree proves
// the incumbent optimal. It reports convergence only when that happened before ctx expired.
func (p *problem) branchAndBound(ctx context.Context, inc *incumbent) (bool, int64, error) {
	if len(p.movable) == 0 {
		return true, 0, nil
	}
	var nodes atomic.Int64

	// widen the frontier until every worker has its own subtrees
	frontier := []node{{}}
	for len(frontier) < p.cfg.Workers {
		var next []node
		expanded := false
		for _, n := range frontier {
			if len(n.pl) == len(p.movable) {
				next = append(next, n)
				continue
			}
			if ctx.Err() != nil {
				return false, nodes.Load(), nil
			}
			nodes.Add(1)
			children, err := p.expand(ctx, n, inc.limit())
			if err != nil {
				if ctx.Err() != nil {
					return false, nodes.Load(), nil
				}
				return false, nodes.Load(), err
			}
			next = append(next, children...)
			expanded = true
		}
		frontier = next
		if !expanded {
			break
		}
	}

	shards := make([][]node, p.cfg.Workers)
	for i, n := range frontier {
		shards[i%len(shards)] = append(shards[i%len(shards)], n)
	}

	var timedOut atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		shard := shard
		g.Go(func() error {
			stack := make([]node, 0, len(shard)+len(p.movable))
			for i := len(shard) - 1; i >= 0; i-- {
				stack = append(stack, shard[i])
			}
			for len(stack) > 0 {
				if gctx.Err() != nil {
					timedOut.Store(true)
					return nil
				}
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				nodes.Add(1)

				if n.bound >= inc.limit()-epsilon {
					continue
				}
				if len(n.pl) == len(p.movable) {
					inc.offer(n.bound, n.pl)
					continue
				}
				children, err := p.expand(gctx, n, inc.limit())
				if err != nil {
					if gctx.Err() != nil {
						timedOut.Store(true)
						return nil
					}
					return err
				}
				for i := len(children) - 1; i >= 0; i-- {
					stack = append(stack, children[i])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, nodes.Load(), err
	}
	return !timedOut.Load(), nodes.Load(), nil
}

// expand returns every child of n that can still beat limit, best first. It stops with ctx's
// error when ctx is done mid-expansion.
func (p *problem) expand(ctx context.Context, n node, limit float64) ([]node, error) {
	depth := len(n.pl)
	t := p.movable[depth]
	cands := p.candidates(p.occupancyFor(n.pl), t)

	if len(cands) == 0 {
		pl := extend(n.pl, placement{task: depth})
		x, err := p.evaluate(pl)
		if err != nil {
			return nil, err
		}
		b := p.bound(x, depth+1)
		if b >= limit-epsilon {
			return nil, nil
		}
		return []node{{pl: pl, bound: b}}, nil
	}

	kept := make([]scored, 0, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := p.evaluate(extend(n.pl, placement{task: depth, placed: true, slot: c.slot, overbookOf: c.overbookOf}))
		if err != nil {
			return nil, err
		}
		b := p.bound(x, depth+1)
		if b >= limit-epsilon {
			continue
		}
		kept = append(kept, scored{candidate: c, cost: b})
	}
	sortScored(kept)

	children := make([]node, len(kept))
	for i, s := range kept {
		children[i] = node{
			pl:    extend(n.pl, placement{task: depth, placed: true, slot: s.slot, overbookOf: s.overbookOf}),
			bound: s.cost,
		}
	}
	return children, nil
}
