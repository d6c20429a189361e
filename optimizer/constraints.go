package optimizer

import (
	"appointment-optimizer/models"
	"fmt"
	"sort"
	"time"
)

// SequencingRule restricts the time of day at which a visit type may start.
// Offsets are measured from midnight of the slot's day; zero disables a bound.
type SequencingRule struct {
	VisitType models.VisitType `yaml:"visit_type"`
	NotBefore time.Duration    `yaml:"not_before"`
	NotAfter  time.Duration    `yaml:"not_after"`
}

func (r SequencingRule) allows(t models.Task, start time.Time) bool {
	if r.VisitType != t.VisitType {
		return true
	}
	y, m, d := start.Date()
	offset := start.Sub(time.Date(y, m, d, 0, 0, 0, 0, start.Location()))
	if r.NotBefore > 0 && offset < r.NotBefore {
		return false
	}
	if r.NotAfter > 0 && offset >= r.NotAfter {
		return false
	}
	return true
}

// Constraint names reported by violations and in RelaxedConstraint.
const (
	constraintResource   = "resource"
	constraintWindow     = "window"
	constraintBreak      = "break"
	constraintNotBefore  = "not_before"
	constraintSequencing = "sequencing"
	constraintOverlap    = "overlap"
	constraintBuffer     = "buffer"
	constraintRoom       = "room"
	constraintOverbook   = "overbook_cap"
)

// interval is an occupied stretch of a resource or room.
type interval struct {
	taskID     string
	priority   int
	pending    bool
	start, end time.Time
	overbookOf string
}

type blockKey struct {
	resource string
	block    int64
}

// occupancy is the set of placed tasks a new placement must respect.
type occupancy struct {
	resources map[string][]interval
	rooms     map[string][]interval
	overbooks map[blockKey]int
	partnered map[string]bool
}

func newOccupancy() *occupancy {
	return &occupancy{
		resources: make(map[string][]interval),
		rooms:     make(map[string][]interval),
		overbooks: make(map[blockKey]int),
		partnered: make(map[string]bool),
	}
}

func (o *occupancy) clone() *occupancy {
	c := newOccupancy()
	for k, v := range o.resources {
		c.resources[k] = append([]interval(nil), v...)
	}
	for k, v := range o.rooms {
		c.rooms[k] = append([]interval(nil), v...)
	}
	for k, v := range o.overbooks {
		c.overbooks[k] = v
	}
	for k, v := range o.partnered {
		c.partnered[k] = v
	}
	return c
}

// add records a task occupying [start, end) on resource.
func (o *occupancy) add(p *problem, t models.Task, resource string, start, end time.Time, overbookOf string) {
	iv := interval{
		taskID:     t.ID,
		priority:   t.Priority,
		pending:    t.Status == models.StatusPending,
		start:      start,
		end:        end,
		overbookOf: overbookOf,
	}
	o.resources[resource] = append(o.resources[resource], iv)
	if t.RoomID != "" {
		o.rooms[t.RoomID] = append(o.rooms[t.RoomID], iv)
	}
	if overbookOf != "" {
		o.overbooks[p.block(resource, start)]++
		o.partnered[overbookOf] = true
	}
}

// remove drops a task from the occupancy. Used when evaluating relocations.
func (o *occupancy) remove(p *problem, taskID string) {
	for r, ivs := range o.resources {
		for i, iv := range ivs {
			if iv.taskID != taskID {
				continue
			}
			if iv.overbookOf != "" {
				o.overbooks[p.block(r, iv.start)]--
				delete(o.partnered, iv.overbookOf)
			}
			o.resources[r] = append(ivs[:i:i], ivs[i+1:]...)
			break
		}
	}
	for room, ivs := range o.rooms {
		for i, iv := range ivs {
			if iv.taskID == taskID {
				o.rooms[room] = append(ivs[:i:i], ivs[i+1:]...)
				break
			}
		}
	}
}

// violations lists the hard constraints broken by placing t at slot. An empty result means
// the placement is feasible.
func (p *problem) violations(occ *occupancy, t models.Task, slot models.Slot, overbookOf string) []string {
	var out []string
	seen := make(map[string]bool)
	flag := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	cal, ok := p.calendars[slot.ResourceID]
	if !ok || !t.CanUse(slot.ResourceID) {
		return []string{constraintResource}
	}
	start := slot.Start
	end := start.Add(t.PredictedDuration)

	if _, ok := cal.WorkingWindowFor(start, end); !ok {
		flag(constraintWindow)
	}
	for _, b := range cal.Breaks {
		if b.Overlaps(start, end) {
			flag(constraintBreak)
		}
	}
	if !p.notBefore.IsZero() && start.Before(p.notBefore) {
		flag(constraintNotBefore)
	}
	for _, rule := range p.cfg.Rules {
		if !rule.allows(t, start) {
			flag(constraintSequencing)
		}
	}
	for _, iv := range occ.resources[slot.ResourceID] {
		if iv.taskID == overbookOf || iv.taskID == t.ID {
			continue
		}
		if start.Before(iv.end) && iv.start.Before(end) {
			flag(constraintOverlap)
		} else if start.Before(iv.end.Add(cal.MinBuffer)) && iv.start.Before(end.Add(cal.MinBuffer)) {
			flag(constraintBuffer)
		}
	}
	if t.RoomID != "" {
		for _, iv := range occ.rooms[t.RoomID] {
			if iv.taskID == overbookOf || iv.taskID == t.ID {
				continue
			}
			if start.Before(iv.end) && iv.start.Before(end) {
				flag(constraintRoom)
			}
		}
	}
	if overbookOf != "" && occ.overbooks[p.block(slot.ResourceID, start)] >= 1 {
		flag(constraintOverbook)
	}
	return out
}

// candidate is a feasible placement for a task.
type candidate struct {
	slot       models.Slot
	overbookOf string
}

// candidates enumerates feasible slots on the step grid of every compatible resource, the
// task's current slot, and overbooking slots when the task is likely to no-show.
func (p *problem) candidates(occ *occupancy, t models.Task) []candidate {
	var out []candidate
	seen := make(map[models.Slot]bool)
	try := func(slot models.Slot, overbookOf string) {
		if overbookOf == "" && seen[slot] {
			return
		}
		if len(p.violations(occ, t, slot, overbookOf)) > 0 {
			return
		}
		if overbookOf == "" {
			seen[slot] = true
		}
		out = append(out, candidate{slot: slot, overbookOf: overbookOf})
	}

	for _, r := range p.resources {
		if !t.CanUse(r) {
			continue
		}
		cal := p.calendars[r]
		for _, w := range cal.WorkingWindows {
			for s := alignUp(p.notBefore, w.Start, p.cfg.SlotStep); !s.Add(t.PredictedDuration).After(w.End); s = s.Add(p.cfg.SlotStep) {
				try(models.Slot{ResourceID: r, Start: s}, "")
			}
		}
		if t.ResourceID == r {
			try(models.Slot{ResourceID: r, Start: t.ScheduledStart}, "")
		}

		if t.NoShowProbability <= p.cfg.OverbookThreshold {
			continue
		}
		for _, iv := range occ.resources[r] {
			if iv.overbookOf != "" || occ.partnered[iv.taskID] || !iv.pending || iv.priority < models.LowUrgencyPriority {
				continue
			}
			try(models.Slot{ResourceID: r, Start: iv.start}, iv.taskID)
		}
	}
	return out
}

// block returns the overbooking block of a start time on a resource.
func (p *problem) block(resource string, start time.Time) blockKey {
	origin := p.calendars[resource].DayStart()
	return blockKey{resource: resource, block: int64(start.Sub(origin) / p.cfg.OverbookBlock)}
}

// alignUp returns the first grid point origin + k*step at or after t.
func alignUp(t, origin time.Time, step time.Duration) time.Time {
	if !t.After(origin) {
		return origin
	}
	k := (t.Sub(origin) + step - 1) / step
	return origin.Add(k * step)
}

// candidateLess orders candidates by cost, then earliest start, resource, plain before overbook.
func candidateLess(a, b scored) bool {
	if !floatEqual(a.cost, b.cost) {
		return a.cost < b.cost
	}
	if !a.slot.Start.Equal(b.slot.Start) {
		return a.slot.Start.Before(b.slot.Start)
	}
	if a.slot.ResourceID != b.slot.ResourceID {
		return a.slot.ResourceID < b.slot.ResourceID
	}
	return a.overbookOf == "" && b.overbookOf != ""
}

func sortScored(s []scored) {
	sort.SliceStable(s, func(i, j int) bool { return candidateLess(s[i], s[j]) })
}

func describeSlot(slot models.Slot) string {
	return fmt.Sprintf("pinned to %s at %s", slot.ResourceID, slot.Start.Format("15:04"))
}
