package models

import (
	"sort"
	"time"
)

// VisitType classifies an appointment for sequencing rules.
type VisitType string

const (
	VisitNew       VisitType = "new"
	VisitFollowUp  VisitType = "follow_up"
	VisitProcedure VisitType = "procedure"
	VisitEmergency VisitType = "emergency"
)

// TaskStatus tracks a task through the live day.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusNoShow     TaskStatus = "no_show"
	StatusCancelled  TaskStatus = "cancelled"
)

// LowUrgencyPriority is the first priority value considered low urgency.
// Priority 1 is the most urgent.
const LowUrgencyPriority = 3

// Task is one appointment on a resource's timeline.
type Task struct {
	ID         string
	ResourceID string
	SubjectID  string
	RoomID     string
	VisitType  VisitType

	ScheduledStart    time.Time
	PredictedDuration time.Duration
	DurationLow       time.Duration
	DurationHigh      time.Duration
	NoShowProbability float64
	Priority          int

	Fixed  bool
	Pinned bool
	// AllowedResources restricts reassignment; empty means any resource with a calendar.
	AllowedResources []string
	// OverbookOf names the primary task whose slot this task shares.
	OverbookOf string

	Status         TaskStatus
	ActualStart    time.Time
	ActualDuration time.Duration
	OverrunSoFar   time.Duration

	RealizedStart time.Time
	RealizedEnd   time.Time
}

// Attended reports whether the subject showed up (or may still show up).
func (t Task) Attended() bool {
	return t.Status != StatusNoShow
}

// Anchored reports whether the task has started, so its start is no longer a plan.
func (t Task) Anchored() bool {
	return t.Status == StatusInProgress || t.Status == StatusCompleted
}

// Active reports whether the task still occupies time on the timeline.
func (t Task) Active() bool {
	return t.Status != StatusCancelled && t.Status != StatusNoShow
}

// Movable reports whether the optimizer may relocate the task.
func (t Task) Movable() bool {
	return !t.Fixed && !t.Pinned && !t.Anchored() && t.Active()
}

// PlannedStart is the start used for constraint checks.
func (t Task) PlannedStart() time.Time {
	if t.Anchored() && !t.ActualStart.IsZero() {
		return t.ActualStart
	}
	return t.ScheduledStart
}

// PlannedEnd is the end used for constraint checks.
func (t Task) PlannedEnd() time.Time {
	switch t.Status {
	case StatusCompleted:
		return t.PlannedStart().Add(t.ActualDuration)
	case StatusInProgress:
		return t.PlannedStart().Add(t.PredictedDuration + t.OverrunSoFar)
	case StatusNoShow, StatusCancelled:
		return t.PlannedStart()
	}
	return t.ScheduledStart.Add(t.PredictedDuration)
}

// CanUse reports whether the task may be placed on the given resource.
func (t Task) CanUse(resourceID string) bool {
	if len(t.AllowedResources) == 0 {
		return true
	}
	for _, r := range t.AllowedResources {
		if r == resourceID {
			return true
		}
	}
	return false
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether [start, end) intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && w.Start.Before(end)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// ResourceCalendar holds a resource's working day.
type ResourceCalendar struct {
	ResourceID     string
	WorkingWindows []Window
	Breaks         []Window
	MinBuffer      time.Duration
}

// DayStart returns the start of the first working window.
func (c ResourceCalendar) DayStart() time.Time {
	if len(c.WorkingWindows) == 0 {
		return time.Time{}
	}
	start := c.WorkingWindows[0].Start
	for _, w := range c.WorkingWindows[1:] {
		if w.Start.Before(start) {
			start = w.Start
		}
	}
	return start
}

// DayEnd returns the end of the last working window.
func (c ResourceCalendar) DayEnd() time.Time {
	var end time.Time
	for _, w := range c.WorkingWindows {
		if w.End.After(end) {
			end = w.End
		}
	}
	return end
}

// CalendarSpan is the window from the earliest working start to the latest working end of
// the calendars.
func CalendarSpan(cals []ResourceCalendar) Window {
	var day Window
	for _, c := range cals {
		if s := c.DayStart(); !s.IsZero() && (day.Start.IsZero() || s.Before(day.Start)) {
			day.Start = s
		}
		if e := c.DayEnd(); e.After(day.End) {
			day.End = e
		}
	}
	return day
}

// Blocked returns break windows plus the gaps between working windows, sorted by start.
func (c ResourceCalendar) Blocked() []Window {
	working := append([]Window(nil), c.WorkingWindows...)
	sort.Slice(working, func(i, j int) bool { return working[i].Start.Before(working[j].Start) })

	blocked := append([]Window(nil), c.Breaks...)
	for i := 1; i < len(working); i++ {
		if working[i-1].End.Before(working[i].Start) {
			blocked = append(blocked, Window{Start: working[i-1].End, End: working[i].Start})
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Start.Before(blocked[j].Start) })
	return blocked
}

// WorkingWindowFor returns the working window fully containing [start, end).
func (c ResourceCalendar) WorkingWindowFor(start, end time.Time) (Window, bool) {
	for _, w := range c.WorkingWindows {
		if !start.Before(w.Start) && !end.After(w.End) {
			return w, true
		}
	}
	return Window{}, false
}

// Schedule is an in-memory snapshot of a day's tasks, partitioned by resource.
type Schedule struct {
	Day       Window
	Calendars map[string]ResourceCalendar
	Tasks     []Task
	Version   int
}

// NewSchedule builds a schedule from tasks and calendars, ordering tasks by resource and start.
func NewSchedule(day Window, calendars []ResourceCalendar, tasks []Task) *Schedule {
	s := &Schedule{
		Day:       day,
		Calendars: make(map[string]ResourceCalendar, len(calendars)),
		Tasks:     append([]Task(nil), tasks...),
	}
	for _, c := range calendars {
		s.Calendars[c.ResourceID] = c
	}
	for i := range s.Tasks {
		if s.Tasks[i].Status == "" {
			s.Tasks[i].Status = StatusPending
		}
	}
	s.Sort()
	return s
}

// Sort orders tasks by resource, planned start, started before pending, primary before
// overbooked, then ID.
func (s *Schedule) Sort() {
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		return TaskLess(s.Tasks[i], s.Tasks[j])
	})
}

// TaskLess is the canonical timeline ordering.
func TaskLess(a, b Task) bool {
	if a.ResourceID != b.ResourceID {
		return a.ResourceID < b.ResourceID
	}
	as, bs := a.PlannedStart(), b.PlannedStart()
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	if a.Anchored() != b.Anchored() {
		return a.Anchored()
	}
	if (a.OverbookOf == "") != (b.OverbookOf == "") {
		return a.OverbookOf == ""
	}
	return a.ID < b.ID
}

// Clone returns a deep copy so callers can propose changes without touching the original.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := &Schedule{
		Day:       s.Day,
		Calendars: make(map[string]ResourceCalendar, len(s.Calendars)),
		Tasks:     make([]Task, len(s.Tasks)),
		Version:   s.Version,
	}
	for id, cal := range s.Calendars {
		cal.WorkingWindows = append([]Window(nil), cal.WorkingWindows...)
		cal.Breaks = append([]Window(nil), cal.Breaks...)
		c.Calendars[id] = cal
	}
	for i, t := range s.Tasks {
		t.AllowedResources = append([]string(nil), t.AllowedResources...)
		c.Tasks[i] = t
	}
	return c
}

// Resources returns resource IDs with calendars, sorted.
func (s *Schedule) Resources() []string {
	ids := make([]string, 0, len(s.Calendars))
	for id := range s.Calendars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ByResource returns task indexes per resource in timeline order.
func (s *Schedule) ByResource() map[string][]int {
	out := make(map[string][]int)
	for i, t := range s.Tasks {
		out[t.ResourceID] = append(out[t.ResourceID], i)
	}
	for _, idx := range out {
		sort.SliceStable(idx, func(a, b int) bool {
			return TaskLess(s.Tasks[idx[a]], s.Tasks[idx[b]])
		})
	}
	return out
}

// Index returns the position of the task with the given ID, or -1.
func (s *Schedule) Index(taskID string) int {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

// Task returns a copy of the task with the given ID.
func (s *Schedule) Task(taskID string) (Task, bool) {
	if i := s.Index(taskID); i >= 0 {
		return s.Tasks[i], true
	}
	return Task{}, false
}

// Slot is a placement of a task on a resource.
type Slot struct {
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
}
