package controller

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"appointment-optimizer/optimizer"
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	reasonOverrun   = "overrun"
	reasonAtRisk    = "at_risk"
	reasonCancelled = "cancelled"
	reasonEmergency = "emergency"
)

// change is the proposed next state of a session. Nothing in it is visible until commit.
type change struct {
	next     *models.Schedule
	unplaced []models.Task
	urgent   bool
	reason   string
	observe  []observation
}

type observation struct {
	taskID             string
	realized, baseline time.Duration
	at                 time.Time
}

// handle applies one event. It runs on the session worker only.
func (c *Controller) handle(ctx context.Context, s *session, ev models.Event) (*Update, error) {
	cfg := c.config()
	ch := &change{
		next:     s.live.Clone(),
		unplaced: append([]models.Task(nil), s.unplaced...),
	}

	var err error
	switch e := ev.(type) {
	case models.TaskStarted:
		err = c.started(ch, e)
	case models.TaskCompleted:
		err = c.completed(s, ch, e)
	case models.TaskOverran:
		err = c.overran(s, ch, e, cfg)
	case models.NoShowOccurred:
		err = c.noShow(ch, e)
	case models.EmergencyInserted:
		err = c.emergency(s, ch, e)
	case models.TaskCancelled:
		err = c.cancelled(ch, e)
	case models.RecommendationApproved:
		err = c.approved(s, ch, e)
	default:
		err = &errors.TaskError{TaskID: ev.Subject(), Field: "event", Detail: "unsupported event " + string(ev.Kind()), Err: errors.ErrInvalidInput}
	}
	if err != nil {
		return nil, err
	}

	// fatigue is only fed once the event is known to apply
	for _, o := range ch.observe {
		c.fatigue.Observe(s.key.ResourceID, o.realized, o.baseline, o.at)
		s.observed[o.taskID] = true
	}
	adj := c.fatigue.Snapshot()

	ch.next.Sort()
	live, sim, err := c.sim.Apply(ch.next, adj)
	if err != nil {
		return nil, err
	}
	metrics.SimulationsTotal.Inc()

	if ch.reason == "" {
		switch {
		case sim.Overrun >= cfg.ReoptimizeOverrun:
			ch.reason = reasonOverrun
		case len(sim.AtRisk) >= cfg.ReoptimizeAtRisk:
			ch.reason = reasonAtRisk
		}
	}

	u := &Update{
		ID:     uuid.New(),
		Key:    s.key,
		Event:  ev.Kind(),
		Urgent: ch.urgent,
		Reason: ch.reason,
	}
	if ch.reason != "" {
		if res, err := c.reoptimize(ctx, s, ch, adj, cfg); err != nil {
			c.log.Warn().Err(err).Str("session", s.key.String()).Str("reason", ch.reason).Msg("re-optimization failed, keeping re-simulated schedule")
		} else {
			live, sim = res.Schedule, res.Simulation
			ch.unplaced = pick(ch, res.Unplaced)
			u.Reoptimized = true
			metrics.Reoptimizations.WithLabelValues(ch.reason).Inc()
		}
	}

	recs, err := c.opt.Recommend(ctx, live, adj, now(live))
	if err != nil {
		return nil, err
	}

	live.Version = s.live.Version + 1
	s.mu.Lock()
	s.live = live
	s.sim = sim
	s.unplaced = ch.unplaced
	s.recs = recs
	s.mu.Unlock()

	u.Schedule = live.Clone()
	u.Simulation = sim
	u.Recommendations = recs
	u.Unplaced = taskIDs(ch.unplaced)
	u.Version = live.Version
	return u, nil
}

func (c *Controller) reoptimize(ctx context.Context, s *session, ch *change, adj fatigue.Snapshot, cfg Config) (*models.OptimizationResult, error) {
	tasks := append(append([]models.Task(nil), ch.next.Tasks...), ch.unplaced...)
	return c.opt.Optimize(ctx, optimizer.Request{
		Day:       ch.next.Day,
		Tasks:     tasks,
		Calendars: []models.ResourceCalendar{s.calendar},
		Budget:    cfg.ReoptimizeBudget,
		Fatigue:   adj,
		NotBefore: now(ch.next),
	})
}

// pick returns the tasks named by ids from the next schedule or the carried unplaced tasks.
func pick(ch *change, ids []string) []models.Task {
	var out []models.Task
	for _, id := range ids {
		if t, ok := ch.next.Task(id); ok {
			out = append(out, t)
			continue
		}
		for _, t := range ch.unplaced {
			if t.ID == id {
				out = append(out, t)
			}
		}
	}
	return out
}

func stale(taskID, detail string) error {
	return &errors.TaskError{TaskID: taskID, Field: "event", Detail: detail, Err: errors.ErrStaleEvent}
}

// pendingOrRunning returns the index of a task that has not finished yet.
func pendingOrRunning(sched *models.Schedule, taskID string) (int, error) {
	i := sched.Index(taskID)
	if i < 0 {
		return -1, stale(taskID, "task not in live schedule")
	}
	switch sched.Tasks[i].Status {
	case models.StatusPending, models.StatusInProgress:
		return i, nil
	}
	return -1, stale(taskID, "task already "+string(sched.Tasks[i].Status))
}

// start anchors a pending task at its projected start unless a start time is known.
func start(t *models.Task, at time.Time) {
	if t.Status != models.StatusPending {
		return
	}
	t.Status = models.StatusInProgress
	switch {
	case !at.IsZero():
		t.ActualStart = at
	case !t.RealizedStart.IsZero():
		t.ActualStart = t.RealizedStart
	default:
		t.ActualStart = t.ScheduledStart
	}
}

func (c *Controller) started(ch *change, e models.TaskStarted) error {
	i, err := pendingOrRunning(ch.next, e.TaskID)
	if err != nil {
		return err
	}
	if ch.next.Tasks[i].Status != models.StatusPending {
		return stale(e.TaskID, "task already started")
	}
	start(&ch.next.Tasks[i], e.At)
	return nil
}

func (c *Controller) completed(s *session, ch *change, e models.TaskCompleted) error {
	i, err := pendingOrRunning(ch.next, e.TaskID)
	if err != nil {
		return err
	}
	if e.ActualDuration <= 0 {
		return &errors.TaskError{TaskID: e.TaskID, Field: "actual_duration", Detail: "must be positive", Err: errors.ErrInvalidInput}
	}
	t := &ch.next.Tasks[i]
	start(t, time.Time{})
	t.Status = models.StatusCompleted
	t.ActualDuration = e.ActualDuration
	if !s.observed[t.ID] {
		ch.observe = append(ch.observe, observation{
			taskID:   t.ID,
			realized: e.ActualDuration,
			baseline: t.PredictedDuration,
			at:       t.ActualStart.Add(e.ActualDuration),
		})
	}
	return nil
}

func (c *Controller) overran(s *session, ch *change, e models.TaskOverran, cfg Config) error {
	i, err := pendingOrRunning(ch.next, e.TaskID)
	if err != nil {
		return err
	}
	if e.Over <= 0 {
		return &errors.TaskError{TaskID: e.TaskID, Field: "over", Detail: "must be positive", Err: errors.ErrInvalidInput}
	}
	t := &ch.next.Tasks[i]
	start(t, time.Time{})
	t.OverrunSoFar = max(t.OverrunSoFar, e.Over)

	ch.urgent = e.Over > cfg.UrgentOverrun
	if ch.urgent && !s.observed[t.ID] {
		realized := t.PredictedDuration + t.OverrunSoFar
		ch.observe = append(ch.observe, observation{
			taskID:   t.ID,
			realized: realized,
			baseline: t.PredictedDuration,
			at:       t.ActualStart.Add(realized),
		})
	}
	return nil
}

func (c *Controller) noShow(ch *change, e models.NoShowOccurred) error {
	i := ch.next.Index(e.TaskID)
	if i < 0 {
		return stale(e.TaskID, "task not in live schedule")
	}
	if st := ch.next.Tasks[i].Status; st != models.StatusPending {
		return stale(e.TaskID, "task already "+string(st))
	}
	ch.next.Tasks[i].Status = models.StatusNoShow
	return nil
}

func (c *Controller) emergency(s *session, ch *change, e models.EmergencyInserted) error {
	t := e.Task
	if t.ResourceID == "" {
		t.ResourceID = s.key.ResourceID
	}
	if t.ResourceID != s.key.ResourceID {
		return &errors.TaskError{TaskID: t.ID, Field: "resource_id", Detail: "emergency belongs to " + t.ResourceID, Err: errors.ErrInvalidInput}
	}
	if _, ok := ch.next.Task(t.ID); ok || containsTask(ch.unplaced, t.ID) {
		return &errors.TaskError{TaskID: t.ID, Field: "id", Detail: "duplicate task", Err: errors.ErrInvalidInput}
	}
	if t.VisitType == "" {
		t.VisitType = models.VisitEmergency
	}
	if t.Priority == 0 {
		t.Priority = 1
	}
	if t.DurationLow == 0 {
		t.DurationLow = t.PredictedDuration
	}
	if t.DurationHigh == 0 {
		t.DurationHigh = t.PredictedDuration
	}
	if t.ScheduledStart.IsZero() {
		t.ScheduledStart = freeAt(ch.next, s.calendar)
	}
	t.Fixed = true
	t.Status = models.StatusPending
	t.AllowedResources = nil
	t.OverbookOf = ""
	if err := models.ValidateTask(t); err != nil {
		return err
	}

	// movable tasks that lost their slot must be placed again
	end := t.ScheduledStart.Add(t.PredictedDuration)
	displaced := false
	for _, o := range ch.next.Tasks {
		if !o.Movable() {
			continue
		}
		if o.ScheduledStart.Before(end.Add(s.calendar.MinBuffer)) && t.ScheduledStart.Before(o.PlannedEnd().Add(s.calendar.MinBuffer)) {
			displaced = true
		}
	}
	ch.next.Tasks = append(ch.next.Tasks, t)
	ch.urgent = true
	if displaced || len(ch.unplaced) > 0 {
		ch.reason = reasonEmergency
	}
	return nil
}

func (c *Controller) cancelled(ch *change, e models.TaskCancelled) error {
	for k, t := range ch.unplaced {
		if t.ID == e.TaskID {
			ch.unplaced = append(ch.unplaced[:k:k], ch.unplaced[k+1:]...)
			ch.reason = reasonCancelled
			return nil
		}
	}
	i := ch.next.Index(e.TaskID)
	if i < 0 {
		return stale(e.TaskID, "task not in live schedule")
	}
	if st := ch.next.Tasks[i].Status; st != models.StatusPending {
		return stale(e.TaskID, "task already "+string(st))
	}
	ch.next.Tasks = append(ch.next.Tasks[:i:i], ch.next.Tasks[i+1:]...)
	for k := range ch.next.Tasks {
		if ch.next.Tasks[k].OverbookOf == e.TaskID {
			ch.next.Tasks[k].OverbookOf = ""
		}
	}
	ch.reason = reasonCancelled
	return nil
}

func (c *Controller) approved(s *session, ch *change, e models.RecommendationApproved) error {
	var rec *models.Recommendation
	for k := range s.recs {
		if s.recs[k].ID == e.RecommendationID {
			rec = &s.recs[k]
		}
	}
	if rec == nil {
		return &errors.TaskError{TaskID: e.RecommendationID.String(), Field: "recommendation_id", Detail: "not issued for " + s.key.String(), Err: errors.ErrUnknownRecommendation}
	}
	i := ch.next.Index(rec.TaskID)
	if i < 0 {
		return stale(rec.TaskID, "task not in live schedule")
	}
	t := &ch.next.Tasks[i]
	if t.Status != models.StatusPending || t.ResourceID != rec.From.ResourceID || !t.ScheduledStart.Equal(rec.From.Start) {
		return stale(rec.TaskID, "task moved since the recommendation was issued")
	}
	t.ResourceID = rec.To.ResourceID
	t.ScheduledStart = rec.To.Start
	return nil
}

func containsTask(tasks []models.Task, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// now is the latest instant the live timeline has observed: the most recent actual start or
// completion. It is zero before anything has started.
func now(sched *models.Schedule) time.Time {
	var t time.Time
	for _, task := range sched.Tasks {
		if !task.Anchored() {
			continue
		}
		if task.ActualStart.After(t) {
			t = task.ActualStart
		}
		if task.Status == models.StatusCompleted {
			if end := task.ActualStart.Add(task.ActualDuration); end.After(t) {
				t = end
			}
		}
	}
	return t
}

// freeAt is the earliest start for an as-soon-as-possible insertion: the projected end of the
// latest started task plus the buffer, or the start of the day when nothing has started.
func freeAt(sched *models.Schedule, cal models.ResourceCalendar) time.Time {
	var end time.Time
	for _, t := range sched.Tasks {
		if !t.Anchored() || t.ResourceID != cal.ResourceID {
			continue
		}
		e := t.PlannedEnd()
		if t.Status == models.StatusInProgress && t.RealizedEnd.After(e) {
			e = t.RealizedEnd
		}
		if e.After(end) {
			end = e
		}
	}
	if end.IsZero() {
		return cal.DayStart()
	}
	return end.Add(cal.MinBuffer)
}
