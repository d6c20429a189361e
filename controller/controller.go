// Package controller owns the live schedule of every (resource, day) and applies live events to
// it one at a time, re-simulating after each and re-optimizing when drift crosses a threshold.
package controller

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"appointment-optimizer/optimizer"
	"appointment-optimizer/simulator"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle stage of a session.
type State string

const (
	StatePlanned State = "planned"
	StateLive    State = "live"
	StateClosed  State = "closed"
)

// Config holds controller thresholds. It can be replaced at runtime with SetConfig.
type Config struct {
	UrgentOverrun     time.Duration `yaml:"urgent_overrun"`
	ReoptimizeOverrun time.Duration `yaml:"reoptimize_overrun"`
	ReoptimizeAtRisk  int           `yaml:"reoptimize_at_risk"`
	ReoptimizeBudget  time.Duration `yaml:"reoptimize_budget"`
	QueueSize         int           `yaml:"queue_size"`
}

// DefaultConfig keeps each event well under two seconds end to end.
func DefaultConfig() Config {
	return Config{
		UrgentOverrun:     10 * time.Minute,
		ReoptimizeOverrun: 15 * time.Minute,
		ReoptimizeAtRisk:  3,
		ReoptimizeBudget:  1500 * time.Millisecond,
		QueueSize:         64,
	}
}

// Key identifies a session.
type Key struct {
	ResourceID string
	Day        string
}

// KeyFor builds the session key of a resource on the calendar day of t.
func KeyFor(resourceID string, t time.Time) Key {
	return Key{ResourceID: resourceID, Day: t.Format(time.DateOnly)}
}

func (k Key) String() string {
	return k.ResourceID + "/" + k.Day
}

// Update is the outcome of one applied event.
type Update struct {
	ID              uuid.UUID
	Key             Key
	Event           models.EventKind
	Schedule        *models.Schedule
	Simulation      *models.SimulationResult
	Recommendations []models.Recommendation
	Unplaced        []string
	Reoptimized     bool
	Reason          string
	Urgent          bool
	Version         int
}

// View is a read-only copy of a session.
type View struct {
	Key             Key
	State           State
	Schedule        *models.Schedule
	Simulation      *models.SimulationResult
	Recommendations []models.Recommendation
	Unplaced        []string
	Version         int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller is safe for concurrent use. Events for different sessions run in parallel; events
// for one session are applied in arrival order.
type Controller struct {
	opt     *optimizer.Optimizer
	sim     *simulator.Simulator
	fatigue *fatigue.Estimator
	log     zerolog.Logger

	mu       sync.RWMutex
	cfg      Config
	sessions map[Key]*session
}

// New creates a controller.
func New(cfg Config, opt *optimizer.Optimizer, sim *simulator.Simulator, est *fatigue.Estimator, opts ...Option) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	c := &Controller{
		opt:      opt,
		sim:      sim,
		fatigue:  est,
		log:      zerolog.Nop(),
		cfg:      cfg,
		sessions: make(map[Key]*session),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConfig replaces the thresholds used by subsequent events.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = c.cfg.QueueSize
	}
	c.cfg = cfg
	c.log.Info().
		Dur("reoptimize_overrun", cfg.ReoptimizeOverrun).
		Int("reoptimize_at_risk", cfg.ReoptimizeAtRisk).
		Dur("reoptimize_budget", cfg.ReoptimizeBudget).
		Msg("controller config updated")
}

func (c *Controller) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

type job struct {
	ctx   context.Context
	event models.Event
	reply chan reply
}

type reply struct {
	update *Update
	err    error
}

type session struct {
	key      Key
	calendar models.ResourceCalendar

	// mu guards the fields below against Snapshot readers; only the worker writes them
	// once the session is live.
	mu       sync.RWMutex
	state    State
	live     *models.Schedule
	sim      *models.SimulationResult
	unplaced []models.Task
	recs     []models.Recommendation

	observed map[string]bool
	jobs     chan job
	quit     chan struct{}
	stopped  chan struct{}
}

// Plan optimizes req and registers each resource's share of the result as a planned session.
// Sessions that are already live or closed are left alone and reported as an error.
func (c *Controller) Plan(ctx context.Context, req optimizer.Request) (*models.OptimizationResult, error) {
	res, err := c.opt.Optimize(ctx, req)
	if err != nil {
		return nil, err
	}

	unplaced := make(map[string]bool, len(res.Unplaced))
	for _, id := range res.Unplaced {
		unplaced[id] = true
	}
	byResource := res.Schedule.ByResource()
	cfg := c.config()

	planned := make(map[Key]*session)
	for _, id := range res.Schedule.Resources() {
		cal := res.Schedule.Calendars[id]
		s := &session{
			key:      KeyFor(id, cal.DayStart()),
			calendar: cal,
			state:    StatePlanned,
			observed: make(map[string]bool),
			jobs:     make(chan job, cfg.QueueSize),
			quit:     make(chan struct{}),
			stopped:  make(chan struct{}),
		}
		var tasks []models.Task
		for _, i := range byResource[id] {
			tasks = append(tasks, res.Schedule.Tasks[i])
		}
		for _, t := range req.Tasks {
			if unplaced[t.ID] && t.ResourceID == id {
				s.unplaced = append(s.unplaced, t)
			}
		}
		s.live = models.NewSchedule(models.Window{Start: cal.DayStart(), End: cal.DayEnd()}, []models.ResourceCalendar{cal}, tasks)
		s.live.Version = 1
		for _, r := range res.Recommendations {
			if r.From.ResourceID == id {
				s.recs = append(s.recs, r)
			}
		}
		planned[s.key] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range planned {
		if old, ok := c.sessions[k]; ok && old.currentState() != StatePlanned {
			return nil, fmt.Errorf("plan %s: %w", k, errors.ErrInvalidInput)
		}
	}
	for k, s := range planned {
		if _, ok := c.sessions[k]; !ok {
			metrics.LiveSessions.WithLabelValues(string(StatePlanned)).Inc()
		}
		c.sessions[k] = s
		c.log.Info().Str("session", k.String()).Int("tasks", len(s.live.Tasks)).Msg("session planned")
	}
	return res, nil
}

// Accept makes a planned session live and starts its event worker. Accepting a live session is
// a no-op.
func (c *Controller) Accept(resourceID string, day time.Time) error {
	s, err := c.session(KeyFor(resourceID, day))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateLive:
		return nil
	case StateClosed:
		return fmt.Errorf("accept %s: %w", s.key, errors.ErrSessionClosed)
	}

	live, sim, err := c.sim.Apply(s.live, c.fatigue.Snapshot())
	if err != nil {
		return err
	}
	s.live, s.sim = live, sim
	s.state = StateLive
	go c.run(s)

	metrics.LiveSessions.WithLabelValues(string(StatePlanned)).Dec()
	metrics.LiveSessions.WithLabelValues(string(StateLive)).Inc()
	c.log.Info().Str("session", s.key.String()).Int("version", live.Version).Msg("session live")
	return nil
}

// ApplyEvent queues ev on the session and waits for its update. Stale events return an error
// wrapping errors.ErrStaleEvent and leave the session unchanged.
func (c *Controller) ApplyEvent(ctx context.Context, resourceID string, day time.Time, ev models.Event) (*Update, error) {
	s, err := c.session(KeyFor(resourceID, day))
	if err != nil {
		return nil, err
	}
	switch s.currentState() {
	case StatePlanned:
		return nil, fmt.Errorf("%s: %w", s.key, errors.ErrNotLive)
	case StateClosed:
		return nil, fmt.Errorf("%s: %w", s.key, errors.ErrSessionClosed)
	}

	j := job{ctx: ctx, event: ev, reply: make(chan reply, 1)}
	select {
	case s.jobs <- j:
	case <-s.stopped:
		return nil, fmt.Errorf("%s: %w", s.key, errors.ErrSessionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.update, r.err
	case <-s.stopped:
		select {
		case r := <-j.reply:
			return r.update, r.err
		default:
			return nil, fmt.Errorf("%s: %w", s.key, errors.ErrSessionClosed)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Approve applies a previously issued recommendation.
func (c *Controller) Approve(ctx context.Context, resourceID string, day time.Time, id uuid.UUID) (*Update, error) {
	return c.ApplyEvent(ctx, resourceID, day, models.RecommendationApproved{RecommendationID: id})
}

// Snapshot returns a copy of the session.
func (c *Controller) Snapshot(resourceID string, day time.Time) (View, error) {
	s, err := c.session(KeyFor(resourceID, day))
	if err != nil {
		return View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Key:             s.key,
		State:           s.state,
		Schedule:        s.live.Clone(),
		Simulation:      s.sim,
		Recommendations: append([]models.Recommendation(nil), s.recs...),
		Unplaced:        taskIDs(s.unplaced),
		Version:         s.live.Version,
	}, nil
}

// Sessions lists known session keys in order.
func (c *Controller) Sessions() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.sessions))
	for k := range c.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Day != keys[j].Day {
			return keys[i].Day < keys[j].Day
		}
		return keys[i].ResourceID < keys[j].ResourceID
	})
	return keys
}

// Close ends a session. Queued events that have not started are rejected with
// errors.ErrSessionClosed. Closing twice is a no-op.
func (c *Controller) Close(resourceID string, day time.Time) error {
	s, err := c.session(KeyFor(resourceID, day))
	if err != nil {
		return err
	}
	c.close(s)
	return nil
}

// CloseDay closes every session of the day and resets the fatigue of their resources.
func (c *Controller) CloseDay(day time.Time) int {
	d := day.Format(time.DateOnly)
	var closed int
	for _, k := range c.Sessions() {
		if k.Day != d {
			continue
		}
		s, err := c.session(k)
		if err != nil {
			continue
		}
		c.close(s)
		c.fatigue.Reset(k.ResourceID)
		closed++
	}
	c.log.Info().Str("day", d).Int("sessions", closed).Msg("day closed")
	return closed
}

// Shutdown closes every session and waits for the workers to stop or ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range sessions {
			c.close(s)
		}
	}()
	select {
	case <-done:
		c.fatigue.ResetAll()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) close(s *session) {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	s.mu.Unlock()

	switch prev {
	case StateClosed:
		return
	case StateLive:
		close(s.quit)
		<-s.stopped
	}
	metrics.LiveSessions.WithLabelValues(string(prev)).Dec()
	metrics.LiveSessions.WithLabelValues(string(StateClosed)).Inc()
	c.log.Info().Str("session", s.key.String()).Msg("session closed")
}

func (c *Controller) session(k Key) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[k]
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, errors.ErrUnknownSession)
	}
	return s, nil
}

func (s *session) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// run drains the session queue until the session is closed.
func (c *Controller) run(s *session) {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			started := time.Now()
			u, err := c.handle(j.ctx, s, j.event)
			c.observe(s, j.event, u, err, time.Since(started))
			j.reply <- reply{update: u, err: err}
		}
	}
}

func (c *Controller) observe(s *session, ev models.Event, u *Update, err error, took time.Duration) {
	kind := string(ev.Kind())
	metrics.EventDurationSeconds.Observe(took.Seconds())
	switch {
	case err == nil:
		metrics.EventsTotal.WithLabelValues(kind, "applied").Inc()
		c.log.Info().
			Str("session", s.key.String()).
			Str("event", kind).
			Str("task", ev.Subject()).
			Int("version", u.Version).
			Dur("waiting", u.Simulation.TotalWaiting).
			Dur("overrun", u.Simulation.Overrun).
			Bool("urgent", u.Urgent).
			Bool("reoptimized", u.Reoptimized).
			Dur("took", took).
			Msg("event applied")
	case stderrors.Is(err, errors.ErrStaleEvent):
		metrics.EventsTotal.WithLabelValues(kind, "stale").Inc()
		c.log.Warn().Err(err).Str("session", s.key.String()).Str("event", kind).Str("task", ev.Subject()).Msg("stale event ignored")
	default:
		metrics.EventsTotal.WithLabelValues(kind, "error").Inc()
		c.log.Error().Err(err).Str("session", s.key.String()).Str("event", kind).Msg("event rejected")
	}
}

func taskIDs(tasks []models.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
