package models

import (
	"appointment-optimizer/errors"
	"fmt"
	"time"
)

// Duration bounds accepted from the prediction collaborator.
const (
	MinDuration = 5 * time.Minute
	MaxDuration = 60 * time.Minute
)

// ValidateTask range-checks the predicted inputs of a task.
func ValidateTask(t Task) error {
	invalid := func(field, format string, args ...any) error {
		return &errors.TaskError{TaskID: t.ID, Field: field, Detail: fmt.Sprintf(format, args...), Err: errors.ErrInvalidInput}
	}

	if t.ID == "" {
		return invalid("id", "empty task id")
	}
	if t.ResourceID == "" {
		return invalid("resource_id", "empty resource id")
	}
	if t.ScheduledStart.IsZero() {
		return invalid("scheduled_start", "missing scheduled start")
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"predicted_duration", t.PredictedDuration},
		{"duration_low", t.DurationLow},
		{"duration_high", t.DurationHigh},
	} {
		if d.value < MinDuration || d.value > MaxDuration {
			return invalid(d.field, "%v outside [%v, %v]", d.value, MinDuration, MaxDuration)
		}
	}
	if t.DurationLow > t.PredictedDuration || t.PredictedDuration > t.DurationHigh {
		return invalid("predicted_duration", "%v not within bound [%v, %v]", t.PredictedDuration, t.DurationLow, t.DurationHigh)
	}
	if t.NoShowProbability < 0 || t.NoShowProbability > 1 {
		return invalid("no_show_probability", "%v outside [0, 1]", t.NoShowProbability)
	}
	if t.Priority < 1 {
		return invalid("priority", "%d is below 1", t.Priority)
	}
	return nil
}

// ValidateCalendar checks that a calendar has usable windows.
func ValidateCalendar(c ResourceCalendar) error {
	bad := func(format string, args ...any) error {
		return &errors.ConstraintError{ResourceID: c.ResourceID, Constraint: fmt.Sprintf(format, args...), Err: errors.ErrInvalidInput}
	}
	if c.ResourceID == "" {
		return bad("empty resource id")
	}
	if len(c.WorkingWindows) == 0 {
		return bad("no working window")
	}
	for _, w := range append(append([]Window(nil), c.WorkingWindows...), c.Breaks...) {
		if !w.End.After(w.Start) {
			return bad("window %s-%s is empty", w.Start.Format("15:04"), w.End.Format("15:04"))
		}
	}
	if c.MinBuffer < 0 {
		return bad("negative buffer")
	}
	return nil
}

// Validate range-checks every task and calendar of the schedule.
func (s *Schedule) Validate() error {
	for _, c := range s.Calendars {
		if err := ValidateCalendar(c); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if err := ValidateTask(t); err != nil {
			return err
		}
		if seen[t.ID] {
			return &errors.TaskError{TaskID: t.ID, Field: "id", Detail: "duplicate task id", Err: errors.ErrInvalidInput}
		}
		seen[t.ID] = true
		if _, ok := s.Calendars[t.ResourceID]; !ok {
			return &errors.TaskError{TaskID: t.ID, Field: "resource_id", Detail: fmt.Sprintf("no calendar for %q", t.ResourceID), Err: errors.ErrInvalidInput}
		}
	}
	return nil
}
