package models_test

import (
	stderrors "errors"
	"testing"
	"time"

	"appointment-optimizer/errors"
	"appointment-optimizer/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func validTask() models.Task {
	return models.Task{
		ID:                "a",
		ResourceID:        "dr-a",
		ScheduledStart:    at(8, 0),
		PredictedDuration: 20 * time.Minute,
		DurationLow:       10 * time.Minute,
		DurationHigh:      40 * time.Minute,
		NoShowProbability: 0.2,
		Priority:          1,
	}
}

func TestValidateTask(t *testing.T) {
	tests := map[string]struct {
		mutate func(*models.Task)
		field  string
	}{
		"Valid":              {mutate: func(*models.Task) {}},
		"EmptyID":            {mutate: func(t *models.Task) { t.ID = "" }, field: "id"},
		"EmptyResource":      {mutate: func(t *models.Task) { t.ResourceID = "" }, field: "resource_id"},
		"MissingStart":       {mutate: func(t *models.Task) { t.ScheduledStart = time.Time{} }, field: "scheduled_start"},
		"TooShort":           {mutate: func(t *models.Task) { t.DurationLow = 4 * time.Minute }, field: "duration_low"},
		"TooLong":            {mutate: func(t *models.Task) { t.DurationHigh = 61 * time.Minute }, field: "duration_high"},
		"PredictedOutOfBand": {mutate: func(t *models.Task) { t.PredictedDuration = 45 * time.Minute }, field: "predicted_duration"},
		"Probability":        {mutate: func(t *models.Task) { t.NoShowProbability = 1.2 }, field: "no_show_probability"},
		"Priority":           {mutate: func(t *models.Task) { t.Priority = 0 }, field: "priority"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			task := validTask()
			tt.mutate(&task)
			err := models.ValidateTask(task)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidInput))
			var te *errors.TaskError
			require.True(t, stderrors.As(err, &te))
			assert.Equal(t, tt.field, te.Field)
		})
	}
}

func TestSchedule_Validate(t *testing.T) {
	cal := models.ResourceCalendar{ResourceID: "dr-a", WorkingWindows: []models.Window{{Start: at(8, 0), End: at(12, 0)}}}
	day := models.Window{Start: at(8, 0), End: at(12, 0)}

	dup := validTask()
	s := models.NewSchedule(day, []models.ResourceCalendar{cal}, []models.Task{validTask(), dup})
	assert.True(t, stderrors.Is(s.Validate(), errors.ErrInvalidInput))

	other := validTask()
	other.ResourceID = "dr-z"
	s = models.NewSchedule(day, []models.ResourceCalendar{cal}, []models.Task{other})
	var te *errors.TaskError
	require.True(t, stderrors.As(s.Validate(), &te))
	assert.Equal(t, "resource_id", te.Field)

	empty := cal
	empty.Breaks = []models.Window{{Start: at(10, 0), End: at(10, 0)}}
	s = models.NewSchedule(day, []models.ResourceCalendar{empty}, nil)
	var ce *errors.ConstraintError
	assert.True(t, stderrors.As(s.Validate(), &ce))
}

func TestResourceCalendar_Blocked(t *testing.T) {
	cal := models.ResourceCalendar{
		ResourceID: "dr-a",
		WorkingWindows: []models.Window{
			{Start: at(13, 0), End: at(17, 0)},
			{Start: at(8, 0), End: at(12, 0)},
		},
		Breaks: []models.Window{{Start: at(15, 0), End: at(15, 15)}},
	}

	assert.Equal(t, at(8, 0), cal.DayStart())
	assert.Equal(t, at(17, 0), cal.DayEnd())
	assert.Equal(t, []models.Window{
		{Start: at(12, 0), End: at(13, 0)},
		{Start: at(15, 0), End: at(15, 15)},
	}, cal.Blocked())

	_, ok := cal.WorkingWindowFor(at(11, 50), at(12, 10))
	assert.False(t, ok)
	w, ok := cal.WorkingWindowFor(at(13, 0), at(13, 30))
	require.True(t, ok)
	assert.Equal(t, at(13, 0), w.Start)
}

func TestSchedule_OrderAndClone(t *testing.T) {
	day := models.Window{Start: at(8, 0), End: at(12, 0)}
	primary := validTask()
	primary.ID = "p"
	secondary := validTask()
	secondary.ID = "a"
	secondary.OverbookOf = "p"
	later := validTask()
	later.ID = "b"
	later.ScheduledStart = at(9, 0)

	s := models.NewSchedule(day, nil, []models.Task{later, secondary, primary})
	ids := []string{s.Tasks[0].ID, s.Tasks[1].ID, s.Tasks[2].ID}
	assert.Equal(t, []string{"p", "a", "b"}, ids)
	assert.Equal(t, models.StatusPending, s.Tasks[0].Status)

	c := s.Clone()
	c.Tasks[0].ScheduledStart = at(11, 0)
	assert.Equal(t, at(8, 0), s.Tasks[0].ScheduledStart)
}

func TestTaskLess_StartedBeforePendingAtSameStart(t *testing.T) {
	running := validTask()
	running.ID = "b"
	running.ScheduledStart = at(8, 0)
	running.Status = models.StatusInProgress
	running.ActualStart = at(8, 25)
	inserted := validTask()
	inserted.ID = "a0"
	inserted.ScheduledStart = at(8, 25)

	assert.True(t, models.TaskLess(running, inserted))
	assert.False(t, models.TaskLess(inserted, running))

	s := models.NewSchedule(models.Window{Start: at(8, 0), End: at(12, 0)}, nil, []models.Task{inserted, running})
	assert.Equal(t, "b", s.Tasks[0].ID)
}

func TestCalendarSpan(t *testing.T) {
	cals := []models.ResourceCalendar{
		{ResourceID: "dr-b", WorkingWindows: []models.Window{{Start: at(9, 0), End: at(17, 0)}}},
		{ResourceID: "dr-a", WorkingWindows: []models.Window{{Start: at(8, 0), End: at(12, 0)}}},
		{ResourceID: "dr-c"},
	}
	assert.Equal(t, models.Window{Start: at(8, 0), End: at(17, 0)}, models.CalendarSpan(cals))
	assert.Equal(t, models.Window{}, models.CalendarSpan(nil))
}
