package parser

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	minTaskFields = 8
	maxTaskFields = 13
)

// ParseTasks reads appointment rows for the given day.
//
// Row layout: ID, Resource, Start, Duration, Low, High, NoShow, Priority, followed by the
// optional VisitType, Subject, Room, AllowedResources ("a|b") and Fixed columns. Durations
// are minutes or Go durations; start times use "3:04PM", "3PM" or "15:04".
// Lines starting with '#' are headers/comments. A header whose third column is StartTimeXX
// switches the timezone for the rows that follow (PT, ET, CT, MT, UTC or an IANA name).
// Rows default to the location of day.
func ParseTasks(r io.Reader, day time.Time) ([]models.Task, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	loc := day.Location()
	var tasks []models.Task
	lineNum := 0

	for {
		record, err := reader.Read()
		lineNum++
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.ParserErrorsTotal.WithLabelValues("csv").Inc()
			return nil, fmt.Errorf("error reading CSV at line %d: %w", lineNum, err)
		}

		if len(record) > 0 && strings.HasPrefix(record[0], "#") {
			if len(record) >= 3 {
				if newLoc, ok := headerLocation(record[2]); ok {
					loc = newLoc
				}
			}
			continue
		}
		if blank(record) {
			continue
		}

		t, err := parseTask(record, day, loc)
		if err != nil {
			return nil, fail(lineNum, record, err)
		}
		metrics.ParserRecordsTotal.WithLabelValues("task").Inc()
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func parseTask(record []string, day time.Time, loc *time.Location) (models.Task, error) {
	if len(record) < minTaskFields || len(record) > maxTaskFields {
		return models.Task{}, errors.ErrInvalidFieldCount
	}
	field := func(i int) string {
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	t := models.Task{
		ID:         field(0),
		ResourceID: field(1),
		VisitType:  models.VisitFollowUp,
		Status:     models.StatusPending,
	}
	if t.ID == "" || t.ResourceID == "" {
		return t, errors.ErrEmptyRecord
	}

	var err error
	if t.ScheduledStart, err = parseTime(field(2), day, loc); err != nil {
		return t, fmt.Errorf("%w: %v", errors.ErrInvalidStartTime, err)
	}
	durations := []*time.Duration{&t.PredictedDuration, &t.DurationLow, &t.DurationHigh}
	for i, d := range durations {
		if *d, err = parseMinutes(field(3 + i)); err != nil {
			return t, fmt.Errorf("%w: %v", errors.ErrInvalidDuration, err)
		}
	}
	if t.NoShowProbability, err = strconv.ParseFloat(field(6), 64); err != nil {
		return t, fmt.Errorf("%w: %v", errors.ErrInvalidNumber, err)
	}
	if t.Priority, err = strconv.Atoi(field(7)); err != nil {
		return t, fmt.Errorf("%w: %v", errors.ErrInvalidPriority, err)
	}

	if v := field(8); v != "" {
		t.VisitType = models.VisitType(v)
	}
	t.SubjectID = field(9)
	t.RoomID = field(10)
	if v := field(11); v != "" {
		for _, res := range strings.Split(v, "|") {
			if res = strings.TrimSpace(res); res != "" {
				t.AllowedResources = append(t.AllowedResources, res)
			}
		}
	}
	if v := field(12); v != "" {
		if t.Fixed, err = strconv.ParseBool(v); err != nil {
			return t, fmt.Errorf("%w: fixed: %v", errors.ErrInvalidNumber, err)
		}
	}
	return t, nil
}

// fail wraps err with its position and counts it by cause.
func fail(line int, record []string, err error) error {
	metrics.ParserErrorsTotal.WithLabelValues(errorType(err)).Inc()
	return &errors.ParseError{Line: line, Record: record, Err: err}
}

func errorType(err error) string {
	for _, c := range []struct {
		sentinel error
		label    string
	}{
		{errors.ErrInvalidFieldCount, "field_count"},
		{errors.ErrEmptyRecord, "empty"},
		{errors.ErrInvalidStartTime, "start_time"},
		{errors.ErrInvalidDuration, "duration"},
		{errors.ErrInvalidPriority, "priority"},
		{errors.ErrInvalidNumber, "number"},
		{errors.ErrInvalidEventKind, "event_kind"},
	} {
		if stderrors.Is(err, c.sentinel) {
			return c.label
		}
	}
	return "other"
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// parseTime reads a clock time in loc on the calendar date of day.
func parseTime(value string, day time.Time, loc *time.Location) (time.Time, error) {
	layouts := []string{"3:04PM", "3PM", "15:04"}
	y, m, d := day.Date()
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, strings.ToUpper(value), loc)
		if err == nil {
			return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseMinutes accepts a whole number of minutes or a Go duration.
func parseMinutes(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(value)
}

// headerLocation resolves a StartTimeXX header column.
func headerLocation(column string) (*time.Location, bool) {
	column = strings.TrimSpace(column)
	if !strings.HasPrefix(column, "StartTime") {
		return nil, false
	}
	loc, err := getTimezoneLocation(strings.TrimPrefix(column, "StartTime"))
	if err != nil {
		return nil, false
	}
	return loc, true
}

func getTimezoneLocation(code string) (*time.Location, error) {
	code = strings.TrimSpace(code)

	switch code {
	case "PT":
		return time.LoadLocation("America/Los_Angeles")
	case "ET":
		return time.LoadLocation("America/New_York")
	case "CT":
		return time.LoadLocation("America/Chicago")
	case "MT":
		return time.LoadLocation("America/Denver")
	case "UTC":
		return time.UTC, nil
	case "":
		return nil, fmt.Errorf("empty timezone")
	default:
		return time.LoadLocation(code)
	}
}
