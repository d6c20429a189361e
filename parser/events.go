package parser

import (
	"appointment-optimizer/errors"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventRecord is one parsed live event and the resource it belongs to.
type EventRecord struct {
	Line       int
	ResourceID string
	Event      models.Event
}

// EventParser turns event rows into models.Event values. It keeps the timezone selected by
// the latest header, so it can be fed line by line while a file grows.
//
// Row layout: Resource, Kind, Subject, then kind-specific values:
//
//	task_started            At
//	task_completed          ActualDuration
//	task_overran            Over
//	no_show                 -
//	task_cancelled          -
//	emergency_inserted      Duration[, Start[, Priority[, Room]]]
//	recommendation_approved -          (Subject is the recommendation ID)
//
// A header whose fourth column is StartTimeXX switches the timezone of later rows.
type EventParser struct {
	day  time.Time
	loc  *time.Location
	line int
}

// NewEventParser creates a parser for events of the given day.
func NewEventParser(day time.Time) *EventParser {
	return &EventParser{day: day, loc: day.Location()}
}

// ParseEvents reads every event row from r.
func ParseEvents(r io.Reader, day time.Time) ([]EventRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	p := NewEventParser(day)
	var out []EventRecord
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.ParserErrorsTotal.WithLabelValues("csv").Inc()
			return nil, fmt.Errorf("error reading CSV at line %d: %w", p.line+1, err)
		}
		rec, err := p.Record(record)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ParseLine parses a single CSV line. Blank lines and headers yield nil.
func (p *EventParser) ParseLine(line string) (*EventRecord, error) {
	if strings.TrimSpace(line) == "" {
		p.line++
		return nil, nil
	}
	reader := csv.NewReader(strings.NewReader(line))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	record, err := reader.Read()
	if err != nil {
		p.line++
		metrics.ParserErrorsTotal.WithLabelValues("csv").Inc()
		return nil, fmt.Errorf("error reading CSV at line %d: %w", p.line, err)
	}
	return p.Record(record)
}

// Record parses one already split row.
func (p *EventParser) Record(record []string) (*EventRecord, error) {
	p.line++
	if len(record) > 0 && strings.HasPrefix(record[0], "#") {
		if len(record) >= 4 {
			if loc, ok := headerLocation(record[3]); ok {
				p.loc = loc
			}
		}
		return nil, nil
	}
	if blank(record) {
		return nil, nil
	}

	ev, err := p.event(record)
	if err != nil {
		return nil, fail(p.line, record, err)
	}
	metrics.ParserRecordsTotal.WithLabelValues("event").Inc()
	return &EventRecord{Line: p.line, ResourceID: strings.TrimSpace(record[0]), Event: ev}, nil
}

func (p *EventParser) event(record []string) (models.Event, error) {
	if len(record) < 3 {
		return nil, errors.ErrInvalidFieldCount
	}
	field := func(i int) string {
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	values := len(record) - 3
	want := func(lo, hi int) error {
		if values < lo || values > hi {
			return fmt.Errorf("%w: %s takes %d to %d values, got %d",
				errors.ErrInvalidFieldCount, field(1), lo, hi, values)
		}
		return nil
	}

	resource, subject := field(0), field(2)
	if resource == "" || subject == "" {
		return nil, errors.ErrEmptyRecord
	}

	switch models.EventKind(field(1)) {
	case models.EventTaskStarted:
		if err := want(1, 1); err != nil {
			return nil, err
		}
		at, err := parseTime(field(3), p.day, p.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidStartTime, err)
		}
		return models.TaskStarted{TaskID: subject, At: at}, nil

	case models.EventTaskCompleted:
		if err := want(1, 1); err != nil {
			return nil, err
		}
		d, err := parseMinutes(field(3))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDuration, err)
		}
		return models.TaskCompleted{TaskID: subject, ActualDuration: d}, nil

	case models.EventTaskOverran:
		if err := want(1, 1); err != nil {
			return nil, err
		}
		d, err := parseMinutes(field(3))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDuration, err)
		}
		return models.TaskOverran{TaskID: subject, Over: d}, nil

	case models.EventNoShowOccurred:
		if err := want(0, 0); err != nil {
			return nil, err
		}
		return models.NoShowOccurred{TaskID: subject}, nil

	case models.EventTaskCancelled:
		if err := want(0, 0); err != nil {
			return nil, err
		}
		return models.TaskCancelled{TaskID: subject}, nil

	case models.EventEmergencyInserted:
		if err := want(1, 4); err != nil {
			return nil, err
		}
		d, err := parseMinutes(field(3))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDuration, err)
		}
		t := models.Task{
			ID:                subject,
			ResourceID:        resource,
			PredictedDuration: d,
			RoomID:            field(6),
		}
		if v := field(4); v != "" {
			if t.ScheduledStart, err = parseTime(v, p.day, p.loc); err != nil {
				return nil, fmt.Errorf("%w: %v", errors.ErrInvalidStartTime, err)
			}
		}
		if v := field(5); v != "" {
			if t.Priority, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPriority, err)
			}
		}
		return models.EmergencyInserted{Task: t}, nil

	case models.EventRecommendationApproved:
		if err := want(0, 0); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("%w: recommendation id: %v", errors.ErrInvalidNumber, err)
		}
		return models.RecommendationApproved{RecommendationID: id}, nil
	}

	return nil, fmt.Errorf("%w: %q", errors.ErrInvalidEventKind, field(1))
}
