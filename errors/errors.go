package errors

import (
	"fmt"
	"strings"
)

// ParseError wraps a specific error with context about where it occurred.
type ParseError struct {
	Line   int
	Record []string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %v (record: %v)", e.Line, e.Err, e.Record)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TaskError identifies the task and field that made an input or event invalid.
type TaskError struct {
	TaskID string
	Field  string
	Detail string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("task %q: %v: %s", e.TaskID, e.Err, e.Detail)
	}
	return fmt.Sprintf("task %q field %s: %v: %s", e.TaskID, e.Field, e.Err, e.Detail)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ConstraintError names the hard constraint and tasks that cannot be reconciled.
type ConstraintError struct {
	ResourceID string
	Constraint string
	TaskIDs    []string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("resource %q: %v: %s violated by [%s]",
		e.ResourceID, e.Err, e.Constraint, strings.Join(e.TaskIDs, ", "))
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidInput          = fmt.Errorf("invalid input")
	ErrInvalidSchedule       = fmt.Errorf("invalid schedule")
	ErrOptimizationTimeout   = fmt.Errorf("optimization timeout")
	ErrStaleEvent            = fmt.Errorf("stale event")
	ErrUnknownSession        = fmt.Errorf("unknown session")
	ErrSessionClosed         = fmt.Errorf("session closed")
	ErrNotLive               = fmt.Errorf("session not live")
	ErrUnknownRecommendation = fmt.Errorf("unknown recommendation")
)

// CSV field errors.
var (
	ErrInvalidFieldCount = fmt.Errorf("invalid field count")
	ErrInvalidDuration   = fmt.Errorf("invalid duration")
	ErrInvalidStartTime  = fmt.Errorf("invalid start time")
	ErrInvalidPriority   = fmt.Errorf("invalid priority")
	ErrInvalidNumber     = fmt.Errorf("invalid number")
	ErrInvalidEventKind  = fmt.Errorf("invalid event kind")
	ErrEmptyRecord       = fmt.Errorf("empty record")
)
