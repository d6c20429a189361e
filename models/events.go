package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a live event type.
type EventKind string

const (
	EventTaskStarted            EventKind = "task_started"
	EventTaskCompleted          EventKind = "task_completed"
	EventTaskOverran            EventKind = "task_overran"
	EventNoShowOccurred         EventKind = "no_show"
	EventEmergencyInserted      EventKind = "emergency_inserted"
	EventTaskCancelled          EventKind = "task_cancelled"
	EventRecommendationApproved EventKind = "recommendation_approved"
)

// Event is a live occurrence applied to a resource's day.
type Event interface {
	Kind() EventKind
	// Subject is the task the event refers to.
	Subject() string
}

type TaskStarted struct {
	TaskID string
	At     time.Time
}

type TaskCompleted struct {
	TaskID         string
	ActualDuration time.Duration
}

type TaskOverran struct {
	TaskID string
	Over   time.Duration
}

type NoShowOccurred struct {
	TaskID string
}

// EmergencyInserted splices a fixed task; a zero ScheduledStart means as soon as possible.
type EmergencyInserted struct {
	Task Task
}

type TaskCancelled struct {
	TaskID string
}

type RecommendationApproved struct {
	RecommendationID uuid.UUID
}

func (e TaskStarted) Kind() EventKind            { return EventTaskStarted }
func (e TaskCompleted) Kind() EventKind          { return EventTaskCompleted }
func (e TaskOverran) Kind() EventKind            { return EventTaskOverran }
func (e NoShowOccurred) Kind() EventKind         { return EventNoShowOccurred }
func (e EmergencyInserted) Kind() EventKind      { return EventEmergencyInserted }
func (e TaskCancelled) Kind() EventKind          { return EventTaskCancelled }
func (e RecommendationApproved) Kind() EventKind { return EventRecommendationApproved }

func (e TaskStarted) Subject() string            { return e.TaskID }
func (e TaskCompleted) Subject() string          { return e.TaskID }
func (e TaskOverran) Subject() string            { return e.TaskID }
func (e NoShowOccurred) Subject() string         { return e.TaskID }
func (e EmergencyInserted) Subject() string      { return e.Task.ID }
func (e TaskCancelled) Subject() string          { return e.TaskID }
func (e RecommendationApproved) Subject() string { return e.RecommendationID.String() }
