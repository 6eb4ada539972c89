package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the lifecycle states of an exam definition.
type ExamStatus string

const (
	ExamStatusScheduled ExamStatus = "scheduled"
	ExamStatusRunning   ExamStatus = "running"
	ExamStatusCompleted ExamStatus = "completed"
	ExamStatusCancelled ExamStatus = "cancelled"
)

// IsActive reports whether the status can still transition on the clock.
func (s ExamStatus) IsActive() bool {
	return s == ExamStatusScheduled || s == ExamStatusRunning
}

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

// ExamDefinition is the admin-authored record describing when an exam runs,
// for whom, and for how long.
type ExamDefinition struct {
	ID              uuid.UUID   `json:"id"`
	Title           string      `json:"title"`
	Program         *string     `json:"program,omitempty"`
	StudentID       *int        `json:"student_id,omitempty"`
	Date            string      `json:"date"`
	StartTime       string      `json:"start_time"`
	DurationMinutes int         `json:"duration_minutes"`
	Status          ExamStatus  `json:"status"`
	QuestionIDs     []uuid.UUID `json:"question_ids"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// StartsAt interprets Date and StartTime in loc.
func (e *ExamDefinition) StartsAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+timeOfDayLayout, e.Date+" "+e.StartTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("exam %s has invalid schedule %q %q: %w", e.ID, e.Date, e.StartTime, err)
	}
	return t, nil
}

// Duration returns the nominal exam length.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Bounds returns the nominal start and end instants in loc.
func (e *ExamDefinition) Bounds(loc *time.Location) (start, end time.Time, err error) {
	start, err = e.StartsAt(loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.Add(e.Duration()), nil
}

// CreateExamRequest is the payload for creating a new exam definition.
type CreateExamRequest struct {
	Title           string      `json:"title" binding:"required,notblank,min=3,max=255"`
	Program         *string     `json:"program" binding:"omitempty,min=1,max=100"`
	StudentID       *int        `json:"student_id" binding:"omitempty,min=1"`
	Date            string      `json:"date" binding:"required,datetime=2006-01-02"`
	StartTime       string      `json:"start_time" binding:"required,datetime=15:04"`
	DurationMinutes int         `json:"duration_minutes" binding:"required,min=1,max=480"`
	QuestionIDs     []uuid.UUID `json:"question_ids" binding:"omitempty"`
}

// UpdateExamRequest is the payload for editing an exam definition.
type UpdateExamRequest struct {
	Title           *string      `json:"title" binding:"omitempty,min=3,max=255"`
	Program         *string      `json:"program" binding:"omitempty,max=100"`
	StudentID       *int         `json:"student_id" binding:"omitempty,min=0"`
	Date            *string      `json:"date" binding:"omitempty,datetime=2006-01-02"`
	StartTime       *string      `json:"start_time" binding:"omitempty,datetime=15:04"`
	DurationMinutes *int         `json:"duration_minutes" binding:"omitempty,min=1,max=480"`
	QuestionIDs     *[]uuid.UUID `json:"question_ids" binding:"omitempty"`
}

// Apply copies the set fields of the request onto e. An empty program or a zero
// student id clears the assignment.
func (r *UpdateExamRequest) Apply(e *ExamDefinition) {
	if r.Title != nil {
		e.Title = *r.Title
	}
	if r.Program != nil {
		if *r.Program == "" {
			e.Program = nil
		} else {
			p := *r.Program
			e.Program = &p
		}
	}
	if r.StudentID != nil {
		if *r.StudentID == 0 {
			e.StudentID = nil
		} else {
			id := *r.StudentID
			e.StudentID = &id
		}
	}
	if r.Date != nil {
		e.Date = *r.Date
	}
	if r.StartTime != nil {
		e.StartTime = *r.StartTime
	}
	if r.DurationMinutes != nil {
		e.DurationMinutes = *r.DurationMinutes
	}
	if r.QuestionIDs != nil {
		e.QuestionIDs = *r.QuestionIDs
	}
}
