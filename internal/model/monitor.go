package model

import "time"

// MonitorEventType names a live session event shown to proctors.
type MonitorEventType string

const (
	MonitorStudentStarted   MonitorEventType = "started"
	MonitorStudentResumed   MonitorEventType = "resumed"
	MonitorStudentConnected MonitorEventType = "connected"
	MonitorStudentSubmitted MonitorEventType = "submitted"
	MonitorStudentFinalized MonitorEventType = "finalized"
)

// MonitorEvent is published on an exam's monitor channel.
type MonitorEvent struct {
	Type      MonitorEventType `json:"type"`
	StudentID int              `json:"student_id"`
	Score     *int             `json:"score,omitempty"`
	Result    *ResultStatus    `json:"result,omitempty"`
	At        time.Time        `json:"at"`
}

// MonitorSnapshot counts an exam's sessions by status.
type MonitorSnapshot struct {
	ExamID     string     `json:"exam_id"`
	Title      string     `json:"title"`
	ExamStatus ExamStatus `json:"exam_status"`
	InProgress int        `json:"in_progress"`
	Submitted  int        `json:"submitted"`
	Total      int        `json:"total"`
}
