package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusSubmitted  SessionStatus = "submitted"
)

// ResultStatus is the pass/fail classification of a submitted session.
type ResultStatus string

const (
	ResultPass ResultStatus = "pass"
	ResultFail ResultStatus = "fail"
)

// ExamSession represents one student's attempt at one exam definition.
// Answers maps question id to the selected option text.
type ExamSession struct {
	ID                 uuid.UUID         `json:"id"`
	ExamID             uuid.UUID         `json:"exam_id"`
	StudentID          int               `json:"student_id"`
	Status             SessionStatus     `json:"status"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	SubmittedAt        *time.Time        `json:"submitted_at,omitempty"`
	GeneratedQuestions []uuid.UUID       `json:"generated_questions"`
	Answers            map[string]string `json:"answers"`
	Score              *int              `json:"score,omitempty"`
	TotalQuestions     *int              `json:"total_questions,omitempty"`
	Percentage         *int              `json:"percentage,omitempty"`
	Result             *ResultStatus     `json:"result,omitempty"`
}

// HasQuestion reports whether id is part of the frozen question order.
func (s *ExamSession) HasQuestion(id uuid.UUID) bool {
	for _, q := range s.GeneratedQuestions {
		if q == id {
			return true
		}
	}
	return false
}

// StoredResult returns the score recorded at submission, or nil before that.
func (s *ExamSession) StoredResult() *SubmitResult {
	if s.Status != SessionStatusSubmitted || s.Score == nil || s.TotalQuestions == nil {
		return nil
	}
	res := &SubmitResult{Score: *s.Score, TotalQuestions: *s.TotalQuestions}
	if s.Percentage != nil {
		res.Percentage = *s.Percentage
	}
	if s.Result != nil {
		res.Status = *s.Result
	}
	return res
}

// AnswerDetail is the per-question validation record written once at submission.
type AnswerDetail struct {
	QuestionID    uuid.UUID `json:"question_id"`
	Selected      string    `json:"selected"`
	CorrectOption string    `json:"correct_option"`
	IsCorrect     bool      `json:"is_correct"`
}

// SubmitResult is the scored outcome of a session.
type SubmitResult struct {
	Score          int          `json:"score"`
	TotalQuestions int          `json:"totalQuestions"`
	Percentage     int          `json:"percentage"`
	Status         ResultStatus `json:"status"`
}

// SubmittedAnswer is one entry of a client answer set.
type SubmittedAnswer struct {
	QuestionID string `json:"questionId" binding:"required"`
	Selected   string `json:"selected"`
}

// SubmitExamRequest is the payload for an explicit submit.
type SubmitExamRequest struct {
	ExamID  string            `json:"examId" binding:"required,uuid"`
	Answers []SubmittedAnswer `json:"answers" binding:"omitempty,dive"`
}

// SaveAnswersRequest is the payload for a partial progress sync.
type SaveAnswersRequest struct {
	Answers []SubmittedAnswer `json:"answers" binding:"required,dive"`
}

// ExamSessionState is what a reloading client needs to resume an exam.
type ExamSessionState struct {
	ExamID           uuid.UUID         `json:"exam_id"`
	StudentID        int               `json:"student_id"`
	StartedAt        time.Time         `json:"started_at"`
	DurationMinutes  int               `json:"duration_minutes"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	Answers          map[string]string `json:"answers"`
}

// SaveProgressRequest is the payload for buffering a client snapshot.
type SaveProgressRequest struct {
	Answers      map[string]string `json:"answers" binding:"required"`
	CurrentIndex int               `json:"currentIndex" binding:"min=0"`
}
