package service

import (
	"errors"
	"fmt"
	"time"
)

// Session and exam errors returned by the service layer. Handlers map each of
// these onto exactly one response code.
var (
	ErrExamNotFound          = errors.New("exam not found")
	ErrSessionNotFound       = errors.New("exam session not found")
	ErrForbidden             = errors.New("exam is not assigned to this student")
	ErrTooEarly              = errors.New("exam window has not opened yet")
	ErrTooLate               = errors.New("exam window has closed")
	ErrAlreadySubmitted      = errors.New("exam already submitted")
	ErrNotInProgress         = errors.New("exam session is not in progress")
	ErrSessionNotStarted     = errors.New("exam session has not been started")
	ErrDurationExceeded      = errors.New("exam duration exceeded")
	ErrInsufficientQuestions = errors.New("not enough questions to build the exam")
	ErrExamNotEditable       = errors.New("exam is no longer editable")
	ErrResultNotReady        = errors.New("exam session has no result yet")
)

// WindowError reports a start attempt outside the buffered exam window.
// It matches ErrTooEarly or ErrTooLate under errors.Is.
type WindowError struct {
	Kind        error
	WindowStart time.Time
	WindowEnd   time.Time
}

func (e *WindowError) Error() string {
	const layout = "2006-01-02 15:04 MST"
	if e.Kind == ErrTooEarly {
		return fmt.Sprintf("exam opens at %s and closes at %s",
			e.WindowStart.Format(layout), e.WindowEnd.Format(layout))
	}
	return fmt.Sprintf("exam closed at %s (opened at %s)",
		e.WindowEnd.Format(layout), e.WindowStart.Format(layout))
}

func (e *WindowError) Unwrap() error { return e.Kind }
