package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
)

// serviceErrors maps each classified service error onto its HTTP status and code.
var serviceErrors = []struct {
	err    error
	status int
	code   response.ErrCode
}{
	{service.ErrExamNotFound, http.StatusNotFound, response.ErrExamNotFound},
	{service.ErrSessionNotFound, http.StatusNotFound, response.ErrSessionNotFound},
	{service.ErrForbidden, http.StatusForbidden, response.ErrExamNotAssigned},
	{service.ErrAlreadySubmitted, http.StatusBadRequest, response.ErrAlreadySubmitted},
	{service.ErrNotInProgress, http.StatusBadRequest, response.ErrNotInProgress},
	{service.ErrSessionNotStarted, http.StatusBadRequest, response.ErrSessionNotStarted},
	{service.ErrDurationExceeded, http.StatusBadRequest, response.ErrDurationExceeded},
	{service.ErrInsufficientQuestions, http.StatusConflict, response.ErrInsufficientQuestions},
	{service.ErrExamNotEditable, http.StatusConflict, response.ErrExamNotEditable},
	{service.ErrResultNotReady, http.StatusConflict, response.ErrResultNotReady},
	{repository.ErrNotFound, http.StatusNotFound, response.ErrNotFound},
}

// classifyError resolves a service error to a status, a code and the message
// shown to the user. ok is false for errors nobody classified.
func classifyError(err error) (status int, code response.ErrCode, message string, ok bool) {
	var windowErr *service.WindowError
	if errors.As(err, &windowErr) {
		code = response.ErrTooLate
		if errors.Is(windowErr, service.ErrTooEarly) {
			code = response.ErrTooEarly
		}
		// The message names the computed open and close times.
		return http.StatusForbidden, code, windowErr.Error(), true
	}

	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code, response.GetMessage(m.code), true
		}
	}
	return http.StatusInternalServerError, response.ErrInternal, response.GetMessage(response.ErrInternal), false
}

// failWithServiceError writes the response for an error returned by the
// service layer. Anything unclassified is logged and reported as internal.
func failWithServiceError(c *gin.Context, log zerolog.Logger, err error) {
	status, code, message, ok := classifyError(err)
	switch {
	case !ok:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled service error")
	case code == response.ErrInsufficientQuestions:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Question bank cannot fill the exam")
	}
	response.FailWithMessage(c, status, code, message)
}
