package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/progress"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
	ws "github.com/stemsi/exam-session-backend/internal/websocket"
	"github.com/stemsi/exam-session-backend/internal/worker"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams autosaves and submits over a WebSocket.
type WSHandler struct {
	rdb      *redis.Client
	sessions SessionService
	progress ProgressCache
	events   EventPublisher
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. events may be nil.
func NewWSHandler(
	rdb *redis.Client,
	sessions SessionService,
	progress ProgressCache,
	events EventPublisher,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		rdb:      rdb,
		sessions: sessions,
		progress: progress,
		events:   events,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Each autosave updates the progress buffer and is queued for persistence;
// submit goes through the same path as POST /submit and closes the stream.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	studentID := claims.UserID

	// Only an in-progress session may stream; the frozen list bounds autosaves.
	questionIDs, err := h.sessions.FrozenQuestionIDs(ctx, studentID, examID)
	if err != nil {
		h.writeServiceError(conn, err)
		return
	}
	frozen := make(map[string]struct{}, len(questionIDs))
	for _, id := range questionIDs {
		frozen[id.String()] = struct{}{}
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")
	publish(ctx, h.events, examID, studentID, model.MonitorStudentConnected, nil)

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(ctx, conn, wsLog, frozen, studentID, examID, &msg)
		case ws.ActionSubmit:
			if h.handleSubmit(ctx, conn, wsLog, studentID, examID) {
				return
			}
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

// handleAutosave records one answer in the progress buffer and queues it for
// the session row.
func (h *WSHandler) handleAutosave(
	ctx context.Context,
	conn *websocket.Conn,
	wsLog zerolog.Logger,
	frozen map[string]struct{},
	studentID int,
	examID uuid.UUID,
	msg *ws.RequestPayload,
) {
	if msg.QID == "" || msg.Answer == "" {
		ws.WriteError(conn, string(response.ErrInvalidPayload), "q_id and ans are required")
		return
	}
	if _, ok := frozen[msg.QID]; !ok {
		ws.WriteError(conn, string(response.ErrInvalidPayload), "question is not part of this exam")
		return
	}

	entry, err := h.progress.Load(ctx, examID.String(), studentID)
	if err != nil {
		if !errors.Is(err, progress.ErrNotFound) {
			wsLog.Warn().Err(err).Msg("Load progress failed")
		}
		entry = &progress.Entry{ExamID: examID.String(), Answers: map[string]string{}}
	}
	if entry.Answers == nil {
		entry.Answers = map[string]string{}
	}
	entry.Answers[msg.QID] = msg.Answer
	entry.CurrentIndex = msg.CurrentIndex
	if err := h.progress.Put(ctx, studentID, *entry); err != nil {
		wsLog.Warn().Err(err).Msg("Save progress failed")
	}

	err = worker.EnqueueAnswers(ctx, h.rdb, worker.AnswerPayload{
		StudentID: studentID,
		ExamID:    examID.String(),
		Answers:   []model.SubmittedAnswer{{QuestionID: msg.QID, Selected: msg.Answer}},
	})
	if err != nil {
		wsLog.Error().Err(err).Msg("Autosave enqueue failed")
		ws.WriteError(conn, string(response.ErrInternal), "save failed")
		return
	}

	ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, QID: msg.QID})
}

// handleSubmit submits the buffered answers and reports whether the stream
// should close.
func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, studentID int, examID uuid.UUID) bool {
	var answers []model.SubmittedAnswer
	if entry, err := h.progress.Load(ctx, examID.String(), studentID); err == nil {
		for qid, sel := range entry.Answers {
			answers = append(answers, model.SubmittedAnswer{QuestionID: qid, Selected: sel})
		}
	}

	result, err := h.sessions.Submit(ctx, studentID, examID, answers)
	already := errors.Is(err, service.ErrAlreadySubmitted) && result != nil
	if err != nil && !already {
		if _, _, _, ok := classifyError(err); !ok {
			wsLog.Error().Err(err).Msg("Submit failed")
		}
		h.writeServiceError(conn, err)
		return errors.Is(err, service.ErrAlreadySubmitted) || errors.Is(err, service.ErrDurationExceeded)
	}

	if !already {
		publish(ctx, h.events, examID, studentID, model.MonitorStudentSubmitted, result)
	}
	wsLog.Info().
		Int("score", result.Score).
		Int("total", result.TotalQuestions).
		Bool("already_submitted", already).
		Msg("Exam submitted")

	ws.WriteTyped(conn, ws.GradedResponse{
		Event:            ws.EventGraded,
		Score:            result.Score,
		TotalQuestions:   result.TotalQuestions,
		Percentage:       result.Percentage,
		Status:           string(result.Status),
		AlreadySubmitted: already,
	})
	return true
}

func (h *WSHandler) writeServiceError(conn *websocket.Conn, err error) {
	_, code, message, _ := classifyError(err)
	ws.WriteError(conn, string(code), message)
}
