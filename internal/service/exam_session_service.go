package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/clock"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/response"
)

// ExamReader loads exam definitions.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
}

// StudentReader loads students.
type StudentReader interface {
	GetByID(ctx context.Context, id int) (*model.Student, error)
}

// QuestionSource supplies questions for drawing and scoring.
type QuestionSource interface {
	ListForDraw(ctx context.Context, program, category string, limit int) ([]model.Question, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Question, error)
}

// SessionStore persists exam sessions.
type SessionStore interface {
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) error
	MergeAnswers(ctx context.Context, examID uuid.UUID, studentID int, answers map[string]string) (bool, error)
	Finalize(ctx context.Context, p repository.FinalizeParams) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.ExamSession, error)
	ListDetails(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerDetail, error)
	ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int, program *string) ([]repository.ExamResult, int64, error)
}

// ProgressClearer drops a student's buffered progress once a session is final.
type ProgressClearer interface {
	Clear(ctx context.Context, examID string, studentID int) error
}

// StartResult is the outcome of a successful start or resume.
type StartResult struct {
	Exam    *model.ExamDefinition
	Session *model.ExamSession
	Resumed bool
}

// ResultDetail is a submitted session together with its per-question review.
type ResultDetail struct {
	Session *model.ExamSession   `json:"session"`
	Details []model.AnswerDetail `json:"details"`
}

// ExamSessionService decides whether a student may start, resume or submit an
// exam attempt. It derives the time window itself on every call and never
// consults the definition's status label.
type ExamSessionService struct {
	exams     ExamReader
	students  StudentReader
	questions QuestionSource
	sessions  SessionStore
	progress  ProgressClearer
	clock     clock.Clock
	policy    config.ExamPolicy
	log       zerolog.Logger

	shuffle func(n int, swap func(i, j int))
}

// NewExamSessionService creates a new ExamSessionService. progress may be nil.
func NewExamSessionService(
	exams ExamReader,
	students StudentReader,
	questions QuestionSource,
	sessions SessionStore,
	progress ProgressClearer,
	clk clock.Clock,
	policy config.ExamPolicy,
	log zerolog.Logger,
) *ExamSessionService {
	if policy.Timezone == nil {
		policy.Timezone = time.UTC
	}
	return &ExamSessionService{
		exams:     exams,
		students:  students,
		questions: questions,
		sessions:  sessions,
		progress:  progress,
		clock:     clk,
		policy:    policy,
		log:       log.With().Str("component", "exam_session_service").Logger(),
		shuffle:   rand.Shuffle,
	}
}

// Policy returns the exam policy the service enforces.
func (s *ExamSessionService) Policy() config.ExamPolicy {
	return s.policy
}

// Start creates the student's session or resumes the existing one.
func (s *ExamSessionService) Start(ctx context.Context, studentID int, examID uuid.UUID) (*StartResult, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	student, err := s.students.GetByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("get student: %w", err)
	}
	if !assignedTo(exam, student) {
		return nil, ErrForbidden
	}

	if err := s.checkWindow(exam); err != nil {
		return nil, err
	}

	existing, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil {
		return s.resume(exam, existing)
	}

	questionIDs, err := s.drawQuestions(ctx, exam, student.Program)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	session := &model.ExamSession{
		ExamID:             examID,
		StudentID:          studentID,
		Status:             model.SessionStatusInProgress,
		StartedAt:          &now,
		GeneratedQuestions: questionIDs,
		Answers:            map[string]string{},
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// A concurrent start won the insert.
		existing, fetchErr := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
		}
		return s.resume(exam, existing)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Int("questions", len(questionIDs)).
		Msg("Exam session started")

	return &StartResult{Exam: exam, Session: session}, nil
}

func (s *ExamSessionService) resume(exam *model.ExamDefinition, sess *model.ExamSession) (*StartResult, error) {
	switch sess.Status {
	case model.SessionStatusSubmitted:
		return nil, ErrAlreadySubmitted
	case model.SessionStatusInProgress:
		return &StartResult{Exam: exam, Session: sess, Resumed: true}, nil
	default:
		return nil, ErrNotInProgress
	}
}

func assignedTo(exam *model.ExamDefinition, student *model.Student) bool {
	if exam.StudentID != nil && *exam.StudentID != student.ID {
		return false
	}
	if exam.Program != nil && *exam.Program != student.Program {
		return false
	}
	return true
}

// Window returns the buffered interval during which start is allowed.
func (s *ExamSessionService) Window(exam *model.ExamDefinition) (time.Time, time.Time, error) {
	start, end, err := exam.Bounds(s.policy.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start.Add(-s.policy.WindowBuffer), end.Add(s.policy.WindowBuffer), nil
}

func (s *ExamSessionService) checkWindow(exam *model.ExamDefinition) error {
	windowStart, windowEnd, err := s.Window(exam)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	switch {
	case now.Before(windowStart):
		return &WindowError{Kind: ErrTooEarly, WindowStart: windowStart, WindowEnd: windowEnd}
	case now.After(windowEnd):
		return &WindowError{Kind: ErrTooLate, WindowStart: windowStart, WindowEnd: windowEnd}
	}
	return nil
}

// drawQuestions freezes the question order for a new session. An explicit
// question list on the definition is shuffled as a whole; otherwise each
// configured category is drawn and shuffled on its own, then concatenated.
func (s *ExamSessionService) drawQuestions(ctx context.Context, exam *model.ExamDefinition, program string) ([]uuid.UUID, error) {
	if len(exam.QuestionIDs) > 0 {
		found, err := s.questions.GetByIDs(ctx, exam.QuestionIDs)
		if err != nil {
			return nil, fmt.Errorf("load exam questions: %w", err)
		}
		if len(found) < len(uniqueIDs(exam.QuestionIDs)) {
			return nil, fmt.Errorf("%w: %d of %d listed questions exist",
				ErrInsufficientQuestions, len(found), len(exam.QuestionIDs))
		}
		ids := make([]uuid.UUID, len(found))
		for i, q := range found {
			ids[i] = q.ID
		}
		s.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		return ids, nil
	}

	perCategory := s.policy.QuestionsPerCategory
	ids := make([]uuid.UUID, 0, perCategory*len(s.policy.Categories))
	for _, category := range s.policy.Categories {
		drawn, err := s.questions.ListForDraw(ctx, program, category, perCategory)
		if err != nil {
			return nil, fmt.Errorf("draw %s questions: %w", category, err)
		}
		if len(drawn) < perCategory {
			return nil, fmt.Errorf("%w: category %s has %d of %d",
				ErrInsufficientQuestions, category, len(drawn), perCategory)
		}
		drawn = drawn[:perCategory]
		s.shuffle(len(drawn), func(i, j int) { drawn[i], drawn[j] = drawn[j], drawn[i] })
		for _, q := range drawn {
			ids = append(ids, q.ID)
		}
	}
	if len(ids) == 0 {
		return nil, ErrInsufficientQuestions
	}
	return ids, nil
}

func uniqueIDs(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// GetQuestions returns the session's frozen questions, in frozen order,
// without correct answers.
func (s *ExamSessionService) GetQuestions(ctx context.Context, studentID int, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	sess, err := s.activeSession(ctx, studentID, examID)
	if err != nil {
		return nil, err
	}

	byID, err := s.questionMap(ctx, sess.GeneratedQuestions)
	if err != nil {
		return nil, err
	}

	out := make([]model.QuestionForStudent, 0, len(sess.GeneratedQuestions))
	for _, id := range sess.GeneratedQuestions {
		if q, ok := byID[id]; ok {
			out = append(out, q.ForStudent())
		}
	}
	return out, nil
}

// GetState reports what a reloading client needs: the server start time, the
// remaining time and the answers persisted so far.
func (s *ExamSessionService) GetState(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSessionState, error) {
	sess, err := s.activeSession(ctx, studentID, examID)
	if err != nil {
		return nil, err
	}
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	elapsed := s.clock.Now().Sub(*sess.StartedAt)
	remaining := exam.Duration() - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return &model.ExamSessionState{
		ExamID:           examID,
		StudentID:        studentID,
		StartedAt:        *sess.StartedAt,
		DurationMinutes:  exam.DurationMinutes,
		RemainingSeconds: remaining.Seconds(),
		Answers:          sess.Answers,
	}, nil
}

// FrozenQuestionIDs returns the question order of an in-progress session.
func (s *ExamSessionService) FrozenQuestionIDs(ctx context.Context, studentID int, examID uuid.UUID) ([]uuid.UUID, error) {
	sess, err := s.activeSession(ctx, studentID, examID)
	if err != nil {
		return nil, err
	}
	return sess.GeneratedQuestions, nil
}

// SaveAnswers merges a partial answer set into the persisted session. Answers
// that do not belong to the session are dropped; it returns how many were kept.
func (s *ExamSessionService) SaveAnswers(ctx context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (int, error) {
	sess, err := s.activeSession(ctx, studentID, examID)
	if err != nil {
		return 0, err
	}
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return 0, err
	}
	if s.overdue(exam, sess) {
		return 0, ErrDurationExceeded
	}

	byID, err := s.questionMap(ctx, sess.GeneratedQuestions)
	if err != nil {
		return 0, err
	}
	kept := filterAnswers(sess, byID, answerMap(answers))
	if len(kept) == 0 {
		return 0, nil
	}

	ok, err := s.sessions.MergeAnswers(ctx, examID, studentID, kept)
	if err != nil {
		return 0, fmt.Errorf("merge answers: %w", err)
	}
	if !ok {
		return 0, ErrAlreadySubmitted
	}
	return len(kept), nil
}

// Submit scores the session with the persisted answers overlaid by the
// submitted ones and closes it. A session that is already submitted yields
// ErrAlreadySubmitted together with the stored result.
func (s *ExamSessionService) Submit(ctx context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (*model.SubmitResult, error) {
	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Status == model.SessionStatusSubmitted {
		return sess.StoredResult(), ErrAlreadySubmitted
	}
	if sess.Status != model.SessionStatusInProgress || sess.StartedAt == nil {
		return nil, ErrNotInProgress
	}

	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if s.overdue(exam, sess) {
		return nil, ErrDurationExceeded
	}

	merged := make(map[string]string, len(sess.Answers)+len(answers))
	for k, v := range sess.Answers {
		merged[k] = v
	}
	for k, v := range answerMap(answers) {
		merged[k] = v
	}

	return s.finalize(ctx, sess, merged)
}

// FinalizeExpired closes a session whose time ran out using only the answers
// already persisted. It shares the scoring path and the status guard with Submit.
func (s *ExamSessionService) FinalizeExpired(ctx context.Context, sess *model.ExamSession) (*model.SubmitResult, error) {
	if sess.Status != model.SessionStatusInProgress {
		return sess.StoredResult(), ErrAlreadySubmitted
	}
	return s.finalize(ctx, sess, sess.Answers)
}

// ListExpired returns in-progress sessions whose duration has elapsed.
func (s *ExamSessionService) ListExpired(ctx context.Context, limit int) ([]model.ExamSession, error) {
	return s.sessions.ListExpired(ctx, s.clock.Now(), limit)
}

func (s *ExamSessionService) finalize(ctx context.Context, sess *model.ExamSession, answers map[string]string) (*model.SubmitResult, error) {
	byID, err := s.questionMap(ctx, sess.GeneratedQuestions)
	if err != nil {
		return nil, err
	}
	kept := filterAnswers(sess, byID, answers)
	result, details := s.score(sess, byID, kept)

	ok, err := s.sessions.Finalize(ctx, repository.FinalizeParams{
		SessionID:   sess.ID,
		SubmittedAt: s.clock.Now(),
		Answers:     kept,
		Result:      result,
		Details:     details,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if !ok {
		stored, err := s.sessions.GetByExamAndStudent(ctx, sess.ExamID, sess.StudentID)
		if err != nil {
			return nil, ErrAlreadySubmitted
		}
		return stored.StoredResult(), ErrAlreadySubmitted
	}

	if s.progress != nil {
		if err := s.progress.Clear(ctx, sess.ExamID.String(), sess.StudentID); err != nil {
			s.log.Warn().Err(err).
				Str("exam_id", sess.ExamID.String()).
				Int("student_id", sess.StudentID).
				Msg("Failed to clear progress cache")
		}
	}

	s.log.Info().
		Str("exam_id", sess.ExamID.String()).
		Int("student_id", sess.StudentID).
		Int("score", result.Score).
		Int("total", result.TotalQuestions).
		Str("result", string(result.Status)).
		Msg("Exam session finalized")

	return &result, nil
}

func (s *ExamSessionService) score(sess *model.ExamSession, byID map[uuid.UUID]model.Question, answers map[string]string) (model.SubmitResult, []model.AnswerDetail) {
	details := make([]model.AnswerDetail, 0, len(sess.GeneratedQuestions))
	correct := 0
	for _, id := range sess.GeneratedQuestions {
		q, ok := byID[id]
		if !ok {
			continue
		}
		selected := answers[id.String()]
		isCorrect := selected != "" && selected == q.CorrectOption
		if isCorrect {
			correct++
		}
		details = append(details, model.AnswerDetail{
			QuestionID:    id,
			Selected:      selected,
			CorrectOption: q.CorrectOption,
			IsCorrect:     isCorrect,
		})
	}

	total := len(sess.GeneratedQuestions)
	percentage := 0
	if total > 0 {
		percentage = int(math.Round(100 * float64(correct) / float64(total)))
	}

	passed := correct >= s.policy.PassThreshold
	if s.policy.PassPolicy == config.PassPolicyPercent {
		passed = percentage >= s.policy.PassThreshold
	}
	status := model.ResultFail
	if passed {
		status = model.ResultPass
	}

	return model.SubmitResult{
		Score:          correct,
		TotalQuestions: total,
		Percentage:     percentage,
		Status:         status,
	}, details
}

// filterAnswers keeps answers whose question is in the session's frozen set
// and whose value is one of that question's options.
func filterAnswers(sess *model.ExamSession, byID map[uuid.UUID]model.Question, answers map[string]string) map[string]string {
	kept := make(map[string]string, len(answers))
	for key, selected := range answers {
		if selected == "" {
			continue
		}
		id, err := uuid.Parse(key)
		if err != nil || !sess.HasQuestion(id) {
			continue
		}
		q, ok := byID[id]
		if !ok || !q.HasOption(selected) {
			continue
		}
		kept[id.String()] = selected
	}
	return kept
}

// answerMap flattens a submitted answer list; later entries for the same
// question win.
func answerMap(answers []model.SubmittedAnswer) map[string]string {
	m := make(map[string]string, len(answers))
	for _, a := range answers {
		m[a.QuestionID] = a.Selected
	}
	return m
}

func (s *ExamSessionService) overdue(exam *model.ExamDefinition, sess *model.ExamSession) bool {
	return s.clock.Now().Sub(*sess.StartedAt) > exam.Duration()+s.policy.WindowBuffer
}

func (s *ExamSessionService) activeSession(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotStarted
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	switch sess.Status {
	case model.SessionStatusSubmitted:
		return nil, ErrAlreadySubmitted
	case model.SessionStatusInProgress:
		if sess.StartedAt == nil {
			return nil, ErrSessionNotStarted
		}
		return sess, nil
	default:
		return nil, ErrSessionNotStarted
	}
}

func (s *ExamSessionService) loadExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status == model.ExamStatusCancelled {
		return nil, ErrExamNotFound
	}
	return exam, nil
}

func (s *ExamSessionService) questionMap(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Question, error) {
	questions, err := s.questions.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	byID := make(map[uuid.UUID]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	return byID, nil
}

// ListResults retrieves paginated results for an exam, optionally filtered by program.
func (s *ExamSessionService) ListResults(ctx context.Context, examID uuid.UUID, page, perPage int, program *string) ([]repository.ExamResult, *response.Pagination, error) {
	page, perPage = normalizePage(page, perPage)

	results, total, err := s.sessions.ListByExam(ctx, examID, page, perPage, program)
	if err != nil {
		return nil, nil, err
	}
	if results == nil {
		results = []repository.ExamResult{}
	}
	return results, buildPagination(page, perPage, int(total)), nil
}

// GetResultDetail returns a submitted session with its write-once answer review.
func (s *ExamSessionService) GetResultDetail(ctx context.Context, examID uuid.UUID, studentID int) (*ResultDetail, error) {
	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Status != model.SessionStatusSubmitted {
		return nil, ErrResultNotReady
	}
	details, err := s.sessions.ListDetails(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list details: %w", err)
	}
	if details == nil {
		details = []model.AnswerDetail{}
	}
	return &ResultDetail{Session: sess, Details: details}, nil
}
