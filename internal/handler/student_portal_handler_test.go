package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/progress"
	"github.com/stemsi/exam-session-backend/internal/service"
)

type portalFixture struct {
	sessions *fakeSessions
	progress *fakeProgress
	events   *fakeEvents
	router   *gin.Engine
	examID   uuid.UUID
}

func newPortalFixture(claims *service.Claims) *portalFixture {
	f := &portalFixture{
		sessions: &fakeSessions{policy: config.DefaultExamPolicy()},
		progress: newFakeProgress(),
		events:   &fakeEvents{},
		examID:   uuid.New(),
	}
	h := NewStudentPortalHandler(f.sessions, f.progress, f.events, testLog)

	r := gin.New()
	api := r.Group("/api/v1/student", withClaims(claims))
	api.GET("/exam-policy", h.GetExamPolicy)
	api.POST("/start/:exam_id", h.StartExam)
	api.POST("/submit", h.SubmitExam)
	api.GET("/exam/:exam_id/questions", h.GetQuestions)
	api.GET("/exam/:exam_id/state", h.GetExamState)
	api.POST("/exam/:exam_id/answers", h.SaveAnswers)
	api.GET("/exam/:exam_id/progress", h.GetProgress)
	api.PUT("/exam/:exam_id/progress", h.SaveProgress)
	api.DELETE("/exam/:exam_id/progress", h.DiscardProgress)
	api.POST("/exam/:exam_id/progress/resume", h.ResumeProgress)
	f.router = r
	return f
}

func (f *portalFixture) path(suffix string) string {
	return "/api/v1/student/exam/" + f.examID.String() + suffix
}

func startResult(examID uuid.UUID, resumed bool) *service.StartResult {
	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	return &service.StartResult{
		Exam: &model.ExamDefinition{ID: examID, Title: "Placement Test", DurationMinutes: 60},
		Session: &model.ExamSession{
			ID:                 uuid.New(),
			ExamID:             examID,
			StudentID:          1,
			Status:             model.SessionStatusInProgress,
			StartedAt:          &started,
			GeneratedQuestions: []uuid.UUID{uuid.New(), uuid.New()},
		},
		Resumed: resumed,
	}
}

func TestStartExam(t *testing.T) {
	for _, resumed := range []bool{false, true} {
		f := newPortalFixture(studentClaims(1))
		f.sessions.startRes = startResult(f.examID, resumed)

		w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/start/"+f.examID.String(), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}

		var data struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			Exam    struct {
				ID        uuid.UUID   `json:"id"`
				Duration  int         `json:"duration"`
				StartedAt time.Time   `json:"startedAt"`
				Questions []uuid.UUID `json:"questions"`
			} `json:"exam"`
		}
		decodeData(t, env, &data)

		wantMsg, wantEvent := "Exam started", model.MonitorStudentStarted
		if resumed {
			wantMsg, wantEvent = "Exam resumed", model.MonitorStudentResumed
		}
		if !data.Success || data.Message != wantMsg {
			t.Errorf("resumed=%v: success=%v message=%q", resumed, data.Success, data.Message)
		}
		if data.Exam.ID != f.examID || data.Exam.Duration != 60 || len(data.Exam.Questions) != 2 {
			t.Errorf("resumed=%v: exam payload = %+v", resumed, data.Exam)
		}
		if !data.Exam.StartedAt.Equal(*f.sessions.startRes.Session.StartedAt) {
			t.Errorf("startedAt = %v", data.Exam.StartedAt)
		}
		if got := f.events.types(); len(got) != 1 || got[0] != wantEvent {
			t.Errorf("resumed=%v: events = %v, want [%s]", resumed, got, wantEvent)
		}
	}
}

func TestStartExamErrors(t *testing.T) {
	opens := time.Date(2025, 1, 1, 9, 55, 0, 0, time.UTC)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"too early", &service.WindowError{Kind: service.ErrTooEarly, WindowStart: opens, WindowEnd: opens.Add(70 * time.Minute)}, http.StatusForbidden, "TOO_EARLY"},
		{"too late", &service.WindowError{Kind: service.ErrTooLate, WindowStart: opens, WindowEnd: opens.Add(70 * time.Minute)}, http.StatusForbidden, "TOO_LATE"},
		{"not found", service.ErrExamNotFound, http.StatusNotFound, "EXAM_NOT_FOUND"},
		{"other student", service.ErrForbidden, http.StatusForbidden, "EXAM_NOT_ASSIGNED"},
		{"submitted", service.ErrAlreadySubmitted, http.StatusBadRequest, "ALREADY_SUBMITTED"},
		{"bank too small", service.ErrInsufficientQuestions, http.StatusConflict, "INSUFFICIENT_QUESTIONS"},
		{"database down", errors.New("dial tcp: refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPortalFixture(studentClaims(1))
			f.sessions.startErr = tt.err

			w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/start/"+f.examID.String(), nil)
			if w.Code != tt.status || errCode(env) != tt.code {
				t.Fatalf("got %d %s, want %d %s", w.Code, errCode(env), tt.status, tt.code)
			}
			if len(f.events.types()) != 0 {
				t.Error("a failed start must not publish an event")
			}
		})
	}
}

func TestStartExamRejectsBadInput(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/start/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest || errCode(env) != "INVALID_ID" {
		t.Fatalf("got %d %s", w.Code, errCode(env))
	}

	anon := newPortalFixture(nil)
	w, env = doJSON(t, anon.router, http.MethodPost, "/api/v1/student/start/"+anon.examID.String(), nil)
	if w.Code != http.StatusUnauthorized || errCode(env) != "TOKEN_REQUIRED" {
		t.Fatalf("anonymous got %d %s", w.Code, errCode(env))
	}
}

func TestSubmitExam(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	f.sessions.submitRes = &model.SubmitResult{Score: 40, TotalQuestions: 50, Percentage: 80, Status: model.ResultPass}

	qid := uuid.New().String()
	body := map[string]any{
		"examId":  f.examID.String(),
		"answers": []map[string]string{{"questionId": qid, "selected": "B"}},
	}
	w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/submit", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var data struct {
		AlreadySubmitted bool               `json:"alreadySubmitted"`
		Result           model.SubmitResult `json:"result"`
	}
	decodeData(t, env, &data)
	if data.AlreadySubmitted || data.Result.Score != 40 || data.Result.Status != model.ResultPass {
		t.Errorf("data = %+v", data)
	}
	if len(f.sessions.submitted) != 1 || f.sessions.submitted[0].QuestionID != qid {
		t.Errorf("submitted answers = %+v", f.sessions.submitted)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != model.MonitorStudentSubmitted {
		t.Errorf("events = %v", got)
	}
}

func TestSubmitExamRepeatReturnsStoredResult(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	f.sessions.submitRes = &model.SubmitResult{Score: 12, TotalQuestions: 50, Percentage: 24, Status: model.ResultFail}
	f.sessions.submitErr = service.ErrAlreadySubmitted

	w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/submit", map[string]any{"examId": f.examID.String()})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var data struct {
		AlreadySubmitted bool               `json:"alreadySubmitted"`
		Result           model.SubmitResult `json:"result"`
	}
	decodeData(t, env, &data)
	if !data.AlreadySubmitted || data.Result.Score != 12 {
		t.Errorf("data = %+v", data)
	}
	if len(f.events.types()) != 0 {
		t.Error("a repeated submit must not publish")
	}
}

func TestSubmitExamValidation(t *testing.T) {
	f := newPortalFixture(studentClaims(1))

	w, env := doJSON(t, f.router, http.MethodPost, "/api/v1/student/submit", map[string]any{})
	if w.Code != http.StatusBadRequest || errCode(env) != "VALIDATION_ERROR" {
		t.Fatalf("got %d %s", w.Code, errCode(env))
	}
	if _, ok := env.Error.Fields["examId"]; !ok {
		t.Errorf("fields = %v, want examId", env.Error.Fields)
	}
	if f.sessions.submits != 0 {
		t.Error("service called for an invalid request")
	}
}

func TestSaveAnswers(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	body := map[string]any{"answers": []map[string]string{
		{"questionId": uuid.New().String(), "selected": "A"},
		{"questionId": uuid.New().String(), "selected": "C"},
	}}

	w, env := doJSON(t, f.router, http.MethodPost, f.path("/answers"), body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var data struct {
		Saved int `json:"saved"`
	}
	decodeData(t, env, &data)
	if data.Saved != 2 {
		t.Errorf("saved = %d", data.Saved)
	}

	f.sessions.saveErr = service.ErrDurationExceeded
	w, env = doJSON(t, f.router, http.MethodPost, f.path("/answers"), body)
	if w.Code != http.StatusBadRequest || errCode(env) != "DURATION_EXCEEDED" {
		t.Fatalf("expired session got %d %s", w.Code, errCode(env))
	}
}

func TestGetExamPolicy(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	f.sessions.policy.PassPolicy = config.PassPolicyPercent
	f.sessions.policy.PassThreshold = 60

	w, env := doJSON(t, f.router, http.MethodGet, "/api/v1/student/exam-policy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data struct {
		Timezone            string   `json:"timezone"`
		WindowBufferMinutes int      `json:"windowBufferMinutes"`
		PassPolicy          string   `json:"passPolicy"`
		PassThreshold       int      `json:"passThreshold"`
		Categories          []string `json:"categories"`
	}
	decodeData(t, env, &data)
	if data.Timezone != "UTC" || data.WindowBufferMinutes != 5 {
		t.Errorf("timing = %+v", data)
	}
	if data.PassPolicy != "percent" || data.PassThreshold != 60 || len(data.Categories) != 2 {
		t.Errorf("grading = %+v", data)
	}
}

func TestProgressLifecycle(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	q1, q2, stale := uuid.New(), uuid.New(), uuid.New()
	f.sessions.frozen = []uuid.UUID{q1, q2}

	// Nothing buffered yet.
	_, env := doJSON(t, f.router, http.MethodGet, f.path("/progress"), nil)
	var status struct {
		Resumable    bool `json:"resumable"`
		Answered     int  `json:"answered"`
		CurrentIndex int  `json:"currentIndex"`
	}
	decodeData(t, env, &status)
	if status.Resumable {
		t.Fatal("empty buffer reported resumable")
	}
	w, env := doJSON(t, f.router, http.MethodPost, f.path("/progress/resume"), nil)
	if w.Code != http.StatusNotFound || errCode(env) != "NO_PROGRESS" {
		t.Fatalf("resume without progress got %d %s", w.Code, errCode(env))
	}

	w, _ = doJSON(t, f.router, http.MethodPut, f.path("/progress"), map[string]any{
		"answers":      map[string]string{q1.String(): "B", stale.String(): "D", q2.String(): ""},
		"currentIndex": 1,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("save progress status = %d, body %s", w.Code, w.Body.String())
	}

	_, env = doJSON(t, f.router, http.MethodGet, f.path("/progress"), nil)
	decodeData(t, env, &status)
	if !status.Resumable || status.Answered != 2 || status.CurrentIndex != 1 {
		t.Errorf("status = %+v", status)
	}

	w, env = doJSON(t, f.router, http.MethodPost, f.path("/progress/resume"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
	var resumed struct {
		Answers      map[string]string `json:"answers"`
		CurrentIndex int               `json:"currentIndex"`
	}
	decodeData(t, env, &resumed)
	if len(resumed.Answers) != 1 || resumed.Answers[q1.String()] != "B" {
		t.Errorf("resumed answers = %v, want only the frozen answered question", resumed.Answers)
	}
	if resumed.CurrentIndex != 1 {
		t.Errorf("currentIndex = %d", resumed.CurrentIndex)
	}

	w, _ = doJSON(t, f.router, http.MethodDelete, f.path("/progress"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("discard status = %d", w.Code)
	}
	if _, ok := f.progress.get(f.examID.String(), 1); ok {
		t.Error("progress still buffered after discard")
	}
}

func TestResumeProgressResetsOutOfRangeIndex(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	q1 := uuid.New()
	f.sessions.frozen = []uuid.UUID{q1}
	_ = f.progress.Put(context.Background(), 1, progress.Entry{
		ExamID:       f.examID.String(),
		Answers:      map[string]string{q1.String(): "A"},
		CurrentIndex: 7,
	})

	_, env := doJSON(t, f.router, http.MethodPost, f.path("/progress/resume"), nil)
	var resumed struct {
		CurrentIndex int `json:"currentIndex"`
	}
	decodeData(t, env, &resumed)
	if resumed.CurrentIndex != 0 {
		t.Errorf("currentIndex = %d, want 0", resumed.CurrentIndex)
	}
}

func TestSaveProgressRequiresActiveSession(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	f.sessions.frozenErr = service.ErrNotInProgress

	w, env := doJSON(t, f.router, http.MethodPut, f.path("/progress"), map[string]any{
		"answers": map[string]string{uuid.NewString(): "A"},
	})
	if w.Code != http.StatusBadRequest || errCode(env) != "NOT_IN_PROGRESS" {
		t.Fatalf("got %d %s", w.Code, errCode(env))
	}
	if _, ok := f.progress.get(f.examID.String(), 1); ok {
		t.Error("progress buffered for a closed session")
	}
}

func TestGetProgressDropsEntryForSubmittedSession(t *testing.T) {
	f := newPortalFixture(studentClaims(1))
	q1 := uuid.New()
	// A late flush re-wrote the buffer after submit cleared it.
	_ = f.progress.Put(context.Background(), 1, progress.Entry{
		ExamID:  f.examID.String(),
		Answers: map[string]string{q1.String(): "A"},
	})
	f.sessions.frozenErr = service.ErrAlreadySubmitted

	w, env := doJSON(t, f.router, http.MethodGet, f.path("/progress"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		Resumable bool `json:"resumable"`
	}
	decodeData(t, env, &got)
	if got.Resumable {
		t.Error("submitted session offered as resumable")
	}
	if _, ok := f.progress.get(f.examID.String(), 1); ok {
		t.Error("stale progress left in the buffer")
	}
}
