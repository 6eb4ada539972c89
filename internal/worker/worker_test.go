package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/service"
)

// fakeFinalizer keeps sessions in memory and treats a session as expired once
// now passes startedAt plus its duration.
type fakeFinalizer struct {
	mu       sync.Mutex
	now      time.Time
	duration time.Duration
	sessions []*model.ExamSession
	failing  map[uuid.UUID]bool
	calls    int
}

func (f *fakeFinalizer) ListExpired(_ context.Context, limit int) ([]model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExamSession
	for _, s := range f.sessions {
		if s.Status == model.SessionStatusInProgress && s.StartedAt.Add(f.duration).Before(f.now) {
			out = append(out, *s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFinalizer) FinalizeExpired(_ context.Context, sess *model.ExamSession) (*model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing[sess.ID] {
		return nil, errors.New("database unavailable")
	}
	for _, s := range f.sessions {
		if s.ID != sess.ID {
			continue
		}
		if s.Status != model.SessionStatusInProgress {
			return nil, service.ErrAlreadySubmitted
		}
		now := f.now
		s.Status = model.SessionStatusSubmitted
		s.SubmittedAt = &now
		return &model.SubmitResult{Score: len(s.Answers), TotalQuestions: 50}, nil
	}
	return nil, service.ErrSessionNotFound
}

func inProgress(startedAt time.Time) *model.ExamSession {
	return &model.ExamSession{
		ID:        uuid.New(),
		ExamID:    uuid.New(),
		StudentID: 1,
		Status:    model.SessionStatusInProgress,
		StartedAt: &startedAt,
		Answers:   map[string]string{"q": "A"},
	}
}

func TestSweepFinalizesOnlyExpiredSessions(t *testing.T) {
	startedAt := time.Date(2025, 1, 1, 9, 55, 0, 0, time.UTC)
	expired := inProgress(startedAt)
	fresh := inProgress(startedAt.Add(30 * time.Minute))

	f := &fakeFinalizer{
		now:      time.Date(2025, 1, 1, 11, 5, 1, 0, time.UTC),
		duration: time.Hour,
		sessions: []*model.ExamSession{expired, fresh},
	}
	finalizer := NewAutoFinalizer(f, time.Minute, zerolog.Nop())

	if n := finalizer.Sweep(context.Background()); n != 1 {
		t.Fatalf("finalized %d, want 1", n)
	}
	if expired.Status != model.SessionStatusSubmitted || expired.SubmittedAt == nil {
		t.Fatalf("expired session not finalized: %+v", expired)
	}
	if fresh.Status != model.SessionStatusInProgress {
		t.Fatal("session still within its duration was finalized")
	}

	if n := finalizer.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep finalized %d, want 0", n)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	startedAt := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	bad, good := inProgress(startedAt), inProgress(startedAt)

	f := &fakeFinalizer{
		now:      startedAt.Add(2 * time.Hour),
		duration: time.Hour,
		sessions: []*model.ExamSession{bad, good},
		failing:  map[uuid.UUID]bool{bad.ID: true},
	}
	finalizer := NewAutoFinalizer(f, time.Minute, zerolog.Nop())

	if n := finalizer.Sweep(context.Background()); n != 1 {
		t.Fatalf("finalized %d, want 1", n)
	}
	if good.Status != model.SessionStatusSubmitted {
		t.Fatal("a failing session blocked the rest of the sweep")
	}
	if bad.Status != model.SessionStatusInProgress {
		t.Fatal("failed session should stay in progress for the next sweep")
	}

	// The failure clears; the next tick picks it up.
	f.failing = nil
	if n := finalizer.Sweep(context.Background()); n != 1 {
		t.Fatalf("retry finalized %d, want 1", n)
	}
}

type recordingEvents struct {
	examIDs []uuid.UUID
	types   []model.MonitorEventType
}

func (r *recordingEvents) Publish(_ context.Context, examID uuid.UUID, _ int, typ model.MonitorEventType, _ *model.SubmitResult) {
	r.examIDs = append(r.examIDs, examID)
	r.types = append(r.types, typ)
}

func TestSweepPublishesFinalizedSessions(t *testing.T) {
	startedAt := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	bad, good := inProgress(startedAt), inProgress(startedAt)

	f := &fakeFinalizer{
		now:      startedAt.Add(2 * time.Hour),
		duration: time.Hour,
		sessions: []*model.ExamSession{bad, good},
		failing:  map[uuid.UUID]bool{bad.ID: true},
	}
	events := &recordingEvents{}
	finalizer := NewAutoFinalizer(f, time.Minute, zerolog.Nop()).WithEvents(events)

	finalizer.Sweep(context.Background())

	if len(events.types) != 1 || events.types[0] != model.MonitorStudentFinalized || events.examIDs[0] != good.ExamID {
		t.Fatalf("events = %v for exams %v", events.types, events.examIDs)
	}
}

type recordingSaver struct {
	mu    sync.Mutex
	saved map[string][]model.SubmittedAnswer
	err   error
}

func (s *recordingSaver) SaveAnswers(_ context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.saved == nil {
		s.saved = make(map[string][]model.SubmittedAnswer)
	}
	s.saved[examID.String()] = answers
	return len(answers), nil
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestAutosaveFlushCoalescesPerSession(t *testing.T) {
	rdb, _ := newTestRedis(t)
	saver := &recordingSaver{}
	w := NewAutosaveWorker(saver, rdb, zerolog.Nop())
	examID := uuid.NewString()

	batch := []*AnswerPayload{
		{StudentID: 1, ExamID: examID, Answers: []model.SubmittedAnswer{{QuestionID: "q1", Selected: "A"}}},
		{StudentID: 1, ExamID: examID, Answers: []model.SubmittedAnswer{{QuestionID: "q1", Selected: "C"}, {QuestionID: "q2", Selected: "B"}}},
	}
	if requeued := w.Flush(context.Background(), batch); requeued != 0 {
		t.Fatalf("requeued = %d", requeued)
	}

	got := map[string]string{}
	for _, a := range saver.saved[examID] {
		got[a.QuestionID] = a.Selected
	}
	if len(got) != 2 || got["q1"] != "C" || got["q2"] != "B" {
		t.Fatalf("coalesced answers = %v", got)
	}
}

func TestAutosaveFlushRequeuesTransientFailures(t *testing.T) {
	rdb, mr := newTestRedis(t)
	saver := &recordingSaver{err: errors.New("connection reset")}
	w := NewAutosaveWorker(saver, rdb, zerolog.Nop())

	batch := []*AnswerPayload{{StudentID: 3, ExamID: uuid.NewString(), Answers: []model.SubmittedAnswer{{QuestionID: "q", Selected: "A"}}}}
	if requeued := w.Flush(context.Background(), batch); requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	items, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	if err != nil || len(items) != 1 {
		t.Fatalf("queue = %v (%v), want one requeued item", items, err)
	}
	var p AnswerPayload
	if err := json.Unmarshal([]byte(items[0]), &p); err != nil || p.StudentID != 3 {
		t.Fatalf("requeued payload = %+v (%v)", p, err)
	}
}

func TestAutosaveFlushDropsPermanentFailures(t *testing.T) {
	rdb, mr := newTestRedis(t)
	saver := &recordingSaver{err: service.ErrAlreadySubmitted}
	w := NewAutosaveWorker(saver, rdb, zerolog.Nop())

	batch := []*AnswerPayload{
		{StudentID: 3, ExamID: uuid.NewString(), Answers: []model.SubmittedAnswer{{QuestionID: "q", Selected: "A"}}},
		{StudentID: 4, ExamID: "not-a-uuid"},
	}
	if requeued := w.Flush(context.Background(), batch); requeued != 0 {
		t.Fatalf("requeued = %d, want 0", requeued)
	}
	if mr.Exists(config.WorkerKey.PersistAnswersQueue) {
		t.Fatal("permanent failures must not be requeued")
	}
}

func TestAutosaveWorkerConsumesQueue(t *testing.T) {
	rdb, _ := newTestRedis(t)
	saver := &recordingSaver{}
	w := NewAutosaveWorker(saver, rdb, zerolog.Nop())
	examID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	err := EnqueueAnswers(context.Background(), rdb, AnswerPayload{
		StudentID: 9, ExamID: examID,
		Answers: []model.SubmittedAnswer{{QuestionID: "q", Selected: "D"}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Shutdown flushes whatever the loop has batched so far.
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved[examID]) != 1 {
		t.Fatalf("saved = %v", saver.saved)
	}
}
