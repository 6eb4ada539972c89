package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
)

type fakeExamStore struct {
	mu          sync.Mutex
	exams       map[uuid.UUID]*model.ExamDefinition
	transitions []string
}

func newFakeExamStore(exams ...*model.ExamDefinition) *fakeExamStore {
	s := &fakeExamStore{exams: make(map[uuid.UUID]*model.ExamDefinition)}
	for _, e := range exams {
		s.exams[e.ID] = e
	}
	return s
}

func (s *fakeExamStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeExamStore) status(id uuid.UUID) model.ExamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exams[id].Status
}

func (s *fakeExamStore) ListPaginated(_ context.Context, limit, offset int) ([]model.ExamDefinition, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.ExamDefinition
	for _, e := range s.exams {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Title < all[j].Title })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *fakeExamStore) ListByStatus(_ context.Context, statuses ...model.ExamStatus) ([]model.ExamDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExamDefinition
	for _, e := range s.exams {
		for _, st := range statuses {
			if e.Status == st {
				out = append(out, *e)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeExamStore) Create(_ context.Context, e *model.ExamDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	cp := *e
	s.exams[e.ID] = &cp
	return nil
}

func (s *fakeExamStore) Update(_ context.Context, e *model.ExamDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.exams[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status == model.ExamStatusCancelled {
		return repository.ErrNotEditable
	}
	cp := *e
	s.exams[e.ID] = &cp
	return nil
}

func (s *fakeExamStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exams[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.exams, id)
	return nil
}

func (s *fakeExamStore) TransitionStatus(_ context.Context, id uuid.UUID, from []model.ExamStatus, to model.ExamStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			s.transitions = append(s.transitions, fmt.Sprintf("%s->%s", f, to))
			return true, nil
		}
	}
	return false, nil
}

type fakeStudents map[int]*model.Student

func (f fakeStudents) GetByID(_ context.Context, id int) (*model.Student, error) {
	s, ok := f[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type fakeQuestions struct {
	all []model.Question
}

func (f *fakeQuestions) ListForDraw(_ context.Context, program, category string, limit int) ([]model.Question, error) {
	var scoped, universal []model.Question
	for _, q := range f.all {
		if q.Category != category {
			continue
		}
		switch {
		case q.Program == nil:
			universal = append(universal, q)
		case *q.Program == program:
			scoped = append(scoped, q)
		}
	}
	out := append(scoped, universal...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQuestions) GetByIDs(_ context.Context, ids []uuid.UUID) ([]model.Question, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Question
	for _, q := range f.all {
		if want[q.ID] {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeSessions mimics the conditional writes of ExamSessionRepository.
type fakeSessions struct {
	mu          sync.Mutex
	byKey       map[string]*model.ExamSession
	details     map[uuid.UUID][]model.AnswerDetail
	scoreWrites int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		byKey:   make(map[string]*model.ExamSession),
		details: make(map[uuid.UUID][]model.AnswerDetail),
	}
}

func sessionKey(examID uuid.UUID, studentID int) string {
	return fmt.Sprintf("%s/%d", examID, studentID)
}

func cloneSession(s *model.ExamSession) *model.ExamSession {
	cp := *s
	cp.GeneratedQuestions = append([]uuid.UUID(nil), s.GeneratedQuestions...)
	cp.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		cp.Answers[k] = v
	}
	return &cp
}

func (f *fakeSessions) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byKey[sessionKey(examID, studentID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(s), nil
}

func (f *fakeSessions) Create(_ context.Context, s *model.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionKey(s.ExamID, s.StudentID)
	if _, ok := f.byKey[key]; ok {
		return repository.ErrConflict
	}
	s.ID = uuid.New()
	f.byKey[key] = cloneSession(s)
	return nil
}

func (f *fakeSessions) MergeAnswers(_ context.Context, examID uuid.UUID, studentID int, answers map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byKey[sessionKey(examID, studentID)]
	if !ok || s.Status != model.SessionStatusInProgress {
		return false, nil
	}
	for k, v := range answers {
		s.Answers[k] = v
	}
	return true, nil
}

func (f *fakeSessions) Finalize(_ context.Context, p repository.FinalizeParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byKey {
		if s.ID != p.SessionID {
			continue
		}
		if s.Status != model.SessionStatusInProgress {
			return false, nil
		}
		submittedAt := p.SubmittedAt
		score, total, pct, res := p.Result.Score, p.Result.TotalQuestions, p.Result.Percentage, p.Result.Status
		s.Status = model.SessionStatusSubmitted
		s.SubmittedAt = &submittedAt
		s.Answers = p.Answers
		s.Score, s.TotalQuestions, s.Percentage, s.Result = &score, &total, &pct, &res
		f.details[s.ID] = p.Details
		f.scoreWrites++
		return true, nil
	}
	return false, nil
}

func (f *fakeSessions) ListExpired(_ context.Context, now time.Time, limit int) ([]model.ExamSession, error) {
	return nil, nil
}

func (f *fakeSessions) ListDetails(_ context.Context, sessionID uuid.UUID) ([]model.AnswerDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[sessionID], nil
}

func (f *fakeSessions) ListByExam(_ context.Context, examID uuid.UUID, page, perPage int, program *string) ([]repository.ExamResult, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ExamResult
	for _, s := range f.byKey {
		if s.ExamID == examID {
			out = append(out, repository.ExamResult{StudentID: s.StudentID, Status: s.Status, Score: s.Score})
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeSessions) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoreWrites
}

type fakeScheduler struct {
	mu        sync.Mutex
	calls     []string
	scheduled map[uuid.UUID]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[uuid.UUID]bool)}
}

func (f *fakeScheduler) Schedule(_ context.Context, exam *model.ExamDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "schedule")
	f.scheduled[exam.ID] = true
	return nil
}

func (f *fakeScheduler) Cancel(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel")
	had := f.scheduled[id]
	delete(f.scheduled, id)
	return had
}

type fakeProgress struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeProgress) Clear(_ context.Context, examID string, studentID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, fmt.Sprintf("%s/%d", examID, studentID))
	return nil
}
