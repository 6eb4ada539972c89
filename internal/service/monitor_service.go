package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/clock"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
)

// SessionCounter counts an exam's sessions by status.
type SessionCounter interface {
	CountByStatus(ctx context.Context, examID uuid.UUID) (map[model.SessionStatus]int, error)
}

// MonitorService feeds the proctor's live view of an exam: counts read from
// the database and session events relayed over Redis pub/sub.
type MonitorService struct {
	exams    ExamReader
	sessions SessionCounter
	rdb      *redis.Client
	clock    clock.Clock
	log      zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(exams ExamReader, sessions SessionCounter, rdb *redis.Client, clk clock.Clock, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		exams:    exams,
		sessions: sessions,
		rdb:      rdb,
		clock:    clk,
		log:      log.With().Str("component", "monitor_service").Logger(),
	}
}

// Snapshot loads the definition and the session counts concurrently.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) (*model.MonitorSnapshot, error) {
	var (
		exam      *model.ExamDefinition
		counts    map[model.SessionStatus]int
		examErr   error
		countsErr error
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		exam, examErr = s.exams.GetByID(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		counts, countsErr = s.sessions.CountByStatus(ctx, examID)
	}()
	wg.Wait()

	if examErr != nil {
		if errors.Is(examErr, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, examErr
	}
	if countsErr != nil {
		return nil, fmt.Errorf("count sessions: %w", countsErr)
	}

	snap := &model.MonitorSnapshot{
		ExamID:     examID.String(),
		Title:      exam.Title,
		ExamStatus: exam.Status,
		InProgress: counts[model.SessionStatusInProgress],
		Submitted:  counts[model.SessionStatusSubmitted],
	}
	for _, n := range counts {
		snap.Total += n
	}
	return snap, nil
}

// Publish sends a session event to the exam's monitor channel. Failures are
// logged; monitoring never blocks an exam.
func (s *MonitorService) Publish(ctx context.Context, examID uuid.UUID, studentID int, typ model.MonitorEventType, result *model.SubmitResult) {
	ev := model.MonitorEvent{Type: typ, StudentID: studentID, At: s.clock.Now()}
	if result != nil {
		score, status := result.Score, result.Status
		ev.Score = &score
		ev.Result = &status
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := config.CacheKey.ExamMonitorChannel(examID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Publish monitor event failed")
	}
}

// Subscribe opens the exam's monitor channel. The caller closes it.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
