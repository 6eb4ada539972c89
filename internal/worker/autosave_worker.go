package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/service"
)

const (
	AutosaveBatchSize    = 50
	AutosaveBatchTimeout = 2 * time.Second
	AutosavePollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	AutosaveRetryDelay   = 5 * time.Second
)

// AnswerSaver persists a partial answer set into a student's session.
type AnswerSaver interface {
	SaveAnswers(ctx context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (int, error)
}

// AnswerPayload is one queued autosave.
type AnswerPayload struct {
	StudentID int                     `json:"student_id"`
	ExamID    string                  `json:"exam_id"`
	Answers   []model.SubmittedAnswer `json:"answers"`
}

// EnqueueAnswers pushes an autosave onto the persistence queue.
func EnqueueAnswers(ctx context.Context, rdb *redis.Client, p AnswerPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal autosave: %w", err)
	}
	return rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw).Err()
}

// AutosaveWorker consumes persist_answers_queue and merges the answers into
// the session rows. Payloads for the same student and exam within one batch
// are coalesced, later answers winning.
type AutosaveWorker struct {
	saver AnswerSaver
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(saver AnswerSaver, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		saver: saver,
		rdb:   rdb,
		log:   log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make([]*AnswerPayload, 0, AutosaveBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= AutosaveBatchSize || time.Since(lastFlush) >= AutosaveBatchTimeout) {
			if w.Flush(ctx, batch) > 0 {
				w.sleep(ctx, AutosaveRetryDelay)
			}
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.Flush(context.Background(), batch)
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return

		default:
			item, err := w.rdb.BLPop(ctx, AutosavePollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			var p AnswerPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, &p)
		}
	}
}

type batchKey struct {
	examID    string
	studentID int
}

// Flush persists a batch and returns how many groups were requeued after a
// transient failure.
func (w *AutosaveWorker) Flush(ctx context.Context, batch []*AnswerPayload) int {
	if len(batch) == 0 {
		return 0
	}

	order := make([]batchKey, 0, len(batch))
	groups := make(map[batchKey]map[string]string)
	for _, p := range batch {
		key := batchKey{examID: p.ExamID, studentID: p.StudentID}
		g, ok := groups[key]
		if !ok {
			g = make(map[string]string)
			groups[key] = g
			order = append(order, key)
		}
		for _, a := range p.Answers {
			g[a.QuestionID] = a.Selected
		}
	}

	requeued := 0
	for _, key := range order {
		p := AnswerPayload{StudentID: key.studentID, ExamID: key.examID}
		for qid, sel := range groups[key] {
			p.Answers = append(p.Answers, model.SubmittedAnswer{QuestionID: qid, Selected: sel})
		}

		examID, err := uuid.Parse(p.ExamID)
		if err != nil {
			w.log.Warn().Err(err).Str("exam_id", p.ExamID).Msg("Autosave with invalid exam id dropped")
			continue
		}

		if _, err := w.saver.SaveAnswers(ctx, p.StudentID, examID, p.Answers); err != nil {
			if permanent(err) {
				w.log.Debug().Err(err).
					Int("student_id", p.StudentID).
					Str("exam_id", p.ExamID).
					Msg("Autosave dropped")
				continue
			}
			w.log.Error().Err(err).
				Int("student_id", p.StudentID).
				Str("exam_id", p.ExamID).
				Msg("Persist error, requeueing")
			if err := EnqueueAnswers(ctx, w.rdb, p); err != nil {
				w.log.Error().Err(err).Msg("Requeue failed")
			}
			requeued++
		}
	}
	return requeued
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, service.ErrAlreadySubmitted) ||
		errors.Is(err, service.ErrSessionNotStarted) ||
		errors.Is(err, service.ErrDurationExceeded) ||
		errors.Is(err, service.ErrNotInProgress) ||
		errors.Is(err, service.ErrExamNotFound)
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	var pending []*AnswerPayload
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		var p AnswerPayload
		if err := json.Unmarshal([]byte(result), &p); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}
		pending = append(pending, &p)
	}

	if len(pending) == 0 {
		return
	}
	requeued := w.Flush(ctx, pending)
	w.log.Info().Int("count", len(pending)).Int("requeued", requeued).Msg("Drained remaining items")
}

func (w *AutosaveWorker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
