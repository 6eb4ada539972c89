package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/service"
)

// FinalizeSweepSize bounds how many expired sessions one query returns.
const FinalizeSweepSize = 200

// ExpiredSessionFinalizer is the slice of the session service the finalizer needs.
type ExpiredSessionFinalizer interface {
	ListExpired(ctx context.Context, limit int) ([]model.ExamSession, error)
	FinalizeExpired(ctx context.Context, sess *model.ExamSession) (*model.SubmitResult, error)
}

// SessionEventPublisher relays finalized sessions to the exam's live monitor.
type SessionEventPublisher interface {
	Publish(ctx context.Context, examID uuid.UUID, studentID int, typ model.MonitorEventType, result *model.SubmitResult)
}

// AutoFinalizer periodically closes sessions whose duration has run out
// without an explicit submit.
type AutoFinalizer struct {
	sessions ExpiredSessionFinalizer
	events   SessionEventPublisher
	interval time.Duration
	log      zerolog.Logger
}

// NewAutoFinalizer creates a new AutoFinalizer.
func NewAutoFinalizer(sessions ExpiredSessionFinalizer, interval time.Duration, log zerolog.Logger) *AutoFinalizer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AutoFinalizer{
		sessions: sessions,
		interval: interval,
		log:      log.With().Str("component", "auto_finalizer").Logger(),
	}
}

// WithEvents publishes a finalized event for every session the finalizer closes.
func (f *AutoFinalizer) WithEvents(events SessionEventPublisher) *AutoFinalizer {
	f.events = events
	return f
}

// Start sweeps once immediately and then on every tick. Call in a goroutine.
func (f *AutoFinalizer) Start(ctx context.Context) {
	f.log.Info().Dur("interval", f.interval).Msg("Worker started")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			f.Sweep(ctx)
		}
	}
}

// Sweep finalizes every expired session it can and returns how many it closed.
// A failing session is logged and left in progress for the next sweep.
func (f *AutoFinalizer) Sweep(ctx context.Context) int {
	finalized := 0
	for {
		expired, err := f.sessions.ListExpired(ctx, FinalizeSweepSize)
		if err != nil {
			if ctx.Err() == nil {
				f.log.Error().Err(err).Msg("List expired sessions failed")
			}
			return finalized
		}

		progressed := 0
		for i := range expired {
			if ctx.Err() != nil {
				return finalized
			}
			sess := &expired[i]
			result, err := f.sessions.FinalizeExpired(ctx, sess)
			switch {
			case err == nil:
				finalized++
				progressed++
				f.log.Info().
					Str("exam_id", sess.ExamID.String()).
					Int("student_id", sess.StudentID).
					Int("score", result.Score).
					Msg("Expired session finalized")
				if f.events != nil {
					f.events.Publish(ctx, sess.ExamID, sess.StudentID, model.MonitorStudentFinalized, result)
				}
			case errors.Is(err, service.ErrAlreadySubmitted):
				progressed++
			default:
				f.log.Error().Err(err).
					Str("exam_id", sess.ExamID.String()).
					Int("student_id", sess.StudentID).
					Msg("Finalize expired session failed")
			}
		}

		// A short page means nothing is left; a page with no progress would
		// only return the same failing sessions again.
		if len(expired) < FinalizeSweepSize || progressed == 0 {
			return finalized
		}
	}
}
