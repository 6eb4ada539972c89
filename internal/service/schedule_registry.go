package service

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/clock"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// ExamStatusStore is the slice of the exam repository the registry needs.
type ExamStatusStore interface {
	ListByStatus(ctx context.Context, statuses ...model.ExamStatus) ([]model.ExamDefinition, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []model.ExamStatus, to model.ExamStatus) (bool, error)
}

type timerKind int

const (
	timerStart timerKind = iota
	timerEnd
)

func (k timerKind) String() string {
	if k == timerStart {
		return "start"
	}
	return "end"
}

type scheduledTimer struct {
	fireAt time.Time
	examID uuid.UUID
	kind   timerKind
	index  int
}

// timerHeap orders timers by fire time.
type timerHeap []*scheduledTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].kind < h[j].kind
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*scheduledTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type examTimers struct {
	start *scheduledTimer
	end   *scheduledTimer
}

// ActiveTimer is the diagnostic view of one exam's pending transitions.
type ActiveTimer struct {
	ExamID       uuid.UUID  `json:"exam_id"`
	StartPending bool       `json:"start_pending"`
	EndPending   bool       `json:"end_pending"`
	StartsAt     *time.Time `json:"starts_at,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
}

// ScheduleRegistry keeps every exam definition's status in step with the clock.
// A single goroutine (Run) sleeps until the earliest pending timer and flips
// the definition's status when it fires.
type ScheduleRegistry struct {
	store ExamStatusStore
	clock clock.Clock
	loc   *time.Location
	log   zerolog.Logger

	// fireMu serialises firing against Cancel, so a cancelled timer that was
	// already popped never writes after Cancel returns.
	fireMu sync.Mutex

	mu     sync.Mutex
	timers timerHeap
	byExam map[uuid.UUID]*examTimers

	wake chan struct{}
}

// NewScheduleRegistry creates a registry. Exam dates and times are interpreted in loc.
func NewScheduleRegistry(store ExamStatusStore, clk clock.Clock, loc *time.Location, log zerolog.Logger) *ScheduleRegistry {
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleRegistry{
		store:  store,
		clock:  clk,
		loc:    loc,
		log:    log.With().Str("component", "schedule_registry").Logger(),
		byExam: make(map[uuid.UUID]*examTimers),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule replaces any pending timers for the definition with timers derived
// from its date, start time and duration. Definitions whose window already
// passed are marked completed; those already inside the window are marked
// running and only get an end timer. Terminal definitions are ignored.
func (r *ScheduleRegistry) Schedule(ctx context.Context, exam *model.ExamDefinition) error {
	r.Cancel(exam.ID)

	if !exam.Status.IsActive() {
		return nil
	}

	start, end, err := exam.Bounds(r.loc)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	switch {
	case !now.Before(end):
		if _, err := r.store.TransitionStatus(ctx, exam.ID, activeStatuses, model.ExamStatusCompleted); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		exam.Status = model.ExamStatusCompleted
		r.log.Info().Str("exam_id", exam.ID.String()).Msg("Exam window already over, marked completed")
		return nil

	case !now.Before(start):
		if _, err := r.store.TransitionStatus(ctx, exam.ID, []model.ExamStatus{model.ExamStatusScheduled}, model.ExamStatusRunning); err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		exam.Status = model.ExamStatusRunning
		r.add(exam.ID, nil, &end)

	default:
		r.add(exam.ID, &start, &end)
	}

	r.log.Debug().
		Str("exam_id", exam.ID.String()).
		Time("starts_at", start).
		Time("ends_at", end).
		Msg("Exam scheduled")
	return nil
}

var activeStatuses = []model.ExamStatus{model.ExamStatusScheduled, model.ExamStatusRunning}

// add registers fresh timers for the exam. Timers left by a concurrent
// Schedule of the same exam are dropped first, so byExam always reaches
// every heap entry of the exam.
func (r *ScheduleRegistry) add(examID uuid.UUID, start, end *time.Time) {
	r.mu.Lock()
	r.removeLocked(examID)
	et := &examTimers{}
	if start != nil {
		et.start = &scheduledTimer{fireAt: *start, examID: examID, kind: timerStart}
		heap.Push(&r.timers, et.start)
	}
	if end != nil {
		et.end = &scheduledTimer{fireAt: *end, examID: examID, kind: timerEnd}
		heap.Push(&r.timers, et.end)
	}
	r.byExam[examID] = et
	r.mu.Unlock()

	r.notify()
}

// Cancel drops any pending timers for the exam and reports whether there were any.
// Once it returns, no timer of that exam will fire.
func (r *ScheduleRegistry) Cancel(examID uuid.UUID) bool {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(examID)
}

// removeLocked drops the exam's pending heap entries. r.mu must be held.
func (r *ScheduleRegistry) removeLocked(examID uuid.UUID) bool {
	et, ok := r.byExam[examID]
	if !ok {
		return false
	}
	for _, t := range []*scheduledTimer{et.start, et.end} {
		if t != nil && t.index >= 0 {
			heap.Remove(&r.timers, t.index)
		}
	}
	delete(r.byExam, examID)
	return true
}

// Reinitialize schedules every definition that is still scheduled or running.
// Failures for a single definition are logged and skipped.
func (r *ScheduleRegistry) Reinitialize(ctx context.Context) (int, error) {
	exams, err := r.store.ListByStatus(ctx, activeStatuses...)
	if err != nil {
		return 0, fmt.Errorf("list active exams: %w", err)
	}

	scheduled := 0
	for i := range exams {
		if err := r.Schedule(ctx, &exams[i]); err != nil {
			r.log.Error().Err(err).Str("exam_id", exams[i].ID.String()).Msg("Failed to reschedule exam")
			continue
		}
		scheduled++
	}

	r.log.Info().Int("count", scheduled).Msg("Schedule registry reinitialized")
	return scheduled, nil
}

// ActiveTimers lists the exams that still have a pending transition, earliest first.
func (r *ScheduleRegistry) ActiveTimers() []ActiveTimer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActiveTimer, 0, len(r.byExam))
	for id, et := range r.byExam {
		at := ActiveTimer{ExamID: id}
		if et.start != nil && et.start.index >= 0 {
			t := et.start.fireAt
			at.StartPending, at.StartsAt = true, &t
		}
		if et.end != nil && et.end.index >= 0 {
			t := et.end.fireAt
			at.EndPending, at.EndsAt = true, &t
		}
		if at.StartPending || at.EndPending {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return nextFire(out[i]).Before(nextFire(out[j]))
	})
	return out
}

func nextFire(at ActiveTimer) time.Time {
	if at.StartsAt != nil {
		return *at.StartsAt
	}
	return *at.EndsAt
}

// RunDue fires every timer whose time has come and returns how many fired.
func (r *ScheduleRegistry) RunDue(ctx context.Context) int {
	fired := 0
	for {
		r.fireMu.Lock()
		t := r.popDue(r.clock.Now())
		if t == nil {
			r.fireMu.Unlock()
			return fired
		}
		r.fire(ctx, t)
		r.fireMu.Unlock()
		fired++
	}
}

func (r *ScheduleRegistry) popDue(now time.Time) *scheduledTimer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.timers) == 0 || r.timers[0].fireAt.After(now) {
		return nil
	}
	t := heap.Pop(&r.timers).(*scheduledTimer)
	if et, ok := r.byExam[t.examID]; ok {
		if (et.start == nil || et.start.index < 0) && (et.end == nil || et.end.index < 0) {
			delete(r.byExam, t.examID)
		}
	}
	return t
}

func (r *ScheduleRegistry) fire(ctx context.Context, t *scheduledTimer) {
	var (
		from []model.ExamStatus
		to   model.ExamStatus
	)
	if t.kind == timerStart {
		from, to = []model.ExamStatus{model.ExamStatusScheduled}, model.ExamStatusRunning
	} else {
		from, to = activeStatuses, model.ExamStatusCompleted
	}

	changed, err := r.store.TransitionStatus(ctx, t.examID, from, to)
	if err != nil {
		r.log.Error().Err(err).
			Str("exam_id", t.examID.String()).
			Str("timer", t.kind.String()).
			Msg("Scheduled status transition failed")
		return
	}
	r.log.Info().
		Str("exam_id", t.examID.String()).
		Str("timer", t.kind.String()).
		Str("status", string(to)).
		Bool("changed", changed).
		Msg("Scheduled timer fired")
}

func (r *ScheduleRegistry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *ScheduleRegistry) nextDelay() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) == 0 {
		return 0, false
	}
	d := r.timers[0].fireAt.Sub(r.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Run drives the registry until ctx is cancelled.
func (r *ScheduleRegistry) Run(ctx context.Context) {
	r.log.Info().Msg("Schedule registry started")

	for {
		var fireC <-chan time.Time
		var timer *time.Timer
		if d, ok := r.nextDelay(); ok {
			timer = time.NewTimer(d)
			fireC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.log.Info().Msg("Schedule registry stopped")
			return
		case <-r.wake:
		case <-fireC:
			r.RunDue(ctx)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}
