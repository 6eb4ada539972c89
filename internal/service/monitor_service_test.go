package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/clock"
	"github.com/stemsi/exam-session-backend/internal/model"
)

type fakeCounter struct {
	counts map[model.SessionStatus]int
	err    error
}

func (f fakeCounter) CountByStatus(context.Context, uuid.UUID) (map[model.SessionStatus]int, error) {
	return f.counts, f.err
}

func newMonitorFixture(t *testing.T, counter fakeCounter, exams ...*model.ExamDefinition) (*MonitorService, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewFake(at(10, 5, 0))
	return NewMonitorService(newFakeExamStore(exams...), counter, rdb, clk, zerolog.Nop()), clk
}

func TestMonitorSnapshot(t *testing.T) {
	exam := &model.ExamDefinition{ID: uuid.New(), Title: "Placement Test", Status: model.ExamStatusRunning}
	svc, _ := newMonitorFixture(t, fakeCounter{counts: map[model.SessionStatus]int{
		model.SessionStatusInProgress: 12,
		model.SessionStatusSubmitted:  30,
	}}, exam)

	snap, err := svc.Snapshot(context.Background(), exam.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.InProgress != 12 || snap.Submitted != 30 || snap.Total != 42 {
		t.Errorf("counts = %+v", snap)
	}
	if snap.Title != "Placement Test" || snap.ExamStatus != model.ExamStatusRunning {
		t.Errorf("exam fields = %+v", snap)
	}
}

func TestMonitorSnapshotErrors(t *testing.T) {
	svc, _ := newMonitorFixture(t, fakeCounter{})
	if _, err := svc.Snapshot(context.Background(), uuid.New()); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("unknown exam err = %v", err)
	}

	exam := &model.ExamDefinition{ID: uuid.New(), Title: "Placement Test"}
	boom := errors.New("too many connections")
	svc, _ = newMonitorFixture(t, fakeCounter{err: boom}, exam)
	if _, err := svc.Snapshot(context.Background(), exam.ID); !errors.Is(err, boom) {
		t.Fatalf("count failure err = %v", err)
	}
}

func TestMonitorPublishReachesSubscriber(t *testing.T) {
	examID := uuid.New()
	svc, clk := newMonitorFixture(t, fakeCounter{})
	ctx := context.Background()

	sub := svc.Subscribe(ctx, examID)
	defer sub.Close()
	// Wait for the subscription confirmation before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Publish(ctx, examID, 7, model.MonitorStudentSubmitted, &model.SubmitResult{Score: 33, Status: model.ResultPass})

	select {
	case msg := <-sub.Channel():
		var ev model.MonitorEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != model.MonitorStudentSubmitted || ev.StudentID != 7 {
			t.Errorf("event = %+v", ev)
		}
		if ev.Score == nil || *ev.Score != 33 || ev.Result == nil || *ev.Result != model.ResultPass {
			t.Errorf("result fields = %+v", ev)
		}
		if !ev.At.Equal(clk.Now()) {
			t.Errorf("at = %v, want %v", ev.At, clk.Now())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestMonitorPublishIsScopedToExam(t *testing.T) {
	watched, other := uuid.New(), uuid.New()
	svc, _ := newMonitorFixture(t, fakeCounter{})
	ctx := context.Background()

	sub := svc.Subscribe(ctx, watched)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Publish(ctx, other, 1, model.MonitorStudentStarted, nil)
	svc.Publish(ctx, watched, 2, model.MonitorStudentStarted, nil)

	select {
	case msg := <-sub.Channel():
		var ev model.MonitorEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.StudentID != 2 || ev.Score != nil {
			t.Errorf("event = %+v, want student 2 without a score", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
