package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/service"
)

type fakeMonitor struct {
	rdb  *redis.Client
	snap *model.MonitorSnapshot
	err  error
}

func (f *fakeMonitor) Snapshot(ctx context.Context, examID uuid.UUID) (*model.MonitorSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeMonitor) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return f.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}

func newMonitorRouter(t *testing.T, mon *fakeMonitor) *gin.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	mon.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { mon.rdb.Close() })

	h := NewMonitorHandler(mon, testLog)
	r := gin.New()
	r.GET("/api/v1/admin/exams/:id/monitor", h.MonitorExamSSE)
	return r
}

func TestMonitorExamSSEStreamsSnapshotAndEvents(t *testing.T) {
	examID := uuid.New()
	mon := &fakeMonitor{snap: &model.MonitorSnapshot{ExamID: examID.String(), Title: "Placement Test", InProgress: 3, Total: 3}}
	srv := httptest.NewServer(newMonitorRouter(t, mon))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/admin/exams/"+examID.String()+"/monitor", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET monitor: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	next := func(want string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended before %q", want)
				}
				if strings.Contains(line, want) {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	next(`"type":"snapshot"`)

	// The handler subscribes after the snapshot; keep publishing until the
	// subscription is live.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		channel := config.CacheKey.ExamMonitorChannel(examID.String())
		for {
			mon.rdb.Publish(context.Background(), channel, `{"type":"submitted","student_id":4}`)
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	next(`"student_id":4`)
}

func TestMonitorExamSSEUnknownExam(t *testing.T) {
	r := newMonitorRouter(t, &fakeMonitor{err: service.ErrExamNotFound})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams/"+uuid.NewString()+"/monitor", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
}
