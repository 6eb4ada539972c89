package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// EventPublisher relays session events to the exam's live monitor.
type EventPublisher interface {
	Publish(ctx context.Context, examID uuid.UUID, studentID int, typ model.MonitorEventType, result *model.SubmitResult)
}

// ExamMonitor reads the live view of one exam.
type ExamMonitor interface {
	Snapshot(ctx context.Context, examID uuid.UUID) (*model.MonitorSnapshot, error)
	Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub
}

type MonitorHandler struct {
	monitor ExamMonitor
	log     zerolog.Logger
}

func NewMonitorHandler(monitor ExamMonitor, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Streams a snapshot, then every session event, then a fresh snapshot each
// refresh interval while events keep arriving.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	snap, err := h.monitor.Snapshot(reqCtx, examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": snap})
	c.Writer.Flush()

	pubsub := h.monitor.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something has happened since the last one.
	dirty := false

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward the published JSON as is.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendRefresh(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitor.Snapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to refresh monitor snapshot")
		return
	}

	c.SSEvent("message", gin.H{"type": "refresh", "data": snap})
	c.Writer.Flush()
}
