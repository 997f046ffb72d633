package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimeEventPayload struct {
	Path       string  `json:"path,omitempty"`
	NewPath    string  `json:"new_path,omitempty"`
	VersionIDs []int64 `json:"version_ids,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Source     string  `json:"source"`
}

// handleEventStream serves version events as server-sent events, filtered by
// ?path= when given.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	documentPath := strings.TrimSpace(c.Query("path"))
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, documentPath)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("path", documentPath), zap.String("request_id", c.GetString(requestIDContextKey)))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Path:       message.Path,
				NewPath:    message.NewPath,
				VersionIDs: message.VersionIDs,
				Timestamp:  message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:     realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("path", documentPath))
}
