package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 25 * time.Second

// Stream 实时推送通道（SSE）；离线期间的事件不补发
// @Summary 实时推送
// @Tags 实时
// @Produce text/event-stream
// @Security BearerAuth
// @Router /api/v1/stream [get]
func (h *Handler) Stream(c *gin.Context) {
	conn, cancel := h.hub.Subscribe(currentUser(c))
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case f, ok := <-conn.Frames():
			if !ok {
				return false
			}
			c.SSEvent(f.Event, string(f.Data))
			return true
		case <-ticker.C:
			c.SSEvent("ping", "")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
