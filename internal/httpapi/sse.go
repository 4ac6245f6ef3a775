package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// SessionStream is the SSE feed of one session's live events.
// GET /api/sessions/:sessionId/stream
func (h *Handler) SessionStream(c *gin.Context) {
	h.stream(c, bus.Filter{SessionID: c.Param("sessionId")})
}

// ActivityStream is the SSE feed of cross-session activity.
// GET /api/activity/stream
func (h *Handler) ActivityStream(c *gin.Context) {
	h.stream(c, bus.Filter{Kinds: []events.Kind{
		events.KindFileChange,
		events.KindSessionStatus,
		events.KindProcessState,
		events.KindWorkerActivity,
		events.KindBackendReloaded,
		events.KindHeartbeat,
	}})
}

// stream forwards matching bus events as SSE frames until the client
// disconnects. Event ids are monotonic per connection; a client that
// reconnects resyncs through afterMessageId, not through Last-Event-ID.
func (h *Handler) stream(c *gin.Context, filter bus.Filter) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.respondError(c, apperrors.InternalError("streaming unsupported", nil))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(filter)
	defer sub.Unsubscribe()

	var id uint64
	var lastDropped uint64
	for {
		select {
		case <-c.Request.Context().Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal SSE event", zap.Error(err))
				continue
			}
			id++
			fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Kind, data)

			// A gap means the client missed events and should refetch
			// with afterMessageId.
			if d := sub.Dropped(); d != lastDropped {
				lastDropped = d
				id++
				fmt.Fprintf(c.Writer, "id: %d\nevent: dropped\ndata: {\"dropped\":%d}\n\n", id, d)
			}
			flusher.Flush()
		}
	}
}
