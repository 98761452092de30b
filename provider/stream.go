package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// streamPollInterval is how often the provider checks order state while a
// client is subscribed to /ivxp/orders/{id}/stream. It only exists
// server-side, internal to this handler; clients see it as SSE pushes,
// never as polling (the client-side delivery channel has its own
// independent poller for when SSE is unavailable).
const streamPollInterval = 500 * time.Millisecond

// handleStream serves text/event-stream with status_update, completed
// and failed frames, terminating the connection once a terminal order
// status is reached. It sends no progress frames.
func (s *Server) handleStream(c *gin.Context) {
	orderID := c.Param("id")
	if _, err := s.orders.Get(c.Request.Context(), orderID); err != nil {
		s.respondError(c, http.StatusNotFound, err)
		return
	}
	if !containsString(s.cfg.Capabilities, "sse") {
		c.JSON(http.StatusNotFound, ivxp.ErrorBody{Error: "streaming not enabled"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ivxp.ErrorBody{Error: "streaming unsupported"})
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	var lastStatus ivxp.OrderStatus
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			order, err := s.orders.Get(ctx, orderID)
			if err != nil {
				writeSSEFrame(c.Writer, "failed", map[string]string{"order_id": orderID, "reason": "order vanished"})
				flusher.Flush()
				return
			}
			if order.Status == lastStatus {
				continue
			}
			lastStatus = order.Status

			switch order.Status {
			case ivxp.StatusDelivered, ivxp.StatusConfirmed:
				writeSSEFrame(c.Writer, "completed", order.ToDeliverable())
				flusher.Flush()
				return
			case ivxp.StatusDeliveryFailed:
				writeSSEFrame(c.Writer, "failed", map[string]string{"order_id": orderID, "reason": order.FailureReason})
				flusher.Flush()
				return
			default:
				writeSSEFrame(c.Writer, "status_update", order.ToStatusView())
				flusher.Flush()
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func containsString(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
