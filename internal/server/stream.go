package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/relayroom/relayroom/internal/store"
	"go.uber.org/zap"
)

type userEventPayload struct {
	Key      string             `json:"key"`
	Snapshot store.UserSnapshot `json:"snapshot"`
}

type messageEventPayload struct {
	Key      string                `json:"key"`
	Snapshot store.MessageSnapshot `json:"snapshot"`
}

// handleUsersStream serves the users collection's child events over SSE.
// The event name carries the taxonomy tag (added, changed, removed).
func (h *httpHandler) handleUsersStream(c *gin.Context) {
	events, cancel, err := h.users.WatchUsers(c.Request.Context())
	if err != nil {
		h.logger.Error("users watch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), userEventPayload{Key: event.Key, Snapshot: event.Snapshot})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleMessagesStream serves the messages collection's child events over
// SSE. Nested reaction writes arrive as changed events on the owning
// message, carrying the whole replacement record.
func (h *httpHandler) handleMessagesStream(c *gin.Context) {
	events, cancel, err := h.messages.WatchMessages(c.Request.Context())
	if err != nil {
		h.logger.Error("messages watch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), messageEventPayload{Key: event.Key, Snapshot: event.Snapshot})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
