package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/relay"
)

// HeaderConnectionID names the sender's own connection so it is not echoed.
const HeaderConnectionID = "X-Connection-Id"

// MessageHandlers exposes the relay over REST.
type MessageHandlers struct {
	relay Relayer
	log   *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(r Relayer, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{
		relay: r,
		log:   logger,
	}
}

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// MessageResponse is the body of every relay response.
type MessageResponse struct {
	Message string `json:"message"`
}

// SendMessage validates, records and broadcasts a message.
// POST /api/groups/:groupId/messages
func (h *MessageHandlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send message request")
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "Invalid request body."})
		return
	}

	resp := h.relay.HandleIncoming(c.Request.Context(), relay.Incoming{
		GroupID:      c.Param("groupId"),
		UserID:       req.UserID,
		ConnectionID: c.GetHeader(HeaderConnectionID),
		Text:         req.Message,
	})

	c.JSON(resp.StatusCode, MessageResponse{Message: resp.Message})
}
