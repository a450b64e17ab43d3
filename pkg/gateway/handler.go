package gateway

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/pkg/response"
	"chatsync/pkg/session"
	"chatsync/pkg/store"
	"chatsync/pkg/upstream"
)

// Handler exposes the session to UI collaborators over localhost HTTP.
type Handler struct {
	session *session.Session
	logger  interface {
		Printf(string, ...interface{})
	}
}

// NewHandler creates a gateway handler over a session.
func NewHandler(sess *session.Session) *Handler {
	return &Handler{
		session: sess,
		logger:  log.New(log.Writer(), "[gateway] ", log.LstdFlags),
	}
}

// RegisterRoutes mounts the gateway API on a gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.CreateConversation)
	r.GET("/conversations/:id/messages", h.GetMessages)
	r.POST("/conversations/:id/messages", h.SendMessage)
	r.POST("/conversations/:id/messages/:local_id/retry", h.RetryMessage)
	r.PUT("/conversations/:id/active", h.Activate)
	r.DELETE("/conversations/active", h.Deactivate)
	r.GET("/ws", h.HandleWebSocket)
}

// ListConversations godoc
// @Summary List conversations
// @Description Returns the conversation list with denormalized last messages
// @Tags conversations
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 401 {object} response.APIResponse
// @Failure 502 {object} response.APIResponse
// @Router /conversations [get]
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.session.Conversations(c.Request.Context())
	if err != nil {
		// A stale list is better than none; report the refresh failure
		// but include whatever is cached.
		h.logger.Printf("conversation refresh failed: %v", err)
		code, msg := mapError(err)
		if code == http.StatusUnauthorized {
			response.SendError(c, code, msg)
			return
		}
		response.SendAPIResponse(c, http.StatusOK, true, "conversations (cached)", gin.H{
			"conversations": convs,
			"count":         len(convs),
			"stale":         true,
		})
		return
	}

	response.SendAPIResponse(c, http.StatusOK, true, "conversations", gin.H{
		"conversations": convs,
		"count":         len(convs),
	})
}

type createConversationRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	SessionID     string `json:"session_id"`
}

// CreateConversation godoc
// @Summary Create a conversation
// @Description Opens a conversation with another participant, optionally tied to a booked session
// @Tags conversations
// @Accept json
// @Produce json
// @Param request body createConversationRequest true "Participant to open a conversation with"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.APIResponse
// @Failure 401 {object} response.APIResponse
// @Failure 502 {object} response.APIResponse
// @Router /conversations [post]
func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "participant_id is required")
		return
	}

	conv, err := h.session.CreateConversation(c.Request.Context(), req.ParticipantID, req.SessionID)
	if err != nil {
		code, msg := mapError(err)
		response.SendError(c, code, msg)
		return
	}

	response.SendAPIResponse(c, http.StatusCreated, true, "conversation created", conv)
}

// GetMessages godoc
// @Summary Get conversation messages
// @Description Returns the ordered, reconciled message list for a conversation
// @Tags messages
// @Param id path string true "Conversation id"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /conversations/{id}/messages [get]
func (h *Handler) GetMessages(c *gin.Context) {
	msgs := h.session.Messages(c.Param("id"))
	response.SendAPIResponse(c, http.StatusOK, true, "messages", gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage godoc
// @Summary Send a message
// @Description Sends a message optimistically; on failure the message stays in the list as failed for an explicit retry
// @Tags messages
// @Accept json
// @Produce json
// @Param id path string true "Conversation id"
// @Param request body sendMessageRequest true "Message content"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.APIResponse
// @Failure 401 {object} response.APIResponse
// @Failure 502 {object} response.APIResponse
// @Router /conversations/{id}/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.session.Send(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		code, errMsg := mapError(err)
		// The failed message is kept in the store; hand its record back
		// so the UI can mark the bubble and offer a retry.
		data := gin.H{}
		if msg.LocalID != "" {
			data["message"] = msg
		}
		response.SendAPIResponse(c, code, false, errMsg, data)
		return
	}

	response.SendAPIResponse(c, http.StatusCreated, true, "message sent", msg)
}

// RetryMessage godoc
// @Summary Retry a failed message
// @Description Re-sends a failed message under its existing local id
// @Tags messages
// @Param id path string true "Conversation id"
// @Param local_id path string true "Local id of the failed message"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.APIResponse
// @Failure 502 {object} response.APIResponse
// @Router /conversations/{id}/messages/{local_id}/retry [post]
func (h *Handler) RetryMessage(c *gin.Context) {
	msg, err := h.session.Retry(c.Request.Context(), c.Param("id"), c.Param("local_id"))
	if err != nil {
		code, errMsg := mapError(err)
		data := gin.H{}
		if msg.LocalID != "" {
			data["message"] = msg
		}
		response.SendAPIResponse(c, code, false, errMsg, data)
		return
	}

	response.SendAPIResponse(c, http.StatusOK, true, "message sent", msg)
}

// Activate godoc
// @Summary Activate a conversation
// @Description Marks a conversation active: loads history on first open and starts its poll loop
// @Tags conversations
// @Param id path string true "Conversation id"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 502 {object} response.APIResponse
// @Router /conversations/{id}/active [put]
func (h *Handler) Activate(c *gin.Context) {
	id := c.Param("id")
	if err := h.session.SetActiveConversation(c.Request.Context(), id); err != nil {
		code, msg := mapError(err)
		response.SendError(c, code, msg)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversation active", gin.H{"conversation_id": id})
}

// Deactivate godoc
// @Summary Deactivate the current conversation
// @Description Stops the poll loop; cached messages are kept for cheap re-navigation
// @Tags conversations
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /conversations/active [delete]
func (h *Handler) Deactivate(c *gin.Context) {
	h.session.ClearActiveConversation()
	response.SendAPIResponse(c, http.StatusOK, true, "conversation deactivated", nil)
}

// mapError translates the upstream error taxonomy to HTTP.
func mapError(err error) (int, string) {
	var rejected *upstream.RejectedError
	var network *upstream.NetworkError
	switch {
	case errors.Is(err, store.ErrUnknownMessage):
		return http.StatusNotFound, "unknown message"
	case errors.Is(err, upstream.ErrAuthExpired):
		return http.StatusUnauthorized, "session expired"
	case errors.As(err, &rejected):
		return rejected.StatusCode, rejected.Message
	case errors.As(err, &network):
		return http.StatusBadGateway, "backend unreachable"
	default:
		return http.StatusBadRequest, err.Error()
	}
}
