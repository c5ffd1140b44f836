// Package handler exposes the relay over HTTP: token issuance, the
// WebSocket endpoint and the history API.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"marketchat/internal/apperr"
	"marketchat/internal/chathub"
	"marketchat/internal/config"
	"marketchat/internal/models"
	"marketchat/internal/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxHistoryLimit = 500

type Handler struct {
	Hub     *chathub.ManagerService
	Storage storage.Storage
	Tokens  *TokenIssuer

	allowedOrigins []string
	log            *logrus.Entry
}

func NewHandler(hub *chathub.ManagerService, s storage.Storage, tokens *TokenIssuer, allowedOrigins []string, log *logrus.Entry) *Handler {
	return &Handler{
		Hub:            hub,
		Storage:        s,
		Tokens:         tokens,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
}

// Router builds the relay's gin engine. The token endpoint is only mounted
// when issueTokens is set.
func (h *Handler) Router(issueTokens bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     h.allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", h.Health)
	r.GET("/ws", h.ServeWebSocket)

	v1 := r.Group("/v1")
	if issueTokens {
		v1.POST("/token", h.IssueToken)
	}
	authed := v1.Group("", h.RequireAuth())
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}

func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	message := err.Error()
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), models.ErrorResponse{
		Error: models.ErrorPayload{Code: code, Message: message},
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(c *gin.Context) {
	userID := c.GetString(ctxUserID)
	convs, err := h.Storage.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := models.ConversationsResponse{Conversations: make([]models.ConversationSummary, 0, len(convs))}
	for _, conv := range convs {
		resp.Conversations = append(resp.Conversations, conv.ToSummary())
	}
	c.JSON(http.StatusOK, resp)
}

// ListMessages returns the newest messages of a conversation the caller
// takes part in, oldest first.
func (h *Handler) ListMessages(c *gin.Context) {
	limit := config.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, apperr.InvalidRequest("limit must be a positive integer", err))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	conv, err := h.Storage.GetConversation(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !conv.HasParticipant(c.GetString(ctxUserID)) {
		respondError(c, apperr.NotFound("conversation", nil))
		return
	}

	msgs, err := h.Storage.GetMessages(ctx, conv.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := models.MessagesResponse{Messages: make([]models.MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, m.ToPayload())
	}
	c.JSON(http.StatusOK, resp)
}
