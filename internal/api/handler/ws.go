package handler

import (
	"net/http"
	"slices"

	"marketchat/internal/apperr"
	"marketchat/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || slices.Contains(h.allowedOrigins, origin) || slices.Contains(h.allowedOrigins, "*")
		},
	}
}

// ServeWebSocket authenticates the caller, upgrades the connection and
// hands the client to the hub. Authentication failures are answered with
// 401 before any upgrade.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	raw := bearerToken(c)
	if raw == "" {
		respondError(c, apperr.Unauthorized("authorization token missing", nil))
		return
	}
	claims, err := h.Tokens.Parse(raw)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.WithError(err).WithField("user_id", claims.Subject).Warn("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, claims.Subject, claims.Name)
	select {
	case h.Hub.RegisterCh <- client:
	case <-h.Hub.Done():
		conn.Close()
		return
	}
	client.Run()
}
