package chathub

import (
	"sync"
	"time"

	"marketchat/internal/config"
	"marketchat/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// WebSocketClient implements Client over a gorilla connection.
type WebSocketClient struct {
	UserID    string
	UserName  string
	SessionID string
	Conn      *websocket.Conn
	Hub       *ManagerService
	Send      chan models.Envelope

	limiter   *rate.Limiter
	log       *logrus.Entry
	closeOnce sync.Once
}

func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, userID, userName string) *WebSocketClient {
	sessionID := uuid.NewString()
	return &WebSocketClient{
		UserID:    userID,
		UserName:  userName,
		SessionID: sessionID,
		Conn:      conn,
		Hub:       hub,
		Send:      make(chan models.Envelope, config.RelaySendQueueSize),
		limiter:   rate.NewLimiter(rate.Limit(config.RelayEventsPerSec), config.RelayEventBurst),
		log:       hub.log.WithFields(logrus.Fields{"user_id": userID, "session_id": sessionID}),
	}
}

func (c *WebSocketClient) GetUserID() string                      { return c.UserID }
func (c *WebSocketClient) GetUserName() string                    { return c.UserName }
func (c *WebSocketClient) GetSessionID() string                   { return c.SessionID }
func (c *WebSocketClient) GetSendChannel() chan<- models.Envelope { return c.Send }
func (c *WebSocketClient) Allow() bool                            { return c.limiter.Allow() }

func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.UnregisterCh <- c:
		case <-c.Hub.Done():
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(config.RelayMaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.RelayPongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.RelayPongWait))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.WithError(err).Info("connection closed unexpectedly")
			}
			return
		}
		// Application pings count as liveness too.
		c.Conn.SetReadDeadline(time.Now().Add(config.RelayPongWait))

		env, err := models.ParseEnvelope(frame)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		select {
		case c.Hub.IncomingCh <- Inbound{Client: c, Envelope: env}:
		case <-c.Hub.Done():
			return
		}
	}
}

// writePump writes one envelope per text frame and pings the peer.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.RelayPingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.RelayWriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.RelayWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
