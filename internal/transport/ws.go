package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/config"

	"github.com/gorilla/websocket"
)

// WSDialer connects to the relay over WebSocket, presenting the token as a
// bearer Authorization header.
type WSDialer struct {
	URL       string
	WriteWait time.Duration
	dialer    *websocket.Dialer
}

func NewWSDialer(url string, handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		URL:       url,
		WriteWait: config.RelayWriteWait,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperr.AuthRejected(fmt.Errorf("handshake status %d: %w", resp.StatusCode, err))
		}
		return nil, apperr.NetworkUnreachable(err)
	}
	ws.SetReadLimit(config.RelayMaxMessageSize)
	return &wsConn{ws: ws, writeWait: d.WriteWait}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(c.writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.ws.Close()
}
