package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event types.
const (
	EventSendMessage     = "send_message"
	EventMessage         = "message"
	EventAck             = "ack"
	EventTyping          = "typing"
	EventReadReceipt     = "read_receipt"
	EventDeliveryReceipt = "delivery_receipt"
	EventPresence        = "presence"
	EventConnected       = "connected"
	EventDisconnect      = "disconnect"
	EventPing            = "ping"
	EventPong            = "pong"
	EventError           = "error"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(eventType string, data any) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Data = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(eventType string, data any) Envelope {
	env, err := NewEnvelope(eventType, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame without type")
	}
	return env, nil
}

type SendMessagePayload struct {
	ConversationID  string `json:"conversationId"`
	RecipientID     string `json:"recipientId" validate:"required"`
	RecipientName   string `json:"recipientName"`
	ProductID       string `json:"productId" validate:"required"`
	ProductName     string `json:"productName"`
	Message         string `json:"message" validate:"required,max=4000"`
	ClientMessageID string `json:"clientMessageId" validate:"required"`
	// SenderName is filled in by the client so the peer can render it.
	SenderName string `json:"senderName,omitempty"`
}

type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	// Optional context for conversations the receiver has not seen yet.
	RecipientID   string `json:"recipientId,omitempty"`
	RecipientName string `json:"recipientName,omitempty"`
	ProductID     string `json:"productId,omitempty"`
	ProductName   string `json:"productName,omitempty"`
}

type AckPayload struct {
	ClientMessageID string    `json:"clientMessageId"`
	ServerMessageID string    `json:"serverMessageId"`
	Timestamp       time.Time `json:"timestamp"`
}

// TypingPayload is sent with only ConversationID and IsTyping; the service
// adds the user fields when relaying it to the peer.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
}

type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	UpToMessageID  string `json:"upToMessageId"`
	ReaderID       string `json:"readerId,omitempty"`
}

type DeliveryReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	RecipientID    string `json:"recipientId,omitempty"`
}

type PresencePayload struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type ConnectedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type DisconnectPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
