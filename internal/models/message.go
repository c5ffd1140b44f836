package models

import (
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle position of a message. Values are ordered;
// a message only ever moves to a higher value.
type DeliveryStatus int

const (
	StatusUnknown DeliveryStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = map[DeliveryStatus]string{
	StatusUnknown:   "",
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s DeliveryStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DeliveryStatus(%d)", int(s))
}

// ParseDeliveryStatus converts the wire name into a DeliveryStatus.
func ParseDeliveryStatus(name string) (DeliveryStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown delivery status %q", name)
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseDeliveryStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return next > s && next <= StatusRead
}

// Message is one entry in a conversation.
type Message struct {
	// ID is the service-assigned id once acknowledged, the client id before.
	ID string `json:"id"`
	// ClientID is the provisional id this client generated, if it sent the message.
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
}

// Provisional reports whether the message still carries its client id.
func (m Message) Provisional() bool {
	return m.ClientID != "" && m.ID == m.ClientID
}

// Advance returns m with the new status and true, or m unchanged and false
// when next would move the status backwards or sideways.
func (m Message) Advance(next DeliveryStatus) (Message, bool) {
	if !m.Status.CanAdvanceTo(next) {
		return m, false
	}
	m.Status = next
	return m, true
}
