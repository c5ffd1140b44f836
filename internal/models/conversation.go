package models

import (
	"strings"
	"time"
)

// Participant is one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Conversation is a thread between exactly two participants about one product.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	ProductID    string         `json:"productId"`
	ProductName  string         `json:"productName"`
	Messages     []Message      `json:"messages"`
	UnreadCount  int            `json:"unreadCount"`
	LastActivity time.Time      `json:"lastActivity"`
}

// ConversationID derives the conversation identifier from both participant
// ids and the product id. The participant ids are sorted first, so the
// result does not depend on who initiates.
func ConversationID(participantA, participantB, productID string) string {
	lo, hi := participantA, participantB
	if hi < lo {
		lo, hi = hi, lo
	}
	return strings.Join([]string{"conv", lo, hi, productID}, "_")
}

// Peer returns the participant that is not selfID. If selfID is not a
// participant the second slot is returned.
func (c Conversation) Peer(selfID string) Participant {
	if c.Participants[1].ID == selfID {
		return c.Participants[0]
	}
	return c.Participants[1]
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0].ID == userID || c.Participants[1].ID == userID)
}

// LastMessage returns the newest message and true, or false if there is none.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Clone returns a deep copy safe to hand to readers.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// ConversationMeta carries the mergeable, non-message fields of a conversation.
// Zero-valued fields are left untouched on merge.
type ConversationMeta struct {
	Participants [2]Participant
	ProductID    string
	ProductName  string
	LastActivity time.Time
}

// SortedParticipants orders a pair by id, matching ConversationID.
func SortedParticipants(a, b Participant) [2]Participant {
	if b.ID < a.ID {
		return [2]Participant{b, a}
	}
	return [2]Participant{a, b}
}
